// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/amon/internal/cache"
	"github.com/GoogleCloudPlatform/amon/internal/directory"
	"github.com/GoogleCloudPlatform/amon/internal/events"
	"github.com/GoogleCloudPlatform/amon/internal/kv"
	"github.com/GoogleCloudPlatform/amon/internal/machines"
	"github.com/GoogleCloudPlatform/amon/internal/maint"
	"github.com/GoogleCloudPlatform/amon/internal/notify"
	"github.com/GoogleCloudPlatform/amon/internal/probekind"
	"github.com/GoogleCloudPlatform/amon/internal/probes"
	"github.com/GoogleCloudPlatform/amon/internal/users"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

const (
	bobUUID     = "11111111-1111-4111-8111-111111111111"
	opUUID      = "66666666-6666-4666-8666-666666666666"
	machineUUID = "33333333-3333-4333-8333-333333333333"
	serverUUID  = "44444444-4444-4444-8444-444444444444"
)

type sentNote struct {
	plugin, address string
}

// testNotifier satisfies both the router's Notifier and the contact
// plugin directory.
type testNotifier struct {
	sent []sentNote
}

func (n *testNotifier) Notify(_ context.Context, plugin, _, address, _ string) error {
	n.sent = append(n.sent, sentNote{plugin, address})
	return nil
}

func (n *testNotifier) AcceptingPlugin(attr string) (string, bool) {
	if attr == "email" {
		return "email", true
	}
	return "", false
}

type harness struct {
	srv   *Server
	dir   *directory.Fake
	store *probes.Store
	notif *testNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := log.NewNopLogger()
	promReg := prometheus.NewRegistry()

	dir := directory.NewFake()
	require.NoError(t, dir.Put(context.Background(), directory.UserDN(bobUUID), map[string][]string{
		"objectclass": {"sdcperson"},
		"uuid":        {bobUUID},
		"login":       {"bob"},
		"email":       {"bob@example.com"},
	}))
	require.NoError(t, dir.Put(context.Background(), directory.UserDN(opUUID), map[string][]string{
		"objectclass": {"sdcperson"},
		"uuid":        {opUUID},
		"login":       {"opal"},
	}))
	require.NoError(t, dir.Put(context.Background(), directory.OperatorsGroupDN, map[string][]string{
		"objectclass":  {"groupofuniquenames"},
		"uniquemember": {directory.UserDN(opUUID)},
	}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kvStore := kv.New(client)

	caches := cache.NewRegistry(logger, cache.Options{}, promReg)
	resolver := users.NewResolver(logger, dir, caches)
	store := probes.NewStore(logger, probes.StoreOptions{
		Directory: dir,
		Kinds:     probekind.Builtin(),
		VMs: machines.FakeVMs{
			machineUUID: {UUID: machineUUID, OwnerUUID: bobUUID, ServerUUID: serverUUID},
		},
		Servers:   machines.FakeServers{serverUUID: true},
		Operators: resolver,
	}, caches)
	engine := maint.NewEngine(logger, kvStore, nil, promReg)
	notif := &testNotifier{}
	router := events.NewRouter(logger, store, resolver, engine, notif, notif,
		notify.NewLogAlarmSink(logger, promReg), promReg)

	srv := New(logger, Options{
		Users:       resolver,
		Probes:      store,
		Maintenance: engine,
		Events:      router,
		ReadyChecks: map[string]ReadyCheck{"kv": kvStore.Ping},
	}, promReg)
	srv.now = func() time.Time { return time.UnixMilli(1_000_000) }
	return &harness{srv: srv, dir: dir, store: store, notif: notif}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) apierror.Code {
	t.Helper()
	var body apierror.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestPing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, APIVersion, rec.Header().Get(versionHeader))
	assert.Contains(t, rec.Body.String(), `"ping":"pong"`)
}

func TestMalformedAPIVersionRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(versionHeader, "latest")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateProbeMissingType(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	puts := h.dir.PutCalls
	rec := h.do(t, http.MethodPost, "/pub/"+bobUUID+"/probes",
		map[string]string{"user": bobUUID, "agent": machineUUID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apierror.CodeMissingParameter, errCode(t, rec))
	assert.Equal(t, puts, h.dir.PutCalls, "nothing was written")
}

func TestProbeLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/pub/"+bobUUID+"/probes", map[string]interface{}{
		"type":    "log-scan",
		"machine": machineUUID,
		"config":  map[string]string{"path": "/var/log/app.log", "match": "ERROR"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created probes.Probe
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.UUID)
	assert.Equal(t, bobUUID, created.User)

	// Create-then-fetch yields the identical public serialization.
	rec = h.do(t, http.MethodGet, "/pub/"+bobUUID+"/probes/"+created.UUID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched probes.Probe
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, created, fetched)

	rec = h.do(t, http.MethodGet, "/pub/"+bobUUID+"/probes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []probes.Probe
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = h.do(t, http.MethodDelete, "/pub/"+bobUUID+"/probes/"+created.UUID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, "/pub/"+bobUUID+"/probes/"+created.UUID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "delete is idempotent")

	rec = h.do(t, http.MethodGet, "/pub/"+bobUUID+"/probes/"+created.UUID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownUserIs404(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/pub/99999999-9999-4999-8999-999999999999/probes", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierror.CodeResourceNotFound, errCode(t, rec))
}

func TestCreateMaintenanceRelativeEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/pub/"+bobUUID+"/maintenances", map[string]interface{}{
		"start": "now",
		"end":   "1h",
		"all":   true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var w maint.Window
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, int64(1), w.ID)
	assert.Equal(t, int64(1_000_000), w.Start)
	assert.Equal(t, int64(4_600_000), w.End)
	assert.True(t, w.All)
}

func TestDeletedMaintenanceIsGone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/pub/"+bobUUID+"/maintenances",
		map[string]interface{}{"start": "now", "end": "1h", "all": true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodDelete, "/pub/"+bobUUID+"/maintenances/1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/pub/"+bobUUID+"/maintenances/1", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, apierror.CodeGone, errCode(t, rec))

	rec = h.do(t, http.MethodGet, "/pub/"+bobUUID+"/maintenances/7", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperatorMaintenanceListing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/pub/"+bobUUID+"/maintenances",
		map[string]interface{}{"start": "now", "end": "1h", "all": true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodGet, "/maintenances?user="+opUUID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ws []maint.Window
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ws))
	assert.Len(t, ws, 1)

	rec = h.do(t, http.MethodGet, "/maintenances?user="+bobUUID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "non-operators are rejected")

	rec = h.do(t, http.MethodGet, "/maintenances", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func (h *harness) createProbe(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/pub/"+bobUUID+"/probes", map[string]interface{}{
		"type":     "log-scan",
		"machine":  machineUUID,
		"contacts": []string{"email"},
		"config":   map[string]string{"path": "/var/log/app.log", "match": "ERROR"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created probes.Probe
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	return created.UUID
}

func TestEventSuppressionEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	probeID := h.createProbe(t)

	rec := h.do(t, http.MethodPost, "/pub/"+bobUUID+"/maintenances",
		map[string]interface{}{"start": "now", "end": "1h", "all": true})
	require.Equal(t, http.StatusCreated, rec.Code)

	event := map[string]interface{}{
		"uuid":      "55555555-5555-4555-8555-555555555555",
		"version":   1,
		"user":      bobUUID,
		"time":      2_000_000,
		"probeUuid": probeID,
		"machine":   machineUUID,
		"type":      "probe",
		"status":    "error",
	}
	rec = h.do(t, http.MethodPost, "/events", event)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Empty(t, h.notif.sent, "suppressed events produce no notifications")

	rec = h.do(t, http.MethodDelete, "/pub/"+bobUUID+"/maintenances/1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/events", event)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.notif.sent, 1)
	assert.Equal(t, sentNote{"email", "bob@example.com"}, h.notif.sent[0])
}

func TestEventArrayBody(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	probeID := h.createProbe(t)

	event := map[string]interface{}{
		"uuid":      "55555555-5555-4555-8555-555555555555",
		"version":   1,
		"user":      bobUUID,
		"time":      2_000_000,
		"probeUuid": probeID,
		"type":      "probe",
		"status":    "ok",
	}
	rec := h.do(t, http.MethodPost, "/events", []interface{}{event, event})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Len(t, h.notif.sent, 2)
}

func TestEventUnknownProbe(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/events", map[string]interface{}{
		"uuid":      "55555555-5555-4555-8555-555555555555",
		"version":   1,
		"user":      bobUUID,
		"time":      2_000_000,
		"probeUuid": "99999999-9999-4999-8999-999999999999",
		"type":      "probe",
		"status":    "error",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentProbesDigest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.createProbe(t)

	head := func() string {
		rec := h.do(t, http.MethodHead, "/agentprobes?agent="+machineUUID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.Bytes(), "HEAD carries no body")
		return rec.Header().Get(digestHeader)
	}

	d1 := head()
	require.NotEmpty(t, d1)
	assert.Equal(t, d1, head(), "digest is stable between writes")

	// A probe write touching the agent changes the digest.
	h.createProbe(t)
	d2 := head()
	assert.NotEqual(t, d1, d2)

	rec := h.do(t, http.MethodGet, "/agentprobes?agent="+machineUUID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, d2, rec.Header().Get(digestHeader))
	var manifest []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	assert.Len(t, manifest, 2)
}

func TestAgentProbesRequiresAgent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/agentprobes", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apierror.CodeMissingParameter, errCode(t, rec))
}

func TestReadyEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/-/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/-/healthy", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProfileAndPutRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/pub/bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("%q", bobUUID))

	// PUT with a client-supplied uuid is create-or-replace and
	// idempotent.
	groupID := "55555555-5555-4555-8555-555555555555"
	body := map[string]interface{}{"name": "web tier", "contacts": []string{"email"}}
	rec = h.do(t, http.MethodPut, "/pub/"+bobUUID+"/probegroups/"+groupID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := rec.Body.String()

	rec = h.do(t, http.MethodPut, "/pub/"+bobUUID+"/probegroups/"+groupID, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first, rec.Body.String(), "PUT with the same body is idempotent")
}
