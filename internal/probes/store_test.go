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

package probes

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/amon/internal/cache"
	"github.com/GoogleCloudPlatform/amon/internal/directory"
	"github.com/GoogleCloudPlatform/amon/internal/machines"
	"github.com/GoogleCloudPlatform/amon/internal/probekind"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

const (
	operatorUUID = "66666666-6666-4666-8666-666666666666"
	adminUUID    = "77777777-7777-4777-8777-777777777777"
	otherVMUUID  = "88888888-8888-4888-8888-888888888888"
)

type fakeOperators map[string]bool

func (f fakeOperators) IsOperator(_ context.Context, userUUID string) (bool, error) {
	return f[userUUID], nil
}

type fixture struct {
	store *Store
	dir   *directory.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := directory.NewFake()
	reg := cache.NewRegistry(log.NewNopLogger(), cache.Options{}, prometheus.NewRegistry())
	store := NewStore(log.NewNopLogger(), StoreOptions{
		Directory: dir,
		Kinds:     probekind.Builtin(),
		VMs: machines.FakeVMs{
			machineUUID: {UUID: machineUUID, OwnerUUID: ownerUUID, ServerUUID: serverUUID},
			otherVMUUID: {UUID: otherVMUUID, OwnerUUID: operatorUUID, ServerUUID: serverUUID},
		},
		Servers:   machines.FakeServers{serverUUID: true},
		Operators: fakeOperators{operatorUUID: true},
		AdminUUID: adminUUID,
	}, reg)
	return &fixture{store: store, dir: dir}
}

func TestPutProbeThenList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// Prime the list cache with the empty result first: the write must
	// still be visible immediately afterwards.
	ps, err := f.store.ListProbes(ctx, ownerUUID)
	require.NoError(t, err)
	assert.Empty(t, ps)

	p := validLogScan()
	require.NoError(t, f.store.PutProbe(ctx, ownerUUID, p, false))

	ps, err = f.store.ListProbes(ctx, ownerUUID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, probeUUID, ps[0].UUID)
}

func TestGetProbeRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	p := validLogScan()
	p.Contacts = []string{"email"}
	require.NoError(t, f.store.PutProbe(ctx, ownerUUID, p, false))

	got, err := f.store.GetProbe(ctx, ownerUUID, probeUUID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	// The second get must come from cache.
	gets := f.dir.GetCalls
	_, err = f.store.GetProbe(ctx, ownerUUID, probeUUID)
	require.NoError(t, err)
	assert.Equal(t, gets, f.dir.GetCalls)
}

func TestGetProbeNotFoundIsCachedAndInvalidated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.GetProbe(ctx, ownerUUID, probeUUID)
	require.True(t, apierror.IsNotFound(err))

	gets := f.dir.GetCalls
	_, err = f.store.GetProbe(ctx, ownerUUID, probeUUID)
	require.True(t, apierror.IsNotFound(err), "negative result replayed from cache")
	assert.Equal(t, gets, f.dir.GetCalls)

	// A write drops the remembered miss.
	require.NoError(t, f.store.PutProbe(ctx, ownerUUID, validLogScan(), false))
	got, err := f.store.GetProbe(ctx, ownerUUID, probeUUID)
	require.NoError(t, err)
	assert.Equal(t, probeUUID, got.UUID)
}

func TestDeleteProbeIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.PutProbe(ctx, ownerUUID, validLogScan(), false))
	require.NoError(t, f.store.DeleteProbe(ctx, ownerUUID, ownerUUID, probeUUID))
	_, err := f.store.GetProbe(ctx, ownerUUID, probeUUID)
	assert.True(t, apierror.IsNotFound(err))

	require.NoError(t, f.store.DeleteProbe(ctx, ownerUUID, ownerUUID, probeUUID),
		"deleting an absent probe succeeds")
}

func TestPutProbeRejectsMissingGroup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	p := validLogScan()
	p.Group = groupUUID
	err := f.store.PutProbe(ctx, ownerUUID, p, false)
	require.Error(t, err)
	assert.True(t, apierror.IsInvalidArgument(err))

	require.NoError(t, f.store.PutGroup(ctx, ownerUUID, &Group{
		UUID: groupUUID, User: ownerUUID, Name: "web tier",
	}))
	require.NoError(t, f.store.PutProbe(ctx, ownerUUID, p, false))
}

func TestPutProbeDerivesAgentForVMHostKinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	p := &Probe{UUID: probeUUID, User: ownerUUID, Type: "machine-up", Machine: machineUUID}
	require.NoError(t, f.store.PutProbe(ctx, ownerUUID, p, false))
	assert.Equal(t, serverUUID, p.Agent, "agent is the VM's hosting server")
}

func TestGroupCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	g := &Group{UUID: groupUUID, User: ownerUUID, Name: "db tier", Contacts: []string{"email"}}
	require.NoError(t, f.store.PutGroup(ctx, ownerUUID, g))

	got, err := f.store.GetGroup(ctx, ownerUUID, groupUUID)
	require.NoError(t, err)
	assert.Equal(t, g, got)

	gs, err := f.store.ListGroups(ctx, ownerUUID)
	require.NoError(t, err)
	require.Len(t, gs, 1)

	require.NoError(t, f.store.DeleteGroup(ctx, ownerUUID, ownerUUID, groupUUID))
	_, err = f.store.GetGroup(ctx, ownerUUID, groupUUID)
	assert.True(t, apierror.IsNotFound(err))
}

func TestAgentProbesDigestStability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.PutProbe(ctx, ownerUUID, validLogScan(), false))

	m1, err := f.store.AgentProbes(ctx, machineUUID)
	require.NoError(t, err)
	m2, err := f.store.AgentProbes(ctx, machineUUID)
	require.NoError(t, err)
	assert.Equal(t, m1.Digest, m2.Digest, "digest is stable without writes")

	p := validLogScan()
	p.Name = "renamed"
	require.NoError(t, f.store.PutProbe(ctx, ownerUUID, p, false))

	m3, err := f.store.AgentProbes(ctx, machineUUID)
	require.NoError(t, err)
	assert.NotEqual(t, m1.Digest, m3.Digest, "a probe write to the agent changes the digest")
}

func TestAgentProbesIncludeInternalFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	p := &Probe{UUID: probeUUID, User: ownerUUID, Type: "machine-up", Machine: machineUUID}
	require.NoError(t, f.store.PutProbe(ctx, operatorUUID, p, false))

	m, err := f.store.AgentProbes(ctx, serverUUID)
	require.NoError(t, err)
	assert.Contains(t, string(m.Body), `"runInVmHost":true`)
}
