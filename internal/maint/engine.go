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

package maint

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/amon/internal/kv"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

// KV layout, all in the logical database selected at startup.
const (
	keyIDs       = "maintenanceIds"  // hash: user -> last issued id
	keyByEnd     = "maintenancesByEnd" // zset: window key scored by end
	keySetPrefix = "maintenances:"   // set per user: issued ids
)

func userSetKey(user string) string { return keySetPrefix + user }

// EndHook is invoked after a window is deleted or expires, so the event
// router can re-evaluate what it suppressed. The default hook only logs.
type EndHook func(w *Window)

type metrics struct {
	created    prometheus.Counter
	deleted    prometheus.Counter
	reaped     prometheus.Counter
	reaperErrs prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_maintenances_created_total",
			Help: "Maintenance windows created.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_maintenances_deleted_total",
			Help: "Maintenance windows deleted, by request or by expiry.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_maintenances_reaped_total",
			Help: "Maintenance windows removed by the expiry reaper.",
		}),
		reaperErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_maintenance_reaper_errors_total",
			Help: "Errors encountered by the expiry reaper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.deleted, m.reaped, m.reaperErrs)
	}
	return m
}

// Engine owns all maintenance state in the KV store and runs the expiry
// reaper. All methods are safe for concurrent use; the reaper itself is
// a single goroutine driven by Run.
type Engine struct {
	logger  log.Logger
	store   *kv.Store
	now     func() time.Time
	onEnd   EndHook
	metrics *metrics
	poke    chan struct{}
}

// NewEngine builds the engine. The hook may be nil.
func NewEngine(logger log.Logger, store *kv.Store, onEnd EndHook, reg prometheus.Registerer) *Engine {
	e := &Engine{
		logger:  logger,
		store:   store,
		now:     time.Now,
		onEnd:   onEnd,
		metrics: newMetrics(reg),
		poke:    make(chan struct{}, 1),
	}
	if e.onEnd == nil {
		e.onEnd = func(w *Window) {
			level.Info(logger).Log("msg", "maintenance window ended", "user", w.User, "id", w.ID)
		}
	}
	return e
}

// Create allocates the next id for the user and persists the window
// atomically across the per-user set, the by-end index and the hash.
func (e *Engine) Create(ctx context.Context, w *Window) (*Window, error) {
	id, err := e.store.HIncrBy(ctx, keyIDs, w.User, 1)
	if err != nil {
		return nil, apierror.Internal(err, "allocating maintenance id")
	}
	w.ID = id
	if err := w.validate(); err != nil {
		return nil, err
	}
	err = e.store.Tx(ctx, func(tx kv.Tx) error {
		tx.SAdd(userSetKey(w.User), strconv.FormatInt(w.ID, 10))
		tx.ZAdd(keyByEnd, float64(w.End), w.Key())
		tx.HSet(w.Key(), w.hashFields())
		return nil
	})
	if err != nil {
		return nil, apierror.Internal(err, "persisting maintenance window")
	}
	e.metrics.created.Inc()
	e.Poke()
	return w, nil
}

// Get returns one window. An id that was issued but no longer exists
// reports Gone; an id never issued reports ResourceNotFound.
func (e *Engine) Get(ctx context.Context, user string, id int64) (*Window, error) {
	fields, err := e.store.HGetAll(ctx, windowKey(user, id))
	if err != nil {
		return nil, apierror.Internal(err, "loading maintenance window")
	}
	if len(fields) == 0 {
		return nil, e.absentErr(ctx, user, id)
	}
	w, err := windowFromHash(fields)
	if err != nil {
		e.deleteBogus(user, windowKey(user, id))
		return nil, e.absentErr(ctx, user, id)
	}
	return w, nil
}

// absentErr distinguishes Gone (id below the issued counter) from a
// plain not-found.
func (e *Engine) absentErr(ctx context.Context, user string, id int64) error {
	last, err := e.store.HGet(ctx, keyIDs, user)
	if err == nil {
		if n, perr := strconv.ParseInt(last, 10, 64); perr == nil && id >= 1 && id <= n {
			return apierror.Gonef("maintenance %d no longer exists", id)
		}
	} else if err != kv.ErrNotFound {
		return apierror.Internal(err, "loading maintenance counter")
	}
	return apierror.NotFoundf("maintenance %d not found", id)
}

// Delete removes a window atomically from all three structures, then
// fires the end hook and re-arms the reaper.
func (e *Engine) Delete(ctx context.Context, user string, id int64) (*Window, error) {
	w, err := e.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	err = e.store.Tx(ctx, func(tx kv.Tx) error {
		tx.SRem(userSetKey(user), strconv.FormatInt(id, 10))
		tx.ZRem(keyByEnd, w.Key())
		tx.Del(w.Key())
		return nil
	})
	if err != nil {
		return nil, apierror.Internal(err, "deleting maintenance window")
	}
	e.metrics.deleted.Inc()
	e.onEnd(w)
	e.Poke()
	return w, nil
}

// List returns the user's windows sorted by id. Window hashes are
// fetched in parallel; records that fail validation are dropped and
// scheduled for background deletion so the reaper cannot spin on them.
func (e *Engine) List(ctx context.Context, user string) ([]*Window, error) {
	ids, err := e.store.SMembers(ctx, userSetKey(user))
	if err != nil {
		return nil, apierror.Internal(err, "listing maintenance windows")
	}
	var (
		wg  sync.WaitGroup
		mtx sync.Mutex
		ws  []*Window
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			key := keyHashPrefix(user, id)
			fields, err := e.store.HGetAll(ctx, key)
			if err != nil {
				level.Warn(e.logger).Log("msg", "loading maintenance window", "key", key, "err", err)
				return
			}
			w, err := windowFromHash(fields)
			if err != nil {
				level.Warn(e.logger).Log("msg", "dropping bogus maintenance window", "key", key, "err", err)
				e.deleteBogus(user, key)
				return
			}
			mtx.Lock()
			ws = append(ws, w)
			mtx.Unlock()
		}(id)
	}
	wg.Wait()
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID < ws[j].ID })
	return ws, nil
}

// ListAll returns every window in the fabric ordered by end time. Only
// the operator endpoint uses it.
func (e *Engine) ListAll(ctx context.Context) ([]*Window, error) {
	scored, err := e.store.ZRangeWithScores(ctx, keyByEnd)
	if err != nil {
		return nil, apierror.Internal(err, "listing maintenance windows")
	}
	ws := make([]*Window, 0, len(scored))
	for _, s := range scored {
		fields, err := e.store.HGetAll(ctx, s.Member)
		if err != nil {
			return nil, apierror.Internal(err, "loading maintenance window")
		}
		w, err := windowFromHash(fields)
		if err != nil {
			level.Warn(e.logger).Log("msg", "dropping bogus maintenance window", "key", s.Member, "err", err)
			continue
		}
		ws = append(ws, w)
	}
	return ws, nil
}

// Match returns the first of the user's windows covering an event at
// time t with the given probe, group and machine, or nil. Any one match
// suffices; callers get no promise about which of several overlapping
// windows is returned.
func (e *Engine) Match(ctx context.Context, user string, t int64, probeUUID, groupUUID, machineUUID string) (*Window, error) {
	ws, err := e.List(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, w := range ws {
		if w.Covers(t, probeUUID, groupUUID, machineUUID) {
			return w, nil
		}
	}
	return nil, nil
}

// deleteBogus removes an unparseable record from all three structures in
// the background. The id is taken from the key, not the record.
func (e *Engine) deleteBogus(user, key string) {
	id := key[strings.LastIndexByte(key, ':')+1:]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := e.store.Tx(ctx, func(tx kv.Tx) error {
			if user != "" {
				tx.SRem(userSetKey(user), id)
			}
			tx.ZRem(keyByEnd, key)
			tx.Del(key)
			return nil
		})
		if err != nil {
			level.Error(e.logger).Log("msg", "deleting bogus maintenance window", "key", key, "err", err)
			return
		}
		e.Poke()
	}()
}

func windowKey(user string, id int64) string {
	return fmt.Sprintf("maintenance:%s:%d", user, id)
}

func keyHashPrefix(user, id string) string {
	return fmt.Sprintf("maintenance:%s:%s", user, id)
}

// splitKey parses "maintenance:<user>:<id>" back into its parts.
func splitKey(key string) (user string, id int64, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "maintenance" {
		return "", 0, fmt.Errorf("malformed maintenance key %q", key)
	}
	id, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed maintenance key %q", key)
	}
	return parts[1], id, nil
}
