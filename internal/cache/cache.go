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

// Package cache provides the master's response caches: named, bounded,
// TTL-expiring maps that remember positive and negative outcomes alike.
// A Registry owns all caches and applies the single invalidation policy
// every write path goes through.
package cache

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
)

// Cache names. Every response cache in the process is one of these.
const (
	NameUserGet        = "userGet"
	NameOperatorGet    = "operatorGet"
	NameProbeList      = "probeList"
	NameProbeGet       = "probeGet"
	NameProbeGroupList = "probeGroupList"
	NameProbeGroupGet  = "probeGroupGet"
	NameAgentProbes    = "agentProbes"
)

// Kind identifies a cached entity kind for invalidation.
type Kind string

const (
	KindProbe      Kind = "probe"
	KindProbeGroup Kind = "probegroup"
)

// kindCaches maps an entity kind to its list and get caches. On a write,
// the list cache is cleared entirely and the written DN is dropped from
// the get cache.
var kindCaches = map[Kind]struct{ list, get string }{
	KindProbe:      {NameProbeList, NameProbeGet},
	KindProbeGroup: {NameProbeGroupList, NameProbeGroupGet},
}

// SizeTTL overrides capacity and TTL for one named cache. Size 0 means
// unbounded.
type SizeTTL struct {
	Size int
	TTL  time.Duration
}

// Options configure the registry.
type Options struct {
	// Disabled turns every cache into a pass-through: all gets miss,
	// all sets are dropped.
	Disabled  bool
	Overrides map[string]SizeTTL
}

type invalidatable interface {
	Remove(key string)
	Purge()
}

// Registry owns the named caches and the invalidation policy.
type Registry struct {
	logger log.Logger
	opts   Options

	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec

	mtx    sync.Mutex
	caches map[string]invalidatable
}

// NewRegistry creates an empty registry. Caches attach through NewIn.
func NewRegistry(logger log.Logger, opts Options, reg prometheus.Registerer) *Registry {
	r := &Registry{
		logger: logger,
		opts:   opts,
		caches: map[string]invalidatable{},
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_cache_hits_total",
			Help: "Response cache hits.",
		}, []string{"cache"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_cache_misses_total",
			Help: "Response cache misses.",
		}, []string{"cache"}),
	}
	if reg != nil {
		reg.MustRegister(r.hits, r.misses)
	}
	if opts.Disabled {
		level.Info(logger).Log("msg", "response caches disabled by configuration")
	}
	return r
}

// InvalidateEntity applies the write policy for one entity: the kind's
// list cache is cleared and the entity's key is dropped from its get
// cache. Unknown kinds are a programming error and are logged.
func (r *Registry) InvalidateEntity(kind Kind, key string) {
	names, ok := kindCaches[kind]
	if !ok {
		level.Error(r.logger).Log("msg", "invalidation for unknown entity kind", "kind", kind)
		return
	}
	r.mtx.Lock()
	list, get := r.caches[names.list], r.caches[names.get]
	r.mtx.Unlock()
	if list != nil {
		list.Purge()
	}
	if get != nil {
		get.Remove(key)
	}
}

// InvalidateAgentProbes drops the cached manifest of one agent.
func (r *Registry) InvalidateAgentProbes(agentUUID string) {
	r.mtx.Lock()
	c := r.caches[NameAgentProbes]
	r.mtx.Unlock()
	if c != nil {
		c.Remove(agentUUID)
	}
}

// InvalidateUser drops all remembered outcomes for user and operator
// lookups. User records are keyed both ways, so the caches are cleared
// wholesale.
func (r *Registry) InvalidateUser() {
	r.mtx.Lock()
	u, o := r.caches[NameUserGet], r.caches[NameOperatorGet]
	r.mtx.Unlock()
	if u != nil {
		u.Purge()
	}
	if o != nil {
		o.Purge()
	}
}

func (r *Registry) attach(name string, c invalidatable) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.caches[name] = c
}

// outcome is a remembered result: a value or an error, never both.
type outcome[V any] struct {
	value V
	err   error
}

// Cache is one named response cache. The zero value is not usable; build
// through NewIn.
type Cache[V any] struct {
	name     string
	disabled bool
	lru      *expirable.LRU[string, outcome[V]]
	hits     prometheus.Counter
	misses   prometheus.Counter
}

// NewIn builds the named cache inside r with the given defaults, applying
// any configured override, and attaches it to the invalidation policy.
func NewIn[V any](r *Registry, name string, defSize int, defTTL time.Duration) *Cache[V] {
	size, ttl := defSize, defTTL
	if o, ok := r.opts.Overrides[name]; ok {
		size, ttl = o.Size, o.TTL
	}
	c := &Cache[V]{
		name:     name,
		disabled: r.opts.Disabled,
		lru:      expirable.NewLRU[string, outcome[V]](size, nil, ttl),
		hits:     r.hits.WithLabelValues(name),
		misses:   r.misses.WithLabelValues(name),
	}
	r.attach(name, c)
	return c
}

// Get returns the remembered outcome for key. The boolean reports whether
// an entry was present; when it is true the returned value and error
// replay the original lookup.
func (c *Cache[V]) Get(key string) (V, bool, error) {
	if c.disabled {
		var zero V
		return zero, false, nil
	}
	out, ok := c.lru.Get(key)
	if !ok {
		c.misses.Inc()
		var zero V
		return zero, false, nil
	}
	c.hits.Inc()
	return out.value, true, out.err
}

// Set remembers a positive outcome.
func (c *Cache[V]) Set(key string, v V) {
	if c.disabled {
		return
	}
	c.lru.Add(key, outcome[V]{value: v})
}

// SetErr remembers a negative outcome so repeated failing lookups do not
// stampede the backing store.
func (c *Cache[V]) SetErr(key string, err error) {
	if c.disabled {
		return
	}
	c.lru.Add(key, outcome[V]{err: err})
}

// Remove drops one key.
func (c *Cache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Purge drops all entries.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int { return c.lru.Len() }
