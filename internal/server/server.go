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

// Package server is the master's HTTP surface: the versioned REST
// endpoints, the management endpoints and the middleware wiring them to
// the models.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoogleCloudPlatform/amon/internal/events"
	"github.com/GoogleCloudPlatform/amon/internal/maint"
	"github.com/GoogleCloudPlatform/amon/internal/probes"
	"github.com/GoogleCloudPlatform/amon/internal/users"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

// APIVersion is the wire version the master speaks. Clients may pin a
// version through the X-Api-Version request header; the server echoes
// its own on every response.
const APIVersion = "1.0.0"

const versionHeader = "X-Api-Version"

// digestHeader carries the agent-probes content digest on GET and HEAD.
const digestHeader = "X-Content-Digest"

var versionRE = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ReadyCheck reports whether one dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Options bundles the server's collaborators.
type Options struct {
	Users       *users.Resolver
	Probes      *probes.Store
	Maintenance *maint.Engine
	Events      *events.Router
	// ReadyChecks gate /-/ready; all must pass.
	ReadyChecks map[string]ReadyCheck
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server handles the master's HTTP API.
type Server struct {
	logger   log.Logger
	opts     Options
	now      func() time.Time
	router   *mux.Router
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New builds the server and its routing table.
func New(logger log.Logger, opts Options, reg prometheus.Registerer) *Server {
	s := &Server{
		logger: logger,
		opts:   opts,
		now:    time.Now,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amon_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(s.requests, s.duration)
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument, s.apiVersion)

	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/-/healthy", s.handleHealthy).Methods(http.MethodGet)
	r.HandleFunc("/-/ready", s.handleReady).Methods(http.MethodGet)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.HandleFunc("/agentprobes", s.handleAgentProbes).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/maintenances", s.handleAllMaintenances).Methods(http.MethodGet)

	pub := r.PathPrefix("/pub/{user}").Subrouter()
	pub.Use(s.userCtx)
	pub.HandleFunc("", s.handleProfile).Methods(http.MethodGet)
	pub.HandleFunc("/probegroups", s.handleListGroups).Methods(http.MethodGet)
	pub.HandleFunc("/probegroups", s.handleCreateGroup).Methods(http.MethodPost)
	pub.HandleFunc("/probegroups/{uuid}", s.handleGetGroup).Methods(http.MethodGet)
	pub.HandleFunc("/probegroups/{uuid}", s.handlePutGroup).Methods(http.MethodPut)
	pub.HandleFunc("/probegroups/{uuid}", s.handleDeleteGroup).Methods(http.MethodDelete)
	pub.HandleFunc("/probes", s.handleListProbes).Methods(http.MethodGet)
	pub.HandleFunc("/probes", s.handleCreateProbe).Methods(http.MethodPost)
	pub.HandleFunc("/probes/{uuid}", s.handleGetProbe).Methods(http.MethodGet)
	pub.HandleFunc("/probes/{uuid}", s.handlePutProbe).Methods(http.MethodPut)
	pub.HandleFunc("/probes/{uuid}", s.handleDeleteProbe).Methods(http.MethodDelete)
	pub.HandleFunc("/maintenances", s.handleListMaintenances).Methods(http.MethodGet)
	pub.HandleFunc("/maintenances", s.handleCreateMaintenance).Methods(http.MethodPost)
	pub.HandleFunc("/maintenances/{id}", s.handleGetMaintenance).Methods(http.MethodGet)
	pub.HandleFunc("/maintenances/{id}", s.handleDeleteMaintenance).Methods(http.MethodDelete)
	return r
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		s.requests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		s.duration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		level.Debug(s.logger).Log("msg", "request served", "method", r.Method,
			"path", r.URL.Path, "status", rec.status, "duration", elapsed)
	})
}

// apiVersion validates a pinned client version and echoes the server's.
func (s *Server) apiVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(versionHeader, APIVersion)
		if v := r.Header.Get(versionHeader); v != "" && !versionRE.MatchString(v) {
			s.writeError(w, r, apierror.InvalidArgumentf("malformed %s %q", versionHeader, v))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ctxKey scopes context values to this package.
type ctxKey int

const userKey ctxKey = iota

// userCtx resolves the {user} path segment and attaches the record.
// Downstream handlers may assume it is present.
func (s *Server) userCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := mux.Vars(r)["user"]
		rec, err := s.opts.Users.Resolve(r.Context(), raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if rec == nil {
			s.writeError(w, r, apierror.NotFoundf("no such user %q", raw))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, rec)))
	})
}

// requestUser returns the record attached by userCtx.
func requestUser(r *http.Request) *users.Record {
	return r.Context().Value(userKey).(*users.Record)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		level.Error(s.logger).Log("msg", "marshaling response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		level.Error(s.logger).Log("msg", "writing response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierror.StatusOf(err)
	if status >= http.StatusInternalServerError {
		level.Error(s.logger).Log("msg", "request failed", "method", r.Method,
			"path", r.URL.Path, "err", err)
	}
	s.writeJSON(w, status, apierror.BodyOf(err))
}

// decodeBody parses a JSON request body, rejecting trailing garbage.
func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		return apierror.InvalidArgumentf("malformed request body: %s", err)
	}
	return nil
}

func jsonUnmarshal(b []byte, out interface{}) error {
	if err := json.Unmarshal(b, out); err != nil {
		return apierror.InvalidArgumentf("malformed request body: %s", err)
	}
	return nil
}

func (s *Server) logError(r *http.Request, err error) {
	level.Error(s.logger).Log("msg", "request failed", "method", r.Method,
		"path", r.URL.Path, "err", err)
}
