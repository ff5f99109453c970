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
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/GoogleCloudPlatform/amon/internal/events"
	"github.com/GoogleCloudPlatform/amon/internal/maint"
	"github.com/GoogleCloudPlatform/amon/internal/probes"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ping":    "pong",
		"pid":     os.Getpid(),
		"version": APIVersion,
	})
}

func (s *Server) handleHealthy(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.opts.ReadyChecks {
		if err := check(r.Context()); err != nil {
			s.writeError(w, r, apierror.Internal(err, "dependency %s not ready", name))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, requestUser(r))
}

func (s *Server) handleListProbes(w http.ResponseWriter, r *http.Request) {
	ps, err := s.opts.Probes.ListProbes(r.Context(), requestUser(r).UUID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGetProbe(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Probes.GetProbe(r.Context(), requestUser(r).UUID, mux.Vars(r)["uuid"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// decodeProbe parses a probe body and pins its owner to the path user.
// A body naming a different owner is rejected, never silently rewritten.
func decodeProbe(r *http.Request, owner string) (*probes.Probe, error) {
	var p probes.Probe
	if err := decodeBody(r, &p); err != nil {
		return nil, err
	}
	if p.User != "" && p.User != owner {
		return nil, apierror.InvalidArgumentf(
			"body user %q does not match path user %q", p.User, owner)
	}
	p.User = owner
	return &p, nil
}

func skipAuthz(r *http.Request) bool {
	return r.URL.Query().Get("skipauthz") == "true"
}

func (s *Server) handleCreateProbe(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	p, err := decodeProbe(r, user.UUID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.UUID != "" {
		s.writeError(w, r, apierror.InvalidArgumentf("uuid is assigned by the server on create"))
		return
	}
	p.UUID = uuid.NewString()
	if err := s.opts.Probes.PutProbe(r.Context(), user.UUID, p, skipAuthz(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePutProbe(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	p, err := decodeProbe(r, user.UUID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pathUUID := mux.Vars(r)["uuid"]
	if p.UUID != "" && p.UUID != pathUUID {
		s.writeError(w, r, apierror.InvalidArgumentf(
			"body uuid %q does not match path uuid %q", p.UUID, pathUUID))
		return
	}
	p.UUID = pathUUID
	if err := s.opts.Probes.PutProbe(r.Context(), user.UUID, p, skipAuthz(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProbe(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	if err := s.opts.Probes.DeleteProbe(r.Context(), user.UUID, user.UUID, mux.Vars(r)["uuid"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	gs, err := s.opts.Probes.ListGroups(r.Context(), requestUser(r).UUID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, gs)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.opts.Probes.GetGroup(r.Context(), requestUser(r).UUID, mux.Vars(r)["uuid"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func decodeGroup(r *http.Request, owner string) (*probes.Group, error) {
	var g probes.Group
	if err := decodeBody(r, &g); err != nil {
		return nil, err
	}
	if g.User != "" && g.User != owner {
		return nil, apierror.InvalidArgumentf(
			"body user %q does not match path user %q", g.User, owner)
	}
	g.User = owner
	return &g, nil
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	g, err := decodeGroup(r, user.UUID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if g.UUID != "" {
		s.writeError(w, r, apierror.InvalidArgumentf("uuid is assigned by the server on create"))
		return
	}
	g.UUID = uuid.NewString()
	if err := s.opts.Probes.PutGroup(r.Context(), user.UUID, g); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handlePutGroup(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	g, err := decodeGroup(r, user.UUID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pathUUID := mux.Vars(r)["uuid"]
	if g.UUID != "" && g.UUID != pathUUID {
		s.writeError(w, r, apierror.InvalidArgumentf(
			"body uuid %q does not match path uuid %q", g.UUID, pathUUID))
		return
	}
	g.UUID = pathUUID
	if err := s.opts.Probes.PutGroup(r.Context(), user.UUID, g); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	if err := s.opts.Probes.DeleteGroup(r.Context(), user.UUID, user.UUID, mux.Vars(r)["uuid"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMaintenances(w http.ResponseWriter, r *http.Request) {
	ws, err := s.opts.Maintenance.List(r.Context(), requestUser(r).UUID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleCreateMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maint.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	win, err := req.Window(requestUser(r).UUID, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	win, err = s.opts.Maintenance.Create(r.Context(), win)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, win)
}

// maintenanceID parses the {id} path segment.
func maintenanceID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apierror.InvalidArgumentf("maintenance id %q is not a positive integer", raw)
	}
	return id, nil
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := maintenanceID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	win, err := s.opts.Maintenance.Get(r.Context(), requestUser(r).UUID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, win)
}

func (s *Server) handleDeleteMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := maintenanceID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_, err = s.opts.Maintenance.Delete(r.Context(), requestUser(r).UUID, id)
	// Deleting what is already gone is idempotent.
	if err != nil && !apierror.IsGone(err) && !apierror.IsNotFound(err) {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAllMaintenances serves the operator-wide listing. The acting
// account arrives as the user query parameter; non-operators are
// rejected.
func (s *Server) handleAllMaintenances(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("user")
	if actor == "" {
		s.writeError(w, r, apierror.MissingParameterf("user query parameter is required"))
		return
	}
	rec, err := s.opts.Users.Resolve(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, r, apierror.NotFoundf("no such user %q", actor))
		return
	}
	op, err := s.opts.Users.IsOperator(r.Context(), rec.UUID)
	if err != nil {
		s.writeError(w, r, apierror.Internal(err, "checking operator status"))
		return
	}
	if !op {
		s.writeError(w, r, apierror.InvalidArgumentf("account %s is not an operator", rec.UUID))
		return
	}
	ws, err := s.opts.Maintenance.ListAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleAgentProbes(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		s.writeError(w, r, apierror.MissingParameterf("agent query parameter is required"))
		return
	}
	if _, err := uuid.Parse(agent); err != nil {
		s.writeError(w, r, apierror.InvalidArgumentf("agent %q is not a UUID", agent))
		return
	}
	m, err := s.opts.Probes.AgentProbes(r.Context(), agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(digestHeader, m.Digest.String())
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(m.Body); err != nil {
		s.logError(r, err)
	}
}

// handleEvents accepts a single event object or an array of them.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		s.writeError(w, r, apierror.Internal(err, "reading request body"))
		return
	}
	evs, err := decodeEvents(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.opts.Events.Process(r.Context(), evs); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func decodeEvents(body []byte) ([]events.Event, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, apierror.MissingParameterf("request body is required")
	}
	if trimmed[0] == '[' {
		var evs []events.Event
		if err := jsonUnmarshal(trimmed, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}
	var ev events.Event
	if err := jsonUnmarshal(trimmed, &ev); err != nil {
		return nil, err
	}
	return []events.Event{ev}, nil
}
