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

// Package maint implements maintenance windows: creation against the
// key-value store, listing, deletion, the expiry reaper and the
// suppression predicate the event router consults.
package maint

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

// Window is one maintenance window. Exactly one of All, Probes,
// ProbeGroups and Machines is set; that is its suppression scope.
type Window struct {
	ID    int64  `json:"id"`
	User  string `json:"user"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Notes string `json:"notes,omitempty"`

	All         bool     `json:"all,omitempty"`
	Probes      []string `json:"probes,omitempty"`
	ProbeGroups []string `json:"probeGroups,omitempty"`
	Machines    []string `json:"machines,omitempty"`
}

// Key returns the window's hash key in the KV store. The same string is
// the member in the by-end index.
func (w *Window) Key() string {
	return fmt.Sprintf("maintenance:%s:%d", w.User, w.ID)
}

// Covers reports whether the window suppresses an event at time t for
// the given probe, group and machine UUIDs (any may be empty).
func (w *Window) Covers(t int64, probeUUID, groupUUID, machineUUID string) bool {
	if t <= w.Start || t >= w.End {
		return false
	}
	if w.All {
		return true
	}
	return (groupUUID != "" && contains(w.ProbeGroups, groupUUID)) ||
		(probeUUID != "" && contains(w.Probes, probeUUID)) ||
		(machineUUID != "" && contains(w.Machines, machineUUID))
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// validate checks a window both on create and when loaded from storage.
func (w *Window) validate() error {
	if w.ID <= 0 {
		return apierror.InvalidArgumentf("maintenance id %d is not positive", w.ID)
	}
	if w.User == "" {
		return apierror.MissingParameterf("user is required")
	}
	if _, err := uuid.Parse(w.User); err != nil {
		return apierror.InvalidArgumentf("user %q is not a UUID", w.User)
	}
	if w.Start <= 0 || w.End <= 0 {
		return apierror.InvalidArgumentf("start and end must be positive ms-epoch times")
	}
	if w.Start >= w.End {
		return apierror.InvalidArgumentf("start %d must precede end %d", w.Start, w.End)
	}
	scopes := 0
	if w.All {
		scopes++
	}
	if len(w.Probes) > 0 {
		scopes++
	}
	if len(w.ProbeGroups) > 0 {
		scopes++
	}
	if len(w.Machines) > 0 {
		scopes++
	}
	if scopes != 1 {
		return apierror.InvalidArgumentf(
			"exactly one of all, probes, probeGroups and machines must be set")
	}
	for _, vs := range [][]string{w.Probes, w.ProbeGroups, w.Machines} {
		for _, v := range vs {
			if _, err := uuid.Parse(v); err != nil {
				return apierror.InvalidArgumentf("scope member %q is not a UUID", v)
			}
		}
	}
	return nil
}

// CreateRequest is the wire shape of a maintenance create. Start and End
// are flexible: Start takes an ms-epoch integer or "now"; End takes an
// ms-epoch integer or a relative "<N>m"/"<N>h"/"<N>d".
type CreateRequest struct {
	Start       json.RawMessage `json:"start"`
	End         json.RawMessage `json:"end"`
	Notes       string          `json:"notes"`
	All         bool            `json:"all"`
	Probes      []string        `json:"probes"`
	ProbeGroups []string        `json:"probeGroups"`
	Machines    []string        `json:"machines"`
}

// Window resolves the request into an unpersisted window (ID unset) for
// the given user, with relative times anchored at now.
func (r *CreateRequest) Window(user string, now time.Time) (*Window, error) {
	if len(r.Start) == 0 {
		return nil, apierror.MissingParameterf("start is required")
	}
	if len(r.End) == 0 {
		return nil, apierror.MissingParameterf("end is required")
	}
	start, err := parseStart(r.Start, now)
	if err != nil {
		return nil, err
	}
	end, err := parseEnd(r.End, now)
	if err != nil {
		return nil, err
	}
	w := &Window{
		User:        user,
		Start:       start,
		End:         end,
		Notes:       r.Notes,
		All:         r.All,
		Probes:      r.Probes,
		ProbeGroups: r.ProbeGroups,
		Machines:    r.Machines,
	}
	// The ID is assigned by Create; validate with a placeholder.
	w.ID = 1
	err = w.validate()
	w.ID = 0
	return w, err
}

func parseStart(raw json.RawMessage, now time.Time) (int64, error) {
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return ms, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s != "now" {
		return 0, apierror.InvalidArgumentf(`start must be an ms-epoch integer or "now"`)
	}
	return now.UnixMilli(), nil
}

// maxRelative bounds the N in "<N>m|h|d".
const maxRelative = 1_000_000

func parseEnd(raw json.RawMessage, now time.Time) (int64, error) {
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return ms, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, apierror.InvalidArgumentf(`end must be an ms-epoch integer or "<N>m|h|d"`)
	}
	if len(s) < 2 {
		return 0, apierror.InvalidArgumentf("invalid end %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, apierror.InvalidArgumentf("invalid end %q: unit must be m, h or d", s)
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, apierror.InvalidArgumentf("invalid end %q", s)
	}
	if n < 1 || n > maxRelative {
		return 0, apierror.InvalidArgumentf("end %q out of range [1, %d]", s, maxRelative)
	}
	return now.Add(time.Duration(n) * unit).UnixMilli(), nil
}

// hashFields encodes the window for HSET. Scope lists are comma-joined;
// UUIDs contain no commas.
func (w *Window) hashFields() map[string]string {
	f := map[string]string{
		"id":    strconv.FormatInt(w.ID, 10),
		"user":  w.User,
		"start": strconv.FormatInt(w.Start, 10),
		"end":   strconv.FormatInt(w.End, 10),
	}
	if w.Notes != "" {
		f["notes"] = w.Notes
	}
	switch {
	case w.All:
		f["all"] = "true"
	case len(w.Probes) > 0:
		f["probes"] = strings.Join(w.Probes, ",")
	case len(w.ProbeGroups) > 0:
		f["probeGroups"] = strings.Join(w.ProbeGroups, ",")
	case len(w.Machines) > 0:
		f["machines"] = strings.Join(w.Machines, ",")
	}
	return f
}

// windowFromHash decodes a stored hash and validates it. The error marks
// the record bogus; callers self-heal by deleting it.
func windowFromHash(fields map[string]string) (*Window, error) {
	w := &Window{
		User:  fields["user"],
		Notes: fields["notes"],
	}
	var err error
	if w.ID, err = strconv.ParseInt(fields["id"], 10, 64); err != nil {
		return nil, apierror.InvalidArgumentf("corrupt maintenance id %q", fields["id"])
	}
	if w.Start, err = strconv.ParseInt(fields["start"], 10, 64); err != nil {
		return nil, apierror.InvalidArgumentf("corrupt maintenance start %q", fields["start"])
	}
	if w.End, err = strconv.ParseInt(fields["end"], 10, 64); err != nil {
		return nil, apierror.InvalidArgumentf("corrupt maintenance end %q", fields["end"])
	}
	w.All = fields["all"] == "true"
	if v := fields["probes"]; v != "" {
		w.Probes = strings.Split(v, ",")
	}
	if v := fields["probeGroups"]; v != "" {
		w.ProbeGroups = strings.Split(v, ",")
	}
	if v := fields["machines"]; v != "" {
		w.Machines = strings.Split(v, ",")
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}
