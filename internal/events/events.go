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

// Package events routes probe events from relays to notifications:
// resolve the probe and its group, test the owner's maintenance windows,
// and fan out to the contacts' notification plugins.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/amon/internal/contacts"
	"github.com/GoogleCloudPlatform/amon/internal/maint"
	"github.com/GoogleCloudPlatform/amon/internal/notify"
	"github.com/GoogleCloudPlatform/amon/internal/probes"
	"github.com/GoogleCloudPlatform/amon/internal/users"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

// Event is one probe state transition as emitted by an agent.
type Event struct {
	UUID      string          `json:"uuid"`
	Version   int             `json:"version"`
	User      string          `json:"user"`
	Time      int64           `json:"time"`
	Machine   string          `json:"machine,omitempty"`
	ProbeUUID string          `json:"probeUuid,omitempty"`
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Status    string          `json:"status"`
}

// SchemaVersion is the only event version relays may send.
const SchemaVersion = 1

var validStatus = map[string]bool{"ok": true, "warning": true, "error": true}

// Validate enforces the event schema strictly.
func (e *Event) Validate() error {
	if e.UUID == "" {
		return apierror.MissingParameterf("event uuid is required")
	}
	if _, err := uuid.Parse(e.UUID); err != nil {
		return apierror.InvalidArgumentf("event uuid %q is not a UUID", e.UUID)
	}
	if e.Version != SchemaVersion {
		return apierror.InvalidArgumentf("unsupported event version %d", e.Version)
	}
	if e.User == "" {
		return apierror.MissingParameterf("event user is required")
	}
	if _, err := uuid.Parse(e.User); err != nil {
		return apierror.InvalidArgumentf("event user %q is not a UUID", e.User)
	}
	if e.Time <= 0 {
		return apierror.InvalidArgumentf("event time must be a positive ms-epoch timestamp")
	}
	if e.Type != "probe" {
		return apierror.InvalidArgumentf("unknown event type %q", e.Type)
	}
	if e.ProbeUUID == "" {
		return apierror.MissingParameterf("probeUuid is required for probe events")
	}
	if _, err := uuid.Parse(e.ProbeUUID); err != nil {
		return apierror.InvalidArgumentf("probeUuid %q is not a UUID", e.ProbeUUID)
	}
	if e.Machine != "" {
		if _, err := uuid.Parse(e.Machine); err != nil {
			return apierror.InvalidArgumentf("machine %q is not a UUID", e.Machine)
		}
	}
	if !validStatus[e.Status] {
		return apierror.InvalidArgumentf("unknown event status %q", e.Status)
	}
	return nil
}

// ProbeSource loads probes and probe groups.
type ProbeSource interface {
	GetProbe(ctx context.Context, userUUID, probeUUID string) (*probes.Probe, error)
	GetGroup(ctx context.Context, userUUID, groupUUID string) (*probes.Group, error)
}

// MaintenanceChecker answers whether an event falls into a window.
type MaintenanceChecker interface {
	Match(ctx context.Context, user string, t int64, probeUUID, groupUUID, machineUUID string) (*maint.Window, error)
}

// UserSource resolves the probe owner's record for contact resolution.
type UserSource interface {
	ByUUID(ctx context.Context, userUUID string) (*users.Record, error)
}

// Notifier delivers through a named plugin.
type Notifier interface {
	Notify(ctx context.Context, plugin, probeName, address, message string) error
}

type metrics struct {
	processed  prometheus.Counter
	suppressed prometheus.Counter
	failed     prometheus.Counter
}

// Router processes incoming events.
type Router struct {
	logger  log.Logger
	probes  ProbeSource
	users   UserSource
	maint   MaintenanceChecker
	notif   Notifier
	plugins contacts.PluginDirectory
	alarms  notify.ConfigAlarmSink
	metrics metrics
}

// NewRouter wires the router. The notify registry serves as both the
// Notifier and the plugin directory in production.
func NewRouter(logger log.Logger, ps ProbeSource, us UserSource, mc MaintenanceChecker,
	n Notifier, pd contacts.PluginDirectory, alarms notify.ConfigAlarmSink,
	reg prometheus.Registerer) *Router {
	r := &Router{
		logger:  logger,
		probes:  ps,
		users:   us,
		maint:   mc,
		notif:   n,
		plugins: pd,
		alarms:  alarms,
		metrics: metrics{
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "amon_events_processed_total",
				Help: "Events accepted and routed.",
			}),
			suppressed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "amon_events_suppressed_total",
				Help: "Events suppressed by a maintenance window.",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "amon_events_failed_total",
				Help: "Events that failed processing.",
			}),
		},
	}
	if reg != nil {
		reg.MustRegister(r.metrics.processed, r.metrics.suppressed, r.metrics.failed)
	}
	return r
}

// Process routes a batch of events. Each event is handled independently;
// per-event failures are collected and do not abort siblings. The result
// is nil when every event succeeded, the sole error when exactly one
// failed, and a MultiError otherwise.
func (r *Router) Process(ctx context.Context, evs []Event) error {
	var merr apierror.MultiError
	for i := range evs {
		if err := r.processOne(ctx, &evs[i]); err != nil {
			r.metrics.failed.Inc()
			merr.Append(err)
			continue
		}
		r.metrics.processed.Inc()
	}
	return merr.Err()
}

func (r *Router) processOne(ctx context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	probe, err := r.probes.GetProbe(ctx, ev.User, ev.ProbeUUID)
	if err != nil {
		return err
	}
	var group *probes.Group
	if probe.Group != "" {
		if group, err = r.probes.GetGroup(ctx, ev.User, probe.Group); err != nil {
			return err
		}
	}

	groupUUID := ""
	if group != nil {
		groupUUID = group.UUID
	}
	w, err := r.maint.Match(ctx, ev.User, ev.Time, ev.ProbeUUID, groupUUID, ev.Machine)
	if err != nil {
		return err
	}
	if w != nil {
		r.metrics.suppressed.Inc()
		level.Info(r.logger).Log("msg", "event suppressed by maintenance window",
			"event", ev.UUID, "user", ev.User, "maintenance", w.ID)
		return nil
	}

	// From here on nothing fails the event: contact problems raise
	// config alarms and delivery failures are logged and absorbed.
	r.fanOut(ctx, ev, probe, group)
	return nil
}

// fanOut delivers the event to the union of the probe's and its group's
// contacts, de-duplicated by URN.
func (r *Router) fanOut(ctx context.Context, ev *Event, probe *probes.Probe, group *probes.Group) {
	urns := probe.Contacts
	if group != nil {
		urns = append(append([]string(nil), urns...), group.Contacts...)
	}
	owner, err := r.users.ByUUID(ctx, ev.User)
	if err != nil || owner == nil {
		level.Error(r.logger).Log("msg", "resolving event owner for contacts",
			"event", ev.UUID, "user", ev.User, "err", err)
		return
	}
	message := renderMessage(ev, probe)
	seen := map[string]bool{}
	for _, urn := range urns {
		if seen[urn] {
			continue
		}
		seen[urn] = true
		c, err := contacts.Resolve(owner, urn, r.plugins)
		if err != nil {
			r.alarms.RaiseConfigAlarm(ctx, notify.ConfigAlarm{
				User: ev.User, ProbeUUID: probe.UUID, URN: urn, Reason: err.Error(),
			})
			continue
		}
		if c.Address == "" {
			r.alarms.RaiseConfigAlarm(ctx, notify.ConfigAlarm{
				User: ev.User, ProbeUUID: probe.UUID, URN: urn,
				Reason: fmt.Sprintf("user record has no %q attribute", urn),
			})
			continue
		}
		if err := r.notif.Notify(ctx, c.Plugin, probeDisplayName(probe), c.Address, message); err != nil {
			level.Warn(r.logger).Log("msg", "notification failed",
				"event", ev.UUID, "plugin", c.Plugin, "contact", urn, "err", err)
		}
	}
}

func probeDisplayName(p *probes.Probe) string {
	if p.Name != "" {
		return p.Name
	}
	return p.UUID
}

func renderMessage(ev *Event, p *probes.Probe) string {
	msg := fmt.Sprintf("probe %s (%s) reported status %q",
		probeDisplayName(p), p.Type, ev.Status)
	if ev.Machine != "" {
		msg += " on machine " + ev.Machine
	}
	return msg
}
