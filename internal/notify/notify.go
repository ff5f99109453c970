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

// Package notify holds the notification plugins and their registry. The
// registry is populated once at startup from configuration and is
// read-only afterwards; every plugin is long-lived and safe for
// concurrent use.
package notify

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/GoogleCloudPlatform/amon/internal/config"
)

// Plugin delivers notifications over one transport. AcceptsMedium maps a
// contact attribute name to this plugin; the first accepting plugin in
// registration order handles the contact.
type Plugin interface {
	Name() string
	AcceptsMedium(attrName string) bool
	Notify(ctx context.Context, probeName, address, message string) error
}

// Registry is the process-wide plugin set.
type Registry struct {
	logger  log.Logger
	plugins []Plugin
	byName  map[string]Plugin

	sent   *prometheus.CounterVec
	failed *prometheus.CounterVec
}

// NewRegistry instantiates the configured plugins in order. Unknown
// plugin types fail startup. Each plugin is wrapped in a circuit breaker
// so a dead transport sheds load quickly instead of timing out every
// notification.
func NewRegistry(logger log.Logger, cfgs []config.PluginConfig, reg prometheus.Registerer) (*Registry, error) {
	r := &Registry{
		logger: logger,
		byName: map[string]Plugin{},
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_notifications_sent_total",
			Help: "Notifications delivered, by plugin.",
		}, []string{"plugin"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_notifications_failed_total",
			Help: "Notification delivery failures, by plugin.",
		}, []string{"plugin"}),
	}
	if reg != nil {
		reg.MustRegister(r.sent, r.failed)
	}
	for _, cfg := range cfgs {
		p, err := newPlugin(cfg)
		if err != nil {
			return nil, err
		}
		r.add(withBreaker(p))
	}
	return r, nil
}

func newPlugin(cfg config.PluginConfig) (Plugin, error) {
	switch cfg.Type {
	case "email":
		return newEmail(cfg)
	case "sms":
		return newSMS(cfg)
	case "webhook":
		return newWebhook(cfg)
	case "slack":
		return newSlack(cfg)
	default:
		return nil, fmt.Errorf("notification %q: unknown plugin type %q", cfg.Name, cfg.Type)
	}
}

func (r *Registry) add(p Plugin) {
	r.plugins = append(r.plugins, p)
	r.byName[p.Name()] = p
}

// AcceptingPlugin returns the name of the first plugin accepting the
// attribute name, in registration order.
func (r *Registry) AcceptingPlugin(attrName string) (string, bool) {
	for _, p := range r.plugins {
		if p.AcceptsMedium(attrName) {
			return p.Name(), true
		}
	}
	return "", false
}

// Notify delivers one message through the named plugin. Failures are
// counted and returned; the caller decides whether they are fatal.
func (r *Registry) Notify(ctx context.Context, plugin, probeName, address, message string) error {
	p, ok := r.byName[plugin]
	if !ok {
		return fmt.Errorf("no notification plugin named %q", plugin)
	}
	if err := p.Notify(ctx, probeName, address, message); err != nil {
		r.failed.WithLabelValues(plugin).Inc()
		return err
	}
	r.sent.WithLabelValues(plugin).Inc()
	return nil
}

// Names returns the registered plugin names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

// breakerPlugin trips open after repeated delivery failures so that a
// dead gateway fails fast instead of holding event routing on timeouts.
type breakerPlugin struct {
	Plugin
	cb *gobreaker.CircuitBreaker
}

func withBreaker(p Plugin) Plugin {
	return &breakerPlugin{
		Plugin: p,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "notify-" + p.Name(),
		}),
	}
}

func (b *breakerPlugin) Notify(ctx context.Context, probeName, address, message string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Plugin.Notify(ctx, probeName, address, message)
	})
	return err
}

// ConfigAlarm reports a contact that cannot be delivered to: the owner's
// record lacks the attribute the contact URN names.
type ConfigAlarm struct {
	User      string
	ProbeUUID string
	URN       string
	Reason    string
}

// ConfigAlarmSink receives config alarms raised during event routing.
type ConfigAlarmSink interface {
	RaiseConfigAlarm(ctx context.Context, a ConfigAlarm)
}

// LogAlarmSink logs config alarms and counts them. Fanning config alarms
// back out as notifications is future work.
type LogAlarmSink struct {
	logger log.Logger
	raised prometheus.Counter
}

// NewLogAlarmSink builds the default sink.
func NewLogAlarmSink(logger log.Logger, reg prometheus.Registerer) *LogAlarmSink {
	s := &LogAlarmSink{
		logger: logger,
		raised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_config_alarms_total",
			Help: "Config alarms raised during event routing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.raised)
	}
	return s
}

func (s *LogAlarmSink) RaiseConfigAlarm(_ context.Context, a ConfigAlarm) {
	s.raised.Inc()
	level.Warn(s.logger).Log("msg", "config alarm", "user", a.User,
		"probe", a.ProbeUUID, "contact", a.URN, "reason", a.Reason)
}
