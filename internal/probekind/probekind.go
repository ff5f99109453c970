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

// Package probekind registers the known probe kinds and their
// capabilities. A kind validates its own configuration; the registry maps
// the wire-level type string to the kind, populated once at startup.
package probekind

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrConfigRequired reports that a kind needs a config object and none
// was supplied.
var ErrConfigRequired = errors.New("config is required for this probe type")

// Kind is one probe kind. Exactly one of RunLocally and RunInVMHost is
// true: a kind either runs where its machine runs or runs on the
// physical host observing the machine from outside.
type Kind interface {
	Name() string
	// ValidateConfig checks a probe's config object. A nil raw config
	// means the probe carried none.
	ValidateConfig(raw json.RawMessage) error
	RunLocally() bool
	RunInVMHost() bool
}

// Registry maps type strings to kinds.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry builds a registry from the given kinds.
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		r.kinds[k.Name()] = k
	}
	return r
}

// Builtin returns the registry of all built-in kinds.
func Builtin() *Registry {
	return NewRegistry(
		logScan{},
		processKind{},
		httpKind{},
		icmpKind{},
		machineUp{},
	)
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// Names returns the registered type strings, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// decodeStrict parses raw into out, rejecting unknown fields.
func decodeStrict(raw json.RawMessage, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed config: %v", err)
	}
	return nil
}

// logScan tails a file inside the machine and matches lines against a
// pattern.
type logScan struct{}

func (logScan) Name() string      { return "log-scan" }
func (logScan) RunLocally() bool  { return true }
func (logScan) RunInVMHost() bool { return false }

func (logScan) ValidateConfig(raw json.RawMessage) error {
	if len(raw) == 0 {
		return ErrConfigRequired
	}
	var cfg struct {
		Path      string `json:"path"`
		Match     string `json:"match"`
		Threshold int    `json:"threshold"`
		Period    int    `json:"period"`
	}
	if err := decodeStrict(raw, &cfg); err != nil {
		return err
	}
	if cfg.Path == "" {
		return errors.New("log-scan config requires a path")
	}
	if cfg.Match == "" {
		return errors.New("log-scan config requires a match pattern")
	}
	if cfg.Threshold < 0 {
		return fmt.Errorf("log-scan threshold must not be negative, got %d", cfg.Threshold)
	}
	if cfg.Period < 0 {
		return fmt.Errorf("log-scan period must not be negative, got %d", cfg.Period)
	}
	return nil
}

// processKind checks that a named process (or the one behind a pidfile)
// is alive inside the machine.
type processKind struct{}

func (processKind) Name() string      { return "process" }
func (processKind) RunLocally() bool  { return true }
func (processKind) RunInVMHost() bool { return false }

func (processKind) ValidateConfig(raw json.RawMessage) error {
	if len(raw) == 0 {
		return ErrConfigRequired
	}
	var cfg struct {
		Name    string `json:"name"`
		Pidfile string `json:"pidfile"`
	}
	if err := decodeStrict(raw, &cfg); err != nil {
		return err
	}
	if cfg.Name == "" && cfg.Pidfile == "" {
		return errors.New("process config requires a name or a pidfile")
	}
	if cfg.Name != "" && cfg.Pidfile != "" {
		return errors.New("process config takes a name or a pidfile, not both")
	}
	return nil
}

// httpKind polls a URL from inside the machine.
type httpKind struct{}

func (httpKind) Name() string      { return "http" }
func (httpKind) RunLocally() bool  { return true }
func (httpKind) RunInVMHost() bool { return false }

func (httpKind) ValidateConfig(raw json.RawMessage) error {
	if len(raw) == 0 {
		return ErrConfigRequired
	}
	var cfg struct {
		URL    string `json:"url"`
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	if err := decodeStrict(raw, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return errors.New("http config requires a url")
	}
	if cfg.Status != 0 && (cfg.Status < 100 || cfg.Status > 599) {
		return fmt.Errorf("http status %d out of range", cfg.Status)
	}
	return nil
}

// icmpKind pings a host from inside the machine. Without config the
// machine's default gateway is probed.
type icmpKind struct{}

func (icmpKind) Name() string      { return "icmp" }
func (icmpKind) RunLocally() bool  { return true }
func (icmpKind) RunInVMHost() bool { return false }

func (icmpKind) ValidateConfig(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var cfg struct {
		Host string `json:"host"`
	}
	return decodeStrict(raw, &cfg)
}

// machineUp watches a virtual machine's liveness from its physical host.
type machineUp struct{}

func (machineUp) Name() string      { return "machine-up" }
func (machineUp) RunLocally() bool  { return false }
func (machineUp) RunInVMHost() bool { return true }

func (machineUp) ValidateConfig(raw json.RawMessage) error {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("{}")) {
		return nil
	}
	return errors.New("machine-up does not take config")
}
