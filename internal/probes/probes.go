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

// Package probes implements the probe and probe-group model: validation,
// authorization, directory persistence and the agent manifest.
package probes

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/amon/internal/contacts"
	"github.com/GoogleCloudPlatform/amon/internal/directory"
	"github.com/GoogleCloudPlatform/amon/internal/probekind"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

// MaxNameLen bounds probe and probe-group names.
const MaxNameLen = 512

// Probe is one configured check. The JSON tags are the public wire
// shape; InternalView adds the fields relays and agents need.
type Probe struct {
	UUID     string          `json:"uuid"`
	User     string          `json:"user"`
	Name     string          `json:"name,omitempty"`
	Type     string          `json:"type"`
	Agent    string          `json:"agent"`
	Machine  string          `json:"machine,omitempty"`
	Group    string          `json:"group,omitempty"`
	Contacts []string        `json:"contacts,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
	Disabled bool            `json:"disabled,omitempty"`

	// runInVmHost is derived from the probe kind, never taken from
	// input. It is serialized only in the internal view.
	runInVmHost bool
}

// RunInVMHost reports whether the probe executes on the physical host of
// its machine rather than inside it.
func (p *Probe) RunInVMHost() bool { return p.runInVmHost }

// InternalView returns the serialization shape handed to relays and
// agents, which includes runInVmHost.
func (p *Probe) InternalView() interface{} {
	return struct {
		Probe
		RunInVMHost bool `json:"runInVmHost,omitempty"`
	}{Probe: *p, RunInVMHost: p.runInVmHost}
}

// DN returns the probe's directory name.
func (p *Probe) DN() string {
	return directory.ProbeDN(p.User, p.UUID)
}

// validate checks everything that needs no external lookup: field
// grammar, kind registration, config, name length, and the agent/machine
// relationship for locally-running kinds. It normalizes the probe in
// place and returns the kind.
func (p *Probe) validate(kinds *probekind.Registry) (probekind.Kind, error) {
	if p.User == "" {
		return nil, apierror.MissingParameterf("user is required")
	}
	if _, err := uuid.Parse(p.User); err != nil {
		return nil, apierror.InvalidArgumentf("user %q is not a UUID", p.User)
	}
	if p.UUID == "" {
		return nil, apierror.MissingParameterf("uuid is required")
	}
	if _, err := uuid.Parse(p.UUID); err != nil {
		return nil, apierror.InvalidArgumentf("uuid %q is not a UUID", p.UUID)
	}
	if p.Type == "" {
		return nil, apierror.MissingParameterf("type is required")
	}
	kind, ok := kinds.Lookup(p.Type)
	if !ok {
		return nil, apierror.InvalidArgumentf("unknown probe type %q", p.Type)
	}
	if len(p.Name) > MaxNameLen {
		return nil, apierror.InvalidArgumentf("name exceeds %d characters", MaxNameLen)
	}
	for _, urn := range p.Contacts {
		if _, _, err := contacts.ParseURN(urn); err != nil {
			return nil, err
		}
	}
	if p.Group != "" {
		if _, err := uuid.Parse(p.Group); err != nil {
			return nil, apierror.InvalidArgumentf("group %q is not a UUID", p.Group)
		}
	}
	if err := kind.ValidateConfig(p.Config); err != nil {
		if err == probekind.ErrConfigRequired {
			return nil, apierror.MissingParameterf("config is required for type %q", p.Type)
		}
		return nil, apierror.InvalidArgumentf("invalid config: %s", err)
	}

	p.runInVmHost = kind.RunInVMHost()
	if kind.RunLocally() {
		// Locally running probes execute where their machine runs, so
		// agent and machine coincide. Either may be inferred.
		switch {
		case p.Agent == "" && p.Machine == "":
			return nil, apierror.MissingParameterf("agent or machine is required")
		case p.Agent == "":
			p.Agent = p.Machine
		case p.Machine == "":
			p.Machine = p.Agent
		case p.Agent != p.Machine:
			return nil, apierror.InvalidArgumentf(
				"agent %q and machine %q must match for type %q", p.Agent, p.Machine, p.Type)
		}
		if _, err := uuid.Parse(p.Agent); err != nil {
			return nil, apierror.InvalidArgumentf("agent %q is not a UUID", p.Agent)
		}
	} else {
		// The agent is derived from the machine's hosting server later;
		// only the machine is taken from input.
		if p.Machine == "" {
			return nil, apierror.MissingParameterf("machine is required for type %q", p.Type)
		}
	}
	if _, err := uuid.Parse(p.Machine); err != nil {
		return nil, apierror.InvalidArgumentf("machine %q is not a UUID", p.Machine)
	}
	return kind, nil
}

// entryAttrs encodes the probe as directory attributes.
func (p *Probe) entryAttrs() map[string][]string {
	attrs := map[string][]string{
		"objectclass": {"amonprobe"},
		"amonprobe":   {p.UUID},
		"user":        {p.User},
		"type":        {p.Type},
		"agent":       {p.Agent},
		"machine":     {p.Machine},
		"disabled":    {strconv.FormatBool(p.Disabled)},
		"runinvmhost": {strconv.FormatBool(p.runInVmHost)},
	}
	if p.Name != "" {
		attrs["name"] = []string{p.Name}
	}
	if p.Group != "" {
		attrs["group"] = []string{p.Group}
	}
	if len(p.Contacts) > 0 {
		attrs["contact"] = append([]string(nil), p.Contacts...)
	}
	if len(p.Config) > 0 {
		attrs["config"] = []string{string(p.Config)}
	}
	return attrs
}

// probeFromEntry decodes a directory entry into a probe.
func probeFromEntry(e *directory.Entry) (*Probe, error) {
	p := &Probe{
		UUID:     e.First("amonprobe"),
		User:     e.First("user"),
		Name:     e.First("name"),
		Type:     e.First("type"),
		Agent:    e.First("agent"),
		Machine:  e.First("machine"),
		Group:    e.First("group"),
		Contacts: append([]string(nil), e.Attrs["contact"]...),
	}
	if v := e.First("config"); v != "" {
		p.Config = json.RawMessage(v)
	}
	var err error
	if v := e.First("disabled"); v != "" {
		if p.Disabled, err = strconv.ParseBool(v); err != nil {
			return nil, apierror.Internal(err, "corrupt probe entry %q", e.DN)
		}
	}
	if v := e.First("runinvmhost"); v != "" {
		if p.runInVmHost, err = strconv.ParseBool(v); err != nil {
			return nil, apierror.Internal(err, "corrupt probe entry %q", e.DN)
		}
	}
	if p.UUID == "" || p.User == "" || p.Type == "" {
		return nil, apierror.Internal(nil, "corrupt probe entry %q", e.DN)
	}
	return p, nil
}

// Group is a named collection of probes sharing contacts.
type Group struct {
	UUID     string   `json:"uuid"`
	User     string   `json:"user"`
	Name     string   `json:"name"`
	Contacts []string `json:"contacts,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

// DN returns the group's directory name.
func (g *Group) DN() string {
	return directory.ProbeGroupDN(g.User, g.UUID)
}

func (g *Group) validate() error {
	if g.User == "" {
		return apierror.MissingParameterf("user is required")
	}
	if _, err := uuid.Parse(g.User); err != nil {
		return apierror.InvalidArgumentf("user %q is not a UUID", g.User)
	}
	if g.UUID == "" {
		return apierror.MissingParameterf("uuid is required")
	}
	if _, err := uuid.Parse(g.UUID); err != nil {
		return apierror.InvalidArgumentf("uuid %q is not a UUID", g.UUID)
	}
	if g.Name == "" {
		return apierror.MissingParameterf("name is required")
	}
	if len(g.Name) > MaxNameLen {
		return apierror.InvalidArgumentf("name exceeds %d characters", MaxNameLen)
	}
	for _, urn := range g.Contacts {
		if _, _, err := contacts.ParseURN(urn); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) entryAttrs() map[string][]string {
	attrs := map[string][]string{
		"objectclass":    {"amonprobegroup"},
		"amonprobegroup": {g.UUID},
		"user":           {g.User},
		"name":           {g.Name},
		"disabled":       {strconv.FormatBool(g.Disabled)},
	}
	if len(g.Contacts) > 0 {
		attrs["contact"] = append([]string(nil), g.Contacts...)
	}
	return attrs
}

func groupFromEntry(e *directory.Entry) (*Group, error) {
	g := &Group{
		UUID:     e.First("amonprobegroup"),
		User:     e.First("user"),
		Name:     e.First("name"),
		Contacts: append([]string(nil), e.Attrs["contact"]...),
	}
	var err error
	if v := e.First("disabled"); v != "" {
		if g.Disabled, err = strconv.ParseBool(v); err != nil {
			return nil, apierror.Internal(err, "corrupt probe group entry %q", e.DN)
		}
	}
	if g.UUID == "" || g.User == "" {
		return nil, apierror.Internal(nil, "corrupt probe group entry %q", e.DN)
	}
	return g, nil
}
