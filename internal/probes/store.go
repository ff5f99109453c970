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
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/opencontainers/go-digest"

	"github.com/GoogleCloudPlatform/amon/internal/cache"
	"github.com/GoogleCloudPlatform/amon/internal/directory"
	"github.com/GoogleCloudPlatform/amon/internal/machines"
	"github.com/GoogleCloudPlatform/amon/internal/probekind"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

// Store is the probe and probe-group model. It persists to the
// directory, answers reads through the response caches and enforces the
// write authorization rules.
type Store struct {
	logger    log.Logger
	dir       directory.Interface
	kinds     *probekind.Registry
	vms       machines.VMLookup
	servers   machines.ServerLookup
	operators OperatorChecker
	adminUUID string

	registry    *cache.Registry
	probeList   *cache.Cache[[]*Probe]
	probeGet    *cache.Cache[*Probe]
	groupList   *cache.Cache[[]*Group]
	groupGet    *cache.Cache[*Group]
	agentProbes *cache.Cache[*Manifest]
}

// StoreOptions bundles the store's collaborators.
type StoreOptions struct {
	Directory directory.Interface
	Kinds     *probekind.Registry
	VMs       machines.VMLookup
	Servers   machines.ServerLookup
	Operators OperatorChecker
	// AdminUUID is the only account for which skip-authz is honored.
	// Empty disables the escape hatch.
	AdminUUID string
}

// NewStore builds the model with its caches attached to reg.
func NewStore(logger log.Logger, opts StoreOptions, reg *cache.Registry) *Store {
	return &Store{
		logger:      logger,
		dir:         opts.Directory,
		kinds:       opts.Kinds,
		vms:         opts.VMs,
		servers:     opts.Servers,
		operators:   opts.Operators,
		adminUUID:   opts.AdminUUID,
		registry:    reg,
		probeList:   cache.NewIn[[]*Probe](reg, cache.NameProbeList, 1000, 5*time.Minute),
		probeGet:    cache.NewIn[*Probe](reg, cache.NameProbeGet, 1000, 5*time.Minute),
		groupList:   cache.NewIn[[]*Group](reg, cache.NameProbeGroupList, 1000, 5*time.Minute),
		groupGet:    cache.NewIn[*Group](reg, cache.NameProbeGroupGet, 1000, 5*time.Minute),
		agentProbes: cache.NewIn[*Manifest](reg, cache.NameAgentProbes, 0, 5*time.Minute),
	}
}

// ListProbes returns all probes owned by the user, sorted by UUID.
func (s *Store) ListProbes(ctx context.Context, userUUID string) ([]*Probe, error) {
	if ps, ok, err := s.probeList.Get(userUUID); ok {
		return ps, err
	}
	ps, err := s.searchProbes(ctx, directory.UserDN(userUUID), directory.ScopeOne,
		"(objectclass=amonprobe)")
	if err != nil {
		s.probeList.SetErr(userUUID, err)
		return nil, err
	}
	s.probeList.Set(userUUID, ps)
	return ps, nil
}

func (s *Store) searchProbes(ctx context.Context, base string, scope directory.Scope, filter string) ([]*Probe, error) {
	entries, err := s.dir.Search(ctx, base, filter, scope)
	if err == directory.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.Internal(err, "searching probes")
	}
	ps := make([]*Probe, 0, len(entries))
	for _, e := range entries {
		p, err := probeFromEntry(e)
		if err != nil {
			// A corrupt entry must not hide the rest of the list.
			level.Warn(s.logger).Log("msg", "dropping corrupt probe entry", "dn", e.DN, "err", err)
			continue
		}
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].UUID < ps[j].UUID })
	return ps, nil
}

// GetProbe returns one probe or a ResourceNotFound error.
func (s *Store) GetProbe(ctx context.Context, userUUID, probeUUID string) (*Probe, error) {
	dn := directory.ProbeDN(userUUID, probeUUID)
	if p, ok, err := s.probeGet.Get(dn); ok {
		return p, err
	}
	entry, err := s.dir.Get(ctx, dn)
	if err == directory.ErrNotFound {
		nf := apierror.NotFoundf("probe %s not found", probeUUID)
		s.probeGet.SetErr(dn, nf)
		return nil, nf
	}
	if err != nil {
		err = apierror.Internal(err, "loading probe %s", probeUUID)
		s.probeGet.SetErr(dn, err)
		return nil, err
	}
	p, err := probeFromEntry(entry)
	if err != nil {
		return nil, err
	}
	s.probeGet.Set(dn, p)
	return p, nil
}

// PutProbe validates, authorizes and persists a probe, creating or fully
// replacing it. The actor is the account performing the write; skipAuthz
// requests the bootstrap escape hatch.
func (s *Store) PutProbe(ctx context.Context, actor string, p *Probe, skipAuthz bool) error {
	kind, err := p.validate(s.kinds)
	if err != nil {
		return err
	}

	var vm *machines.VM
	if kind.RunInVMHost() {
		if vm, err = s.vms.GetVM(ctx, p.Machine); err != nil {
			return apierror.Internal(err, "checking vm metadata")
		}
		if vm == nil {
			return apierror.InvalidArgumentf(
				"machine %s does not exist or is not owned by %s", p.Machine, actor)
		}
	}

	if p.Group != "" {
		g, err := s.GetGroup(ctx, p.User, p.Group)
		if err != nil {
			if apierror.IsNotFound(err) {
				return apierror.InvalidArgumentf("probe group %s does not exist", p.Group)
			}
			return err
		}
		if g.User != p.User {
			return apierror.InvalidArgumentf("probe group %s is not owned by %s", p.Group, p.User)
		}
	}

	// Authorization sees the agent as the client supplied it; for
	// runInVmHost kinds it is derived from the VM only afterwards, so
	// the physical-server rule does not swallow the own-VM rule.
	if err := s.authorizeWrite(ctx, p, WriteRequest{Actor: actor, SkipAuthz: skipAuthz, VM: vm}); err != nil {
		return err
	}
	if kind.RunInVMHost() {
		p.Agent = vm.ServerUUID
	}

	// When a PUT moves the probe across agents, the previous agent's
	// cached manifest is stale too.
	prevAgent := ""
	if prev, err := s.GetProbe(ctx, p.User, p.UUID); err == nil {
		prevAgent = prev.Agent
	} else if !apierror.IsNotFound(err) {
		return err
	}

	if err := s.dir.Put(ctx, p.DN(), p.entryAttrs()); err != nil {
		return apierror.Internal(err, "writing probe %s", p.UUID)
	}
	s.registry.InvalidateEntity(cache.KindProbe, p.DN())
	s.registry.InvalidateAgentProbes(p.Agent)
	if prevAgent != "" && prevAgent != p.Agent {
		s.registry.InvalidateAgentProbes(prevAgent)
	}
	return nil
}

// DeleteProbe removes a probe. Deleting an absent probe succeeds; the
// actor must be the owner or an operator.
func (s *Store) DeleteProbe(ctx context.Context, actor, userUUID, probeUUID string) error {
	p, err := s.GetProbe(ctx, userUUID, probeUUID)
	if apierror.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.authorizeOwnership(ctx, actor, p.User); err != nil {
		return err
	}
	if err := s.dir.Del(ctx, p.DN()); err != nil {
		return apierror.Internal(err, "deleting probe %s", probeUUID)
	}
	s.registry.InvalidateEntity(cache.KindProbe, p.DN())
	s.registry.InvalidateAgentProbes(p.Agent)
	return nil
}

// ListGroups returns all probe groups owned by the user, sorted by UUID.
func (s *Store) ListGroups(ctx context.Context, userUUID string) ([]*Group, error) {
	if gs, ok, err := s.groupList.Get(userUUID); ok {
		return gs, err
	}
	entries, err := s.dir.Search(ctx, directory.UserDN(userUUID),
		"(objectclass=amonprobegroup)", directory.ScopeOne)
	if err != nil && err != directory.ErrNotFound {
		err = apierror.Internal(err, "searching probe groups")
		s.groupList.SetErr(userUUID, err)
		return nil, err
	}
	gs := make([]*Group, 0, len(entries))
	for _, e := range entries {
		g, err := groupFromEntry(e)
		if err != nil {
			level.Warn(s.logger).Log("msg", "dropping corrupt probe group entry", "dn", e.DN, "err", err)
			continue
		}
		gs = append(gs, g)
	}
	sort.Slice(gs, func(i, j int) bool { return gs[i].UUID < gs[j].UUID })
	s.groupList.Set(userUUID, gs)
	return gs, nil
}

// GetGroup returns one probe group or a ResourceNotFound error.
func (s *Store) GetGroup(ctx context.Context, userUUID, groupUUID string) (*Group, error) {
	dn := directory.ProbeGroupDN(userUUID, groupUUID)
	if g, ok, err := s.groupGet.Get(dn); ok {
		return g, err
	}
	entry, err := s.dir.Get(ctx, dn)
	if err == directory.ErrNotFound {
		nf := apierror.NotFoundf("probe group %s not found", groupUUID)
		s.groupGet.SetErr(dn, nf)
		return nil, nf
	}
	if err != nil {
		err = apierror.Internal(err, "loading probe group %s", groupUUID)
		s.groupGet.SetErr(dn, err)
		return nil, err
	}
	g, err := groupFromEntry(entry)
	if err != nil {
		return nil, err
	}
	s.groupGet.Set(dn, g)
	return g, nil
}

// PutGroup validates and persists a probe group. The actor must be the
// owner or an operator.
func (s *Store) PutGroup(ctx context.Context, actor string, g *Group) error {
	if err := g.validate(); err != nil {
		return err
	}
	if err := s.authorizeOwnership(ctx, actor, g.User); err != nil {
		return err
	}
	if err := s.dir.Put(ctx, g.DN(), g.entryAttrs()); err != nil {
		return apierror.Internal(err, "writing probe group %s", g.UUID)
	}
	s.registry.InvalidateEntity(cache.KindProbeGroup, g.DN())
	return nil
}

// DeleteGroup removes a probe group. Deleting an absent group succeeds.
func (s *Store) DeleteGroup(ctx context.Context, actor, userUUID, groupUUID string) error {
	g, err := s.GetGroup(ctx, userUUID, groupUUID)
	if apierror.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.authorizeOwnership(ctx, actor, g.User); err != nil {
		return err
	}
	if err := s.dir.Del(ctx, g.DN()); err != nil {
		return apierror.Internal(err, "deleting probe group %s", groupUUID)
	}
	s.registry.InvalidateEntity(cache.KindProbeGroup, g.DN())
	return nil
}

// Manifest is the serialized probe set of one agent plus its content
// digest. Relays poll the digest with HEAD and fetch the body when it
// changes.
type Manifest struct {
	Body   []byte
	Digest digest.Digest
}

// AgentProbes returns the manifest for one agent: every probe across all
// users whose agent matches, serialized in the internal shape. The
// result is cached per agent and invalidated by probe writes.
func (s *Store) AgentProbes(ctx context.Context, agentUUID string) (*Manifest, error) {
	if m, ok, err := s.agentProbes.Get(agentUUID); ok {
		return m, err
	}
	filter := fmt.Sprintf("(&(objectclass=amonprobe)(agent=%s))", directory.Escape(agentUUID))
	ps, err := s.searchProbes(ctx, directory.UsersBase, directory.ScopeSub, filter)
	if err != nil {
		s.agentProbes.SetErr(agentUUID, err)
		return nil, err
	}
	views := make([]interface{}, 0, len(ps))
	for _, p := range ps {
		views = append(views, p.InternalView())
	}
	body, err := json.Marshal(views)
	if err != nil {
		return nil, apierror.Internal(err, "serializing agent probes")
	}
	m := &Manifest{Body: body, Digest: digest.FromBytes(body)}
	s.agentProbes.Set(agentUUID, m)
	return m, nil
}
