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

	"github.com/GoogleCloudPlatform/amon/internal/machines"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

// OperatorChecker answers whether an account is an operator.
type OperatorChecker interface {
	IsOperator(ctx context.Context, userUUID string) (bool, error)
}

// WriteRequest carries one authorization decision's inputs.
type WriteRequest struct {
	// Actor is the account performing the write.
	Actor string
	// SkipAuthz requests the bootstrap escape hatch. It is honored only
	// when the actor is the configured admin account.
	SkipAuthz bool
	// VM is the machine's VM metadata when the machine names a VM, nil
	// otherwise. Callers that already looked the VM up pass it here to
	// avoid a second fetch.
	VM *machines.VM
}

// authorizeWrite walks the write decision tree over a validated probe;
// the first matching rule decides. Lookup failures that are not clean
// not-founds surface as internal errors, never as denials.
func (s *Store) authorizeWrite(ctx context.Context, p *Probe, req WriteRequest) error {
	// Rule 1: bootstrap escape hatch, admin account only.
	if req.SkipAuthz && s.adminUUID != "" && req.Actor == s.adminUUID {
		return nil
	}

	// Rule 2: probes whose agent is a physical server are operator
	// territory. Probes without an agent yet (runInVmHost, derived
	// after authorization) fall through to the VM rules.
	var onServer bool
	if p.Agent != "" {
		var err error
		if onServer, err = s.servers.ServerExists(ctx, p.Agent); err != nil {
			return apierror.Internal(err, "checking server inventory")
		}
	}
	if onServer {
		op, err := s.operators.IsOperator(ctx, req.Actor)
		if err != nil {
			return apierror.Internal(err, "checking operator status")
		}
		if op {
			return nil
		}
		return apierror.InvalidArgumentf(
			"agent %s is a physical server: operator access required", p.Agent)
	}

	vm := req.VM
	if vm == nil {
		var err error
		if vm, err = s.vms.GetVM(ctx, p.Machine); err != nil {
			return apierror.Internal(err, "checking vm metadata")
		}
	}

	// Rule 3: the actor's own VM.
	if vm != nil && vm.OwnerUUID == req.Actor {
		return nil
	}

	// Rule 4: operators may watch any existing VM from its host.
	if p.RunInVMHost() && vm != nil {
		op, err := s.operators.IsOperator(ctx, req.Actor)
		if err != nil {
			return apierror.Internal(err, "checking operator status")
		}
		if op {
			return nil
		}
	}

	// Rule 5: nothing matched.
	return apierror.InvalidArgumentf(
		"machine %s does not exist or is not owned by %s", p.Machine, req.Actor)
}

// authorizeOwnership permits the owner and operators. Probe deletes and
// all probe-group writes use this rule.
func (s *Store) authorizeOwnership(ctx context.Context, actor, owner string) error {
	if actor == owner {
		return nil
	}
	op, err := s.operators.IsOperator(ctx, actor)
	if err != nil {
		return apierror.Internal(err, "checking operator status")
	}
	if op {
		return nil
	}
	return apierror.InvalidArgumentf("account %s may not manage resources of %s", actor, owner)
}
