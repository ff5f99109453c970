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

// Package directory adapts the external LDAP user directory. It exposes
// the four operations the master needs (get, search, put, del) plus the
// DN grammar for users, probes and probe groups.
package directory

import (
	"context"
	"fmt"
	"strings"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// ErrNotFound reports that the addressed entry does not exist.
var ErrNotFound = errors.New("directory: entry not found")

// Scope selects how deep a search descends below its base.
type Scope int

const (
	ScopeBase Scope = iota
	ScopeOne
	ScopeSub
)

// Entry is a directory entry: its DN and multi-valued attributes.
type Entry struct {
	DN    string
	Attrs map[string][]string
}

// First returns the first value of the named attribute, or "".
func (e *Entry) First(attr string) string {
	if vs := e.Attrs[attr]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Interface is the directory adapter. Implementations must be safe for
// concurrent use.
type Interface interface {
	// Get returns the entry at dn, or ErrNotFound.
	Get(ctx context.Context, dn string) (*Entry, error)
	// Search returns all entries under base matching filter at the
	// given scope. The result is fully collected before returning.
	Search(ctx context.Context, base, filter string, scope Scope) ([]*Entry, error)
	// Put writes attrs at dn, creating or fully replacing the entry.
	Put(ctx context.Context, dn string, attrs map[string][]string) error
	// Del removes the entry at dn. Deleting an absent entry succeeds.
	Del(ctx context.Context, dn string) error
}

const (
	// UsersBase roots all user records and their probes.
	UsersBase = "ou=users,o=smartdc"
	// OperatorsGroupDN holds the operator accounts as uniquemember
	// values.
	OperatorsGroupDN = "cn=operators,ou=groups,o=smartdc"
)

// UserDN returns the DN of a user record.
func UserDN(userUUID string) string {
	return fmt.Sprintf("uuid=%s,%s", userUUID, UsersBase)
}

// ProbeDN returns the DN of a probe owned by the given user.
func ProbeDN(userUUID, probeUUID string) string {
	return fmt.Sprintf("amonprobe=%s,%s", probeUUID, UserDN(userUUID))
}

// ProbeGroupDN returns the DN of a probe group owned by the given user.
func ProbeGroupDN(userUUID, groupUUID string) string {
	return fmt.Sprintf("amonprobegroup=%s,%s", groupUUID, UserDN(userUUID))
}

// Escape escapes s for embedding in a search filter.
func Escape(s string) string {
	return ldap.EscapeFilter(s)
}

// parentDN returns the DN one level above dn, or "" at the root.
func parentDN(dn string) string {
	if i := strings.Index(dn, ","); i >= 0 {
		return dn[i+1:]
	}
	return ""
}
