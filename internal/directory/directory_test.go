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

package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNBuilders(t *testing.T) {
	t.Parallel()

	const (
		user  = "a3040770-c93b-40ee-a2ea-940292b9d15d"
		probe = "47bd4909-431f-4dd4-86ab-a951e0f05a20"
	)
	assert.Equal(t, "uuid="+user+",ou=users,o=smartdc", UserDN(user))
	assert.Equal(t, "amonprobe="+probe+",uuid="+user+",ou=users,o=smartdc", ProbeDN(user, probe))
	assert.Equal(t, "amonprobegroup="+probe+",uuid="+user+",ou=users,o=smartdc", ProbeGroupDN(user, probe))

	assert.Equal(t, UserDN(user), parentDN(ProbeDN(user, probe)))
	assert.Equal(t, "", parentDN("o=smartdc"))
}

func TestFakeCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewFake()

	dn := ProbeDN("u1", "p1")
	_, err := f.Get(ctx, dn)
	require.Equal(t, ErrNotFound, err)

	require.NoError(t, f.Put(ctx, dn, map[string][]string{
		"objectclass": {"amonprobe"},
		"name":        {"whistle"},
	}))

	e, err := f.Get(ctx, dn)
	require.NoError(t, err)
	assert.Equal(t, "whistle", e.First("name"))
	assert.Equal(t, "", e.First("absent"))

	// Replacing drops attributes absent from the new set.
	require.NoError(t, f.Put(ctx, dn, map[string][]string{
		"objectclass": {"amonprobe"},
		"type":        {"log-scan"},
	}))
	e, err = f.Get(ctx, dn)
	require.NoError(t, err)
	assert.Equal(t, "", e.First("name"))
	assert.Equal(t, "log-scan", e.First("type"))

	require.NoError(t, f.Del(ctx, dn))
	require.NoError(t, f.Del(ctx, dn), "deleting an absent entry succeeds")
	_, err = f.Get(ctx, dn)
	assert.Equal(t, ErrNotFound, err)
}

func TestFakeSearch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.Put(ctx, UserDN("u1"), map[string][]string{
		"objectclass": {"sdcperson"},
		"login":       {"bob"},
	}))
	require.NoError(t, f.Put(ctx, ProbeDN("u1", "p1"), map[string][]string{
		"objectclass": {"amonprobe"},
		"agent":       {"m1"},
	}))
	require.NoError(t, f.Put(ctx, ProbeDN("u1", "p2"), map[string][]string{
		"objectclass": {"amonprobe"},
		"agent":       {"m2"},
	}))
	require.NoError(t, f.Put(ctx, ProbeDN("u2", "p3"), map[string][]string{
		"objectclass": {"amonprobe"},
		"agent":       {"m1"},
	}))

	// Single-level scope sees only direct children.
	es, err := f.Search(ctx, UserDN("u1"), "(objectclass=amonprobe)", ScopeOne)
	require.NoError(t, err)
	assert.Len(t, es, 2)

	// Subtree scope with a conjunction crosses users.
	es, err = f.Search(ctx, UsersBase, "(&(objectclass=amonprobe)(agent=m1))", ScopeSub)
	require.NoError(t, err)
	require.Len(t, es, 2)
	assert.Equal(t, "m1", es[0].First("agent"))

	// Login lookup.
	es, err = f.Search(ctx, UsersBase, "(&(objectclass=sdcperson)(login=bob))", ScopeOne)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, UserDN("u1"), es[0].DN)

	es, err = f.Search(ctx, UsersBase, "(login=nobody)", ScopeSub)
	require.NoError(t, err)
	assert.Empty(t, es)
}

func TestFakePresenceFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.Put(ctx, ProbeDN("u1", "p1"), map[string][]string{
		"objectclass": {"amonprobe"},
		"group":       {"g1"},
	}))
	require.NoError(t, f.Put(ctx, ProbeDN("u1", "p2"), map[string][]string{
		"objectclass": {"amonprobe"},
	}))

	es, err := f.Search(ctx, UserDN("u1"), "(group=*)", ScopeOne)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, ProbeDN("u1", "p1"), es[0].DN)
}

func TestEscape(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `bob\2a`, Escape("bob*"))
}
