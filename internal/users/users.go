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

// Package users resolves accounts from the directory, memoized through
// the response cache. The master never creates or mutates users.
package users

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"

	"github.com/GoogleCloudPlatform/amon/internal/cache"
	"github.com/GoogleCloudPlatform/amon/internal/directory"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

// loginRE is the login grammar: a letter followed by letters, digits,
// '_', '.' or '@'. The plus sign enforces the two-character minimum.
var loginRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.@]+$`)

// ValidLogin reports whether s is a syntactically valid login.
func ValidLogin(s string) bool {
	return loginRE.MatchString(s)
}

// Record is one user account as stored in the directory.
type Record struct {
	UUID      string `json:"uuid"`
	Login     string `json:"login"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`

	// Attrs retains the raw directory attributes for contact
	// resolution.
	Attrs map[string][]string `json:"-"`
}

// Resolver looks up accounts by UUID or login. A single cache is keyed
// both ways; successful lookups populate both keys, negative lookups only
// the key that was asked. Lookup errors are remembered as well so a dead
// directory does not get stampeded.
type Resolver struct {
	logger    log.Logger
	dir       directory.Interface
	cache     *cache.Cache[*Record]
	operators *cache.Cache[bool]
}

// NewResolver builds a resolver with its caches attached to reg.
func NewResolver(logger log.Logger, dir directory.Interface, reg *cache.Registry) *Resolver {
	return &Resolver{
		logger:    logger,
		dir:       dir,
		cache:     cache.NewIn[*Record](reg, cache.NameUserGet, 1000, 5*time.Minute),
		operators: cache.NewIn[bool](reg, cache.NameOperatorGet, 1000, 5*time.Minute),
	}
}

// Resolve looks up the account named by a UUID or login. It returns
// (nil, nil) when no such user exists and an InvalidArgument error when
// the input is neither a UUID nor a well-formed login; no directory
// lookup happens in that case.
func (r *Resolver) Resolve(ctx context.Context, loginOrUUID string) (*Record, error) {
	if _, err := uuid.Parse(loginOrUUID); err == nil {
		return r.ByUUID(ctx, loginOrUUID)
	}
	if !ValidLogin(loginOrUUID) {
		return nil, apierror.InvalidArgumentf("invalid user %q: not a UUID or login", loginOrUUID)
	}
	return r.ByLogin(ctx, loginOrUUID)
}

// ByUUID looks up an account by UUID.
func (r *Resolver) ByUUID(ctx context.Context, userUUID string) (*Record, error) {
	key := "uuid:" + userUUID
	if rec, ok, err := r.cache.Get(key); ok {
		return rec, err
	}
	entry, err := r.dir.Get(ctx, directory.UserDN(userUUID))
	if err == directory.ErrNotFound {
		r.cache.Set(key, nil)
		return nil, nil
	}
	if err != nil {
		err = fmt.Errorf("resolving user %s: %w", userUUID, err)
		r.cache.SetErr(key, err)
		return nil, err
	}
	rec := recordFromEntry(entry)
	r.remember(rec)
	return rec, nil
}

// ByLogin looks up an account by login.
func (r *Resolver) ByLogin(ctx context.Context, login string) (*Record, error) {
	key := "login:" + login
	if rec, ok, err := r.cache.Get(key); ok {
		return rec, err
	}
	filter := fmt.Sprintf("(&(objectclass=sdcperson)(login=%s))", directory.Escape(login))
	entries, err := r.dir.Search(ctx, directory.UsersBase, filter, directory.ScopeOne)
	if err != nil {
		err = fmt.Errorf("resolving login %q: %w", login, err)
		r.cache.SetErr(key, err)
		return nil, err
	}
	if len(entries) == 0 {
		r.cache.Set(key, nil)
		return nil, nil
	}
	if len(entries) > 1 {
		err := fmt.Errorf("login %q matches %d directory entries", login, len(entries))
		r.cache.SetErr(key, err)
		return nil, err
	}
	rec := recordFromEntry(entries[0])
	r.remember(rec)
	return rec, nil
}

func (r *Resolver) remember(rec *Record) {
	r.cache.Set("uuid:"+rec.UUID, rec)
	if rec.Login != "" {
		r.cache.Set("login:"+rec.Login, rec)
	}
}

// IsOperator reports whether the user is a member of the operators group.
// An absent group means no operators are configured.
func (r *Resolver) IsOperator(ctx context.Context, userUUID string) (bool, error) {
	if op, ok, err := r.operators.Get(userUUID); ok {
		return op, err
	}
	group, err := r.dir.Get(ctx, directory.OperatorsGroupDN)
	if err == directory.ErrNotFound {
		r.operators.Set(userUUID, false)
		return false, nil
	}
	if err != nil {
		err = fmt.Errorf("loading operators group: %w", err)
		r.operators.SetErr(userUUID, err)
		return false, err
	}
	dn := directory.UserDN(userUUID)
	member := false
	for _, m := range group.Attrs["uniquemember"] {
		if m == dn {
			member = true
			break
		}
	}
	r.operators.Set(userUUID, member)
	return member, nil
}

func recordFromEntry(e *directory.Entry) *Record {
	return &Record{
		UUID:      e.First("uuid"),
		Login:     e.First("login"),
		Email:     e.First("email"),
		FirstName: e.First("cn"),
		LastName:  e.First("sn"),
		Attrs:     e.Attrs,
	}
}
