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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory directory for tests. It evaluates the filter
// subset the master actually issues: equality matches and conjunctions.
type Fake struct {
	mtx     sync.Mutex
	entries map[string]map[string][]string

	// Err, when set, is returned by every operation.
	Err error
	// PutCalls and GetCalls count operations for memoization tests.
	PutCalls int
	GetCalls int
}

// NewFake returns an empty fake directory.
func NewFake() *Fake {
	return &Fake{entries: map[string]map[string][]string{}}
}

func copyAttrs(attrs map[string][]string) map[string][]string {
	cp := make(map[string][]string, len(attrs))
	for k, vs := range attrs {
		cp[k] = append([]string(nil), vs...)
	}
	return cp
}

func (f *Fake) Get(_ context.Context, dn string) (*Entry, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.GetCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	attrs, ok := f.entries[dn]
	if !ok {
		return nil, ErrNotFound
	}
	return &Entry{DN: dn, Attrs: copyAttrs(attrs)}, nil
}

func (f *Fake) Search(_ context.Context, base, filter string, scope Scope) ([]*Entry, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	m, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for dn, attrs := range f.entries {
		if !inScope(dn, base, scope) || !m.matches(attrs) {
			continue
		}
		out = append(out, &Entry{DN: dn, Attrs: copyAttrs(attrs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DN < out[j].DN })
	return out, nil
}

func (f *Fake) Put(_ context.Context, dn string, attrs map[string][]string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.PutCalls++
	if f.Err != nil {
		return f.Err
	}
	f.entries[dn] = copyAttrs(attrs)
	return nil
}

func (f *Fake) Del(_ context.Context, dn string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.entries, dn)
	return nil
}

// Has reports whether an entry exists at dn.
func (f *Fake) Has(dn string) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	_, ok := f.entries[dn]
	return ok
}

func inScope(dn, base string, scope Scope) bool {
	switch scope {
	case ScopeBase:
		return dn == base
	case ScopeOne:
		return parentDN(dn) == base
	default:
		return dn == base || strings.HasSuffix(dn, ","+base)
	}
}

type matcher interface {
	matches(attrs map[string][]string) bool
}

type eqMatcher struct{ attr, value string }

func (m eqMatcher) matches(attrs map[string][]string) bool {
	for _, v := range attrs[m.attr] {
		if v == m.value {
			return true
		}
	}
	return false
}

type andMatcher []matcher

func (m andMatcher) matches(attrs map[string][]string) bool {
	for _, sub := range m {
		if !sub.matches(attrs) {
			return false
		}
	}
	return true
}

type anyMatcher struct{ attr string }

func (m anyMatcher) matches(attrs map[string][]string) bool {
	return len(attrs[m.attr]) > 0
}

// parseFilter understands "(attr=value)", "(attr=*)" and "(&(f)(f)...)".
func parseFilter(s string) (matcher, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("fake directory: unsupported filter %q", s)
	}
	inner := s[1 : len(s)-1]
	if strings.HasPrefix(inner, "&") {
		var subs andMatcher
		rest := inner[1:]
		for len(rest) > 0 {
			end := matchingParen(rest)
			if end < 0 {
				return nil, fmt.Errorf("fake directory: unbalanced filter %q", s)
			}
			sub, err := parseFilter(rest[:end+1])
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
			rest = rest[end+1:]
		}
		return subs, nil
	}
	attr, value, ok := strings.Cut(inner, "=")
	if !ok {
		return nil, fmt.Errorf("fake directory: unsupported filter %q", s)
	}
	if value == "*" {
		return anyMatcher{attr: attr}, nil
	}
	return eqMatcher{attr: attr, value: value}, nil
}

func matchingParen(s string) int {
	depth := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
