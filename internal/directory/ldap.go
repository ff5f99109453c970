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
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

const opTimeout = 10 * time.Second

// Client is the LDAP-backed directory adapter. It holds one connection
// bound with administrative credentials; the connection multiplexes
// concurrent requests and is re-established (and re-bound) when an
// operation fails with a network or authentication error.
type Client struct {
	logger       log.Logger
	url          string
	bindDN       string
	bindPassword string

	// mtx guards conn replacement, not request dispatch.
	mtx  sync.Mutex
	conn *ldap.Conn
}

// Dial connects to the directory at url and binds with the given
// administrative credentials. It fails fast so that a misconfigured
// master does not come up at all.
func Dial(logger log.Logger, url, bindDN, bindPassword string) (*Client, error) {
	c := &Client{
		logger:       logger,
		url:          url,
		bindDN:       bindDN,
		bindPassword: bindPassword,
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *Client) dial() (*ldap.Conn, error) {
	conn, err := ldap.DialURL(c.url)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing directory %q", c.url)
	}
	conn.SetTimeout(opTimeout)
	if err := conn.Bind(c.bindDN, c.bindPassword); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "binding as %q", c.bindDN)
	}
	return conn, nil
}

// Close tears down the directory connection.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// retriable reports whether err indicates a dead or unbound connection
// that a fresh dial and bind may cure.
func retriable(err error) bool {
	return ldap.IsErrorAnyOf(err,
		ldap.ErrorNetwork,
		ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
	)
}

// withConn runs op against the current connection, re-establishing it
// once when the failure looks connection-related.
func (c *Client) withConn(ctx context.Context, op func(*ldap.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mtx.Lock()
	conn := c.conn
	c.mtx.Unlock()

	err := op(conn)
	if err == nil || !retriable(err) {
		return err
	}
	level.Warn(c.logger).Log("msg", "directory operation failed, reconnecting", "err", err)

	c.mtx.Lock()
	if c.conn == conn {
		fresh, derr := c.dial()
		if derr != nil {
			c.mtx.Unlock()
			return errors.Wrap(err, "reconnect failed")
		}
		conn.Close()
		c.conn = fresh
	}
	conn = c.conn
	c.mtx.Unlock()

	return op(conn)
}

func entryFromLDAP(e *ldap.Entry) *Entry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Name] = a.Values
	}
	return &Entry{DN: e.DN, Attrs: attrs}
}

func ldapScope(s Scope) int {
	switch s {
	case ScopeBase:
		return ldap.ScopeBaseObject
	case ScopeOne:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

func (c *Client) Get(ctx context.Context, dn string) (*Entry, error) {
	var entry *Entry
	err := c.withConn(ctx, func(conn *ldap.Conn) error {
		e, err := getEntry(conn, dn)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) || err == ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "directory get %q", dn)
	}
	return entry, nil
}

func getEntry(conn *ldap.Conn, dn string) (*Entry, error) {
	req := ldap.NewSearchRequest(
		dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, 0, false, "(objectclass=*)", nil, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, ErrNotFound
	}
	return entryFromLDAP(res.Entries[0]), nil
}

func (c *Client) Search(ctx context.Context, base, filter string, scope Scope) ([]*Entry, error) {
	var entries []*Entry
	err := c.withConn(ctx, func(conn *ldap.Conn) error {
		req := ldap.NewSearchRequest(
			base, ldapScope(scope), ldap.NeverDerefAliases,
			0, 0, false, filter, nil, nil,
		)
		res, err := conn.Search(req)
		if err != nil {
			return err
		}
		entries = entries[:0]
		for _, e := range res.Entries {
			entries = append(entries, entryFromLDAP(e))
		}
		return nil
	})
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "directory search %q under %q", filter, base)
	}
	return entries, nil
}

// Put creates the entry at dn or replaces its attributes wholesale.
// Attributes present on the old entry but absent from attrs are removed.
func (c *Client) Put(ctx context.Context, dn string, attrs map[string][]string) error {
	err := c.withConn(ctx, func(conn *ldap.Conn) error {
		add := ldap.NewAddRequest(dn, nil)
		for name, vals := range attrs {
			add.Attribute(name, vals)
		}
		err := conn.Add(add)
		if !ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return err
		}

		old, gerr := getEntry(conn, dn)
		if gerr != nil {
			return gerr
		}
		mod := ldap.NewModifyRequest(dn, nil)
		for name, vals := range attrs {
			mod.Replace(name, vals)
		}
		for name := range old.Attrs {
			if name == "objectclass" {
				continue
			}
			if _, ok := attrs[name]; !ok {
				mod.Delete(name, nil)
			}
		}
		return conn.Modify(mod)
	})
	return errors.Wrapf(err, "directory put %q", dn)
}

func (c *Client) Del(ctx context.Context, dn string) error {
	err := c.withConn(ctx, func(conn *ldap.Conn) error {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	})
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return nil
	}
	return errors.Wrapf(err, "directory del %q", dn)
}
