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

// Package contacts resolves contact URNs against user records. A URN
// names an attribute on the user's directory entry; the attribute value
// is the deliverable address and the notification plugin is chosen by
// asking each plugin whether it accepts the attribute name.
package contacts

import (
	"strings"

	"github.com/GoogleCloudPlatform/amon/internal/users"
	"github.com/GoogleCloudPlatform/amon/pkg/apierror"
)

// PluginDirectory answers which notification plugin handles an attribute
// name. The first acceptor wins; iteration order is fixed at startup.
type PluginDirectory interface {
	AcceptingPlugin(attrName string) (plugin string, ok bool)
}

// Contact is a resolved contact: the plugin to deliver through and the
// address to deliver to. An empty address means the user record lacks
// the attribute; the caller raises a config alarm in that case.
type Contact struct {
	URN     string
	Plugin  string
	Address string
}

// ParseURN splits a contact URN into its attribute name and optional
// sub-key. Valid shapes are "<attr>" and "<attr>:<sub-key>".
func ParseURN(urn string) (attrName, subKey string, err error) {
	attrName, subKey, cut := strings.Cut(urn, ":")
	if attrName == "" || (cut && subKey == "") {
		return "", "", apierror.InvalidArgumentf("invalid contact %q", urn)
	}
	return attrName, subKey, nil
}

// Resolve resolves one URN against a user record. It fails when no
// plugin accepts the attribute name; a missing attribute is not an error
// and yields an empty address. For multi-valued attributes a sub-key
// selects the value tagged "<sub-key>:"; without one the first value is
// taken.
func Resolve(u *users.Record, urn string, plugins PluginDirectory) (*Contact, error) {
	attrName, subKey, err := ParseURN(urn)
	if err != nil {
		return nil, err
	}
	plugin, ok := plugins.AcceptingPlugin(attrName)
	if !ok {
		return nil, apierror.InvalidArgumentf("no notification plugin accepts contact %q", urn)
	}
	return &Contact{
		URN:     urn,
		Plugin:  plugin,
		Address: addressFor(u, attrName, subKey),
	}, nil
}

func addressFor(u *users.Record, attrName, subKey string) string {
	vals := u.Attrs[attrName]
	if len(vals) == 0 {
		return ""
	}
	if subKey == "" {
		return vals[0]
	}
	prefix := subKey + ":"
	for _, v := range vals {
		if strings.HasPrefix(v, prefix) {
			return strings.TrimPrefix(v, prefix)
		}
	}
	return ""
}
