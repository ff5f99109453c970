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

package probekind

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinRegistry(t *testing.T) {
	t.Parallel()
	r := Builtin()

	assert.Equal(t, []string{"http", "icmp", "log-scan", "machine-up", "process"}, r.Names())

	_, ok := r.Lookup("log-scan")
	assert.True(t, ok)
	_, ok = r.Lookup("no-such-kind")
	assert.False(t, ok)

	for _, name := range r.Names() {
		k, ok := r.Lookup(name)
		require.True(t, ok)
		assert.NotEqual(t, k.RunLocally(), k.RunInVMHost(),
			"kind %s must run either locally or in the VM host", name)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	r := Builtin()

	for _, tc := range []struct {
		name    string
		kind    string
		config  string
		wantErr string
	}{
		{
			name:   "log-scan valid",
			kind:   "log-scan",
			config: `{"path":"/var/log/app.log","match":"ERROR","threshold":3,"period":60}`,
		},
		{
			name:    "log-scan missing path",
			kind:    "log-scan",
			config:  `{"match":"ERROR"}`,
			wantErr: "requires a path",
		},
		{
			name:    "log-scan missing match",
			kind:    "log-scan",
			config:  `{"path":"/var/log/app.log"}`,
			wantErr: "requires a match",
		},
		{
			name:    "log-scan unknown field",
			kind:    "log-scan",
			config:  `{"path":"/l","match":"x","bogus":1}`,
			wantErr: "malformed config",
		},
		{
			name:    "log-scan config required",
			kind:    "log-scan",
			wantErr: ErrConfigRequired.Error(),
		},
		{
			name:   "process by name",
			kind:   "process",
			config: `{"name":"nginx"}`,
		},
		{
			name:   "process by pidfile",
			kind:   "process",
			config: `{"pidfile":"/var/run/app.pid"}`,
		},
		{
			name:    "process both",
			kind:    "process",
			config:  `{"name":"nginx","pidfile":"/var/run/app.pid"}`,
			wantErr: "not both",
		},
		{
			name:    "process neither",
			kind:    "process",
			config:  `{}`,
			wantErr: "requires a name or a pidfile",
		},
		{
			name:   "http valid",
			kind:   "http",
			config: `{"url":"http://127.0.0.1:8080/health","status":200}`,
		},
		{
			name:    "http bad status",
			kind:    "http",
			config:  `{"url":"http://x","status":99}`,
			wantErr: "out of range",
		},
		{
			name: "icmp without config",
			kind: "icmp",
		},
		{
			name:   "icmp with host",
			kind:   "icmp",
			config: `{"host":"10.0.0.1"}`,
		},
		{
			name: "machine-up without config",
			kind: "machine-up",
		},
		{
			name:   "machine-up empty object",
			kind:   "machine-up",
			config: `{}`,
		},
		{
			name:    "machine-up rejects config",
			kind:    "machine-up",
			config:  `{"host":"x"}`,
			wantErr: "does not take config",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			k, ok := r.Lookup(tc.kind)
			require.True(t, ok)

			var raw json.RawMessage
			if tc.config != "" {
				raw = json.RawMessage(tc.config)
			}
			err := k.ValidateConfig(raw)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
