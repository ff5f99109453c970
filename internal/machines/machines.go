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

// Package machines answers what a machine UUID denotes: a virtual machine
// with an owner and a hosting server, or a physical server from the fleet
// inventory. Lookups go to the VM metadata and server inventory services.
package machines

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VM is the subset of VM metadata the master consumes.
type VM struct {
	UUID       string `json:"uuid"`
	OwnerUUID  string `json:"owner_uuid"`
	ServerUUID string `json:"server_uuid"`
	State      string `json:"state"`
}

// VMLookup resolves VM metadata. A missing VM yields (nil, nil); any
// other failure is an error.
type VMLookup interface {
	GetVM(ctx context.Context, vmUUID string) (*VM, error)
}

// ServerLookup answers whether a UUID names a physical server.
type ServerLookup interface {
	ServerExists(ctx context.Context, serverUUID string) (bool, error)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// VMAPIClient talks to the VM metadata service.
type VMAPIClient struct {
	base   string
	client *http.Client
}

// NewVMAPI builds a client for the VM metadata service at baseURL.
func NewVMAPI(baseURL string) *VMAPIClient {
	return &VMAPIClient{base: baseURL, client: newHTTPClient()}
}

func (c *VMAPIClient) GetVM(ctx context.Context, vmUUID string) (*VM, error) {
	var vm VM
	found, err := getJSON(ctx, c.client, fmt.Sprintf("%s/vms/%s", c.base, vmUUID), &vm)
	if err != nil {
		return nil, fmt.Errorf("vm lookup %s: %w", vmUUID, err)
	}
	if !found {
		return nil, nil
	}
	return &vm, nil
}

// CNAPIClient talks to the server inventory service.
type CNAPIClient struct {
	base   string
	client *http.Client
}

// NewCNAPI builds a client for the server inventory service at baseURL.
func NewCNAPI(baseURL string) *CNAPIClient {
	return &CNAPIClient{base: baseURL, client: newHTTPClient()}
}

func (c *CNAPIClient) ServerExists(ctx context.Context, serverUUID string) (bool, error) {
	var ignored json.RawMessage
	found, err := getJSON(ctx, c.client, fmt.Sprintf("%s/servers/%s", c.base, serverUUID), &ignored)
	if err != nil {
		return false, fmt.Errorf("server lookup %s: %w", serverUUID, err)
	}
	return found, nil
}

// getJSON fetches url and decodes the body into out. It returns false
// without error on a 404 and an error on any other non-200 status.
func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decoding response: %w", err)
		}
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

// FakeVMs is an in-memory VMLookup for tests.
type FakeVMs map[string]*VM

func (f FakeVMs) GetVM(_ context.Context, vmUUID string) (*VM, error) {
	return f[vmUUID], nil
}

// FakeServers is an in-memory ServerLookup for tests.
type FakeServers map[string]bool

func (f FakeServers) ServerExists(_ context.Context, serverUUID string) (bool, error) {
	return f[serverUUID], nil
}
