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

// Package config loads and validates the master's bootstrap configuration.
// The file is read once at startup; there is no runtime reloading.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Config is the top-level bootstrap configuration.
type Config struct {
	// ListenAddress serves the public API, the management endpoints and
	// /metrics.
	ListenAddress string          `yaml:"listenAddress"`
	Directory     DirectoryConfig `yaml:"directory"`
	KV            KVConfig        `yaml:"kv"`
	// VMAPIURL and CNAPIURL are the base URLs of the VM metadata and
	// server inventory services used for authorization checks.
	VMAPIURL string `yaml:"vmapiURL"`
	CNAPIURL string `yaml:"cnapiURL"`
	// AdminUUID names the one account for which the skipauthz escape
	// hatch is honored. Empty disables it.
	AdminUUID string `yaml:"adminUUID"`
	// DisableCaches turns every response cache into a pass-through.
	DisableCaches bool                   `yaml:"disableCaches"`
	Caches        map[string]CacheConfig `yaml:"caches"`
	Notifications []PluginConfig         `yaml:"notifications"`
}

// DirectoryConfig locates the user directory.
type DirectoryConfig struct {
	URL          string `yaml:"url"`
	BindDN       string `yaml:"bindDN"`
	BindPassword string `yaml:"bindPassword"`
}

// KVConfig locates the key-value store. DB selects the logical database
// holding all maintenance state.
type KVConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig overrides the size and TTL of one named response cache.
// Size 0 means unbounded.
type CacheConfig struct {
	Size int            `yaml:"size"`
	TTL  model.Duration `yaml:"ttl"`
}

// PluginConfig declares one notification plugin instance.
type PluginConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// Default returns a configuration with the documented defaults filled in.
func Default() *Config {
	return &Config{
		ListenAddress: ":8080",
		KV: KVConfig{
			Address: "127.0.0.1:6379",
			DB:      1,
		},
	}
}

// Load reads, parses and validates the configuration file at path.
// Unknown fields are rejected.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	return c, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listenAddress must not be empty")
	}
	if c.Directory.URL == "" {
		return fmt.Errorf("directory.url must not be empty")
	}
	if c.Directory.BindDN == "" {
		return fmt.Errorf("directory.bindDN must not be empty")
	}
	if c.KV.Address == "" {
		return fmt.Errorf("kv.address must not be empty")
	}
	if c.KV.DB < 0 {
		return fmt.Errorf("kv.db must not be negative, got %d", c.KV.DB)
	}
	if c.VMAPIURL == "" {
		return fmt.Errorf("vmapiURL must not be empty")
	}
	if c.CNAPIURL == "" {
		return fmt.Errorf("cnapiURL must not be empty")
	}
	if c.AdminUUID != "" {
		if _, err := uuid.Parse(c.AdminUUID); err != nil {
			return fmt.Errorf("adminUUID %q is not a UUID: %w", c.AdminUUID, err)
		}
	}
	for name, cc := range c.Caches {
		if cc.Size < 0 {
			return fmt.Errorf("cache %q: size must not be negative, got %d", name, cc.Size)
		}
		if time.Duration(cc.TTL) <= 0 {
			return fmt.Errorf("cache %q: ttl must be positive, got %s", name, cc.TTL)
		}
	}
	seen := map[string]bool{}
	for i, p := range c.Notifications {
		if p.Name == "" {
			return fmt.Errorf("notifications[%d]: name must not be empty", i)
		}
		if p.Type == "" {
			return fmt.Errorf("notification %q: type must not be empty", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("notification %q declared twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
