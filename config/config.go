// Copyright 2026 The Enclavetls Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the ambient, non-protocol-visible process
// configuration for cmd/enclavetlsd: registry sharding, admission
// control, and the default session role.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML document read at process startup. None of its
// fields are visible on the wire; they only tune this particular
// demo host process.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	TLS      TLSConfig      `yaml:"tls"`
	Log      LogConfig      `yaml:"log"`
}

// RegistryConfig mirrors registry.Config's knobs in YAML form.
type RegistryConfig struct {
	ShardCount   int     `yaml:"shard_count"`
	RateLimit    float64 `yaml:"rate_limit_per_sec"`
	RateBurst    int     `yaml:"rate_burst"`
	UseConsensus bool    `yaml:"use_consensus"`
}

// TLSConfig carries a default session role, paths to an on-disk
// cert/key pair and client CA, and the mutual-TLS switch.
// cmd/enclavetlsd reads only RequireMTLS: it generates its own demo
// certificate and starts every session with an explicit role, so
// DefaultRole, CertFile, KeyFile and ClientCA are parsed but not used.
type TLSConfig struct {
	DefaultRole string `yaml:"default_role"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
	ClientCA    string `yaml:"client_ca_file"`
	RequireMTLS bool   `yaml:"require_mtls"`
}

// LogConfig selects the zap construction preset.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration cmd/enclavetlsd runs with if no
// file is supplied.
func Default() Config {
	return Config{
		Registry: RegistryConfig{
			ShardCount:   16,
			RateLimit:    500,
			RateBurst:    100,
			UseConsensus: false,
		},
		TLS: TLSConfig{
			DefaultRole: "server",
			RequireMTLS: false,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads and parses a YAML config file, starting from Default()
// so a partial file only overrides what it mentions.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a YAML config document from r.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}
