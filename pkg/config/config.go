// Copyright 2023 The ocean-go Authors
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

// Package config provides configuration management for ocean-go:
// listener addresses, authentication users and backends, and session
// persistence settings.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/oceanbus/ocean-go/pkg/auth"
	"github.com/oceanbus/ocean-go/pkg/session"
	"gopkg.in/yaml.v2"
)

// UserConfig represents a user configuration entry.
type UserConfig struct {
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// AuthConfig represents the authentication configuration.
type AuthConfig struct {
	// AllowAnonymous permits CONNECT without credentials.
	AllowAnonymous bool `yaml:"allow_anonymous" json:"allow_anonymous"`
	// Backend selects the credential store: memory or postgres.
	Backend  string              `yaml:"backend" json:"backend"`
	Users    []UserConfig        `yaml:"users" json:"users"`
	Postgres auth.PostgresConfig `yaml:"postgres" json:"postgres"`
}

// SessionsConfig selects the session persistence backend.
type SessionsConfig struct {
	// Backend is memory or mongo.
	Backend string              `yaml:"backend" json:"backend"`
	Mongo   session.MongoConfig `yaml:"mongo" json:"mongo"`
}

// BrokerConfig represents the overall broker configuration.
type BrokerConfig struct {
	NodeID      string         `yaml:"node_id" json:"node_id"`
	MQTTPort    string         `yaml:"mqtt_port" json:"mqtt_port"`
	MetricsPort string         `yaml:"metrics_port" json:"metrics_port"`
	Auth        AuthConfig     `yaml:"auth" json:"auth"`
	Sessions    SessionsConfig `yaml:"sessions" json:"sessions"`
}

// Config holds the complete configuration.
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			NodeID:      "ocean-go-node",
			MQTTPort:    ":1883",
			MetricsPort: ":8082",
			Auth: AuthConfig{
				AllowAnonymous: true,
				Backend:        "memory",
				Postgres:       auth.DefaultPostgresConfig(),
			},
			Sessions: SessionsConfig{
				Backend: "memory",
				Mongo:   session.DefaultMongoConfig(),
			},
		},
	}
}

// LoadConfig loads configuration from a file. An empty path yields the
// defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	log.Printf("[INFO] Loaded configuration from %s", configPath)
	return config, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Broker.MQTTPort == "" {
		return fmt.Errorf("broker.mqtt_port must not be empty")
	}
	switch c.Broker.Auth.Backend {
	case "", "memory", "postgres":
	default:
		return fmt.Errorf("unsupported auth backend: %s", c.Broker.Auth.Backend)
	}
	switch c.Broker.Sessions.Backend {
	case "", "memory", "mongo":
	default:
		return fmt.Errorf("unsupported sessions backend: %s", c.Broker.Sessions.Backend)
	}
	for _, user := range c.Broker.Auth.Users {
		if user.Username == "" {
			return fmt.Errorf("auth user with empty username")
		}
		switch auth.HashAlgorithm(user.Algorithm) {
		case auth.HashPlain, auth.HashSHA256, auth.HashBcrypt:
		default:
			return fmt.Errorf("user %s has unsupported hash algorithm: %s", user.Username, user.Algorithm)
		}
	}
	return nil
}

// BuildAuthService constructs the credential backend named by the
// configuration, loading configured users into a memory backend.
func (c *Config) BuildAuthService() (auth.Service, error) {
	switch c.Broker.Auth.Backend {
	case "postgres":
		return auth.NewPostgresService(c.Broker.Auth.Postgres)
	default:
		svc := auth.NewMemoryService()
		for _, user := range c.Broker.Auth.Users {
			if !user.Enabled {
				continue
			}
			if err := svc.AddUser(user.Username, user.Password, auth.HashAlgorithm(user.Algorithm)); err != nil {
				return nil, fmt.Errorf("failed to add user %s: %w", user.Username, err)
			}
		}
		return svc, nil
	}
}
