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

package auth

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig holds PostgreSQL-specific settings for the credential
// backend.
type PostgresConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	Database        string        `yaml:"database" json:"database"`
	Table           string        `yaml:"table" json:"table"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout" json:"query_timeout"`
}

// DefaultPostgresConfig returns the default PostgreSQL backend settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		Username:        "postgres",
		Database:        "ocean",
		Table:           "mqtt_users",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		QueryTimeout:    5 * time.Second,
	}
}

// PostgresService authenticates against a users table of the shape
// (username, password_hash, algorithm, salt, enabled).
type PostgresService struct {
	db      *sql.DB
	query   string
	timeout time.Duration
}

// NewPostgresService opens the database pool and verifies connectivity.
func NewPostgresService(cfg PostgresConfig) (*PostgresService, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("PostgreSQL ping failed: %w", err)
	}

	log.Printf("[INFO] Auth backend connected to PostgreSQL at %s:%d", cfg.Host, cfg.Port)
	return &PostgresService{
		db: db,
		query: fmt.Sprintf(
			"SELECT password_hash, algorithm, salt, enabled FROM %s WHERE username = $1", cfg.Table),
		timeout: cfg.QueryTimeout,
	}, nil
}

// Name identifies the backend for logging.
func (ps *PostgresService) Name() string { return "postgres" }

// Login verifies a username/password pair against the users table.
func (ps *PostgresService) Login(username, password string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ps.timeout)
	defer cancel()

	var (
		passwordHash string
		algorithm    string
		salt         sql.NullString
		enabled      bool
	)
	err := ps.db.QueryRowContext(ctx, ps.query, username).
		Scan(&passwordHash, &algorithm, &salt, &enabled)
	if err == sql.ErrNoRows {
		return ErrBadCredentials
	}
	if err != nil {
		// Backend trouble is still a credential failure to the client;
		// the detail stays in the broker log.
		log.Printf("[ERROR] PostgreSQL credential lookup failed for %s: %v", username, err)
		return fmt.Errorf("%w: backend error", ErrBadCredentials)
	}
	if !enabled {
		return ErrBadCredentials
	}
	if !verifyPassword(password, salt.String, passwordHash, HashAlgorithm(algorithm)) {
		return ErrBadCredentials
	}
	return nil
}

// Close releases the database pool.
func (ps *PostgresService) Close() error {
	return ps.db.Close()
}
