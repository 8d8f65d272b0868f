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

// Package auth verifies client credentials on CONNECT. It supports
// username/password authentication with configurable password hashing
// (plain text, SHA256, bcrypt) over an in-memory user table or a
// PostgreSQL backend.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the password hashing algorithm type.
type HashAlgorithm string

const (
	// HashPlain represents plain text passwords (not recommended for production)
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 represents SHA256 hashed passwords
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt represents bcrypt hashed passwords (recommended)
	HashBcrypt HashAlgorithm = "bcrypt"
)

// ErrBadCredentials is returned for any credential failure. The
// processor maps it to CONNACK BAD_USERNAME_OR_PASSWORD without
// leaking backend detail.
var ErrBadCredentials = errors.New("bad username or password")

// User represents a user credential entry.
type User struct {
	Username     string        `json:"username"`
	PasswordHash string        `json:"password_hash"`
	Algorithm    HashAlgorithm `json:"algorithm"`
	Salt         string        `json:"salt,omitempty"`
	Enabled      bool          `json:"enabled"`
}

// Service resolves credentials presented on CONNECT. A nil error means
// the credentials were accepted; every failure is ErrBadCredentials
// (possibly wrapped).
type Service interface {
	// Login verifies a username/password pair.
	Login(username, password string) error
	// Name identifies the backend for logging.
	Name() string
}

// hashPassword creates a hash of the password using the specified algorithm.
func hashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		hasher := sha256.New()
		hasher.Write([]byte(salt + password))
		return fmt.Sprintf("%x", hasher.Sum(nil)), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// verifyPassword checks a password against a stored hash.
func verifyPassword(password, salt, storedHash string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return password == storedHash
	case HashSHA256:
		hasher := sha256.New()
		hasher.Write([]byte(salt + password))
		return fmt.Sprintf("%x", hasher.Sum(nil)) == storedHash
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
	default:
		return false
	}
}
