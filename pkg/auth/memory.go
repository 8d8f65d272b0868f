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
	"fmt"
	"log"
	"sync"
)

// MemoryService authenticates against an in-memory user table.
type MemoryService struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryService creates an empty in-memory authentication service.
func NewMemoryService() *MemoryService {
	return &MemoryService{users: make(map[string]*User)}
}

// Name identifies the backend for logging.
func (ms *MemoryService) Name() string { return "memory" }

// Login verifies a username/password pair against the user table.
func (ms *MemoryService) Login(username, password string) error {
	ms.mu.RLock()
	user, exists := ms.users[username]
	ms.mu.RUnlock()

	if !exists || !user.Enabled {
		return ErrBadCredentials
	}
	if !verifyPassword(password, user.Salt, user.PasswordHash, user.Algorithm) {
		return ErrBadCredentials
	}
	return nil
}

// AddUser adds a user, hashing the password with the given algorithm.
func (ms *MemoryService) AddUser(username, password string, algorithm HashAlgorithm) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	// SHA256 entries are salted with the username.
	salt := ""
	if algorithm == HashSHA256 {
		salt = username
	}

	passwordHash, err := hashPassword(password, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	ms.mu.Lock()
	ms.users[username] = &User{
		Username:     username,
		PasswordHash: passwordHash,
		Algorithm:    algorithm,
		Salt:         salt,
		Enabled:      true,
	}
	ms.mu.Unlock()

	log.Printf("[INFO] Added user: %s with algorithm: %s", username, algorithm)
	return nil
}

// RemoveUser removes a user from the service.
func (ms *MemoryService) RemoveUser(username string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.users[username]; !exists {
		return fmt.Errorf("user not found: %s", username)
	}
	delete(ms.users, username)
	log.Printf("[INFO] Removed user: %s", username)
	return nil
}

// UpdateUser replaces an existing user's password.
func (ms *MemoryService) UpdateUser(username, password string, algorithm HashAlgorithm) error {
	salt := ""
	if algorithm == HashSHA256 {
		salt = username
	}
	passwordHash, err := hashPassword(password, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	user, exists := ms.users[username]
	if !exists {
		return fmt.Errorf("user not found: %s", username)
	}
	user.PasswordHash = passwordHash
	user.Algorithm = algorithm
	user.Salt = salt
	return nil
}

// SetEnabled toggles a user without removing it.
func (ms *MemoryService) SetEnabled(username string, enabled bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	user, exists := ms.users[username]
	if !exists {
		return fmt.Errorf("user not found: %s", username)
	}
	user.Enabled = enabled
	return nil
}

// UserCount reports the number of configured users.
func (ms *MemoryService) UserCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.users)
}
