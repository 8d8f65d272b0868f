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

package session

import (
	"log"

	"github.com/oceanbus/ocean-go/pkg/storage"
	"github.com/oceanbus/ocean-go/pkg/storage/messages"
)

// Snapshot is the persisted form of a session: what a backend needs to
// resume a non-clean session after a broker restart.
type Snapshot struct {
	ClientID      string          `bson:"client_id" json:"client_id"`
	CleanSession  bool            `bson:"clean_session" json:"clean_session"`
	Subscriptions map[string]byte `bson:"subscriptions" json:"subscriptions"` // filter -> requested QoS
	Queue         []string        `bson:"queue" json:"queue"`                 // guids awaiting delivery
}

// Backend persists session snapshots. Implementations must tolerate
// concurrent saves for distinct clients.
type Backend interface {
	LoadSession(clientID string) (*Snapshot, error)
	SaveSession(snap *Snapshot) error
	DeleteSession(clientID string) error
}

// Store is the sessions-store capability set used by the protocol
// processor.
type Store interface {
	// SessionForClient returns the session for clientID, or nil when
	// the broker has never seen the client or the session was dropped.
	// A torn-down clean session stays in the store with its state
	// cleared.
	SessionForClient(clientID string) *Session
	// CreateNewSession materializes a session for a first-time client.
	CreateNewSession(clientID string, cleanSession bool) *Session
	// NextPacketID allocates a packet id from the client's session.
	// Used by will publication, where no live handler owns the session.
	NextPacketID(clientID string) uint16
}

// MemoryStore keeps sessions in a generic KV store, optionally backed
// by a persistence Backend for non-clean sessions.
type MemoryStore struct {
	index    storage.Store
	messages messages.Store
	backend  Backend
}

// NewMemoryStore creates a sessions store. backend may be nil for a
// memory-only broker.
func NewMemoryStore(msgs messages.Store, backend Backend) *MemoryStore {
	return &MemoryStore{
		index:    storage.NewMemStore(),
		messages: msgs,
		backend:  backend,
	}
}

// SessionForClient returns the live session for clientID. When a
// persistence backend is configured, an unknown client is looked up
// there so a non-clean session survives broker restarts.
func (ms *MemoryStore) SessionForClient(clientID string) *Session {
	if v, err := ms.index.Get(clientID); err == nil {
		return v.(*Session)
	}
	if ms.backend == nil {
		return nil
	}
	snap, err := ms.backend.LoadSession(clientID)
	if err != nil || snap == nil {
		return nil
	}
	log.Printf("[INFO] Restored persisted session for client %s", clientID)
	sess := newSession(clientID, snap.CleanSession, ms.messages, ms.backend)
	sess.restore(snap)
	ms.index.Set(clientID, sess)
	return sess
}

// CreateNewSession materializes a new session for clientID.
func (ms *MemoryStore) CreateNewSession(clientID string, cleanSession bool) *Session {
	sess := newSession(clientID, cleanSession, ms.messages, ms.backend)
	ms.index.Set(clientID, sess)
	sess.flush()
	return sess
}

// DropSession removes a torn-down clean session from the index and the
// backend.
func (ms *MemoryStore) DropSession(clientID string) {
	ms.index.Delete(clientID)
	if ms.backend != nil {
		if err := ms.backend.DeleteSession(clientID); err != nil {
			log.Printf("[ERROR] Failed to delete persisted session %s: %v", clientID, err)
		}
	}
}

// NextPacketID allocates a packet id from the client's session. A
// missing session yields 0; the will path still routes the will, since
// each delivery draws its packet id from the subscriber's session.
func (ms *MemoryStore) NextPacketID(clientID string) uint16 {
	sess := ms.SessionForClient(clientID)
	if sess == nil {
		log.Printf("[WARN] Packet id requested for unknown session %s", clientID)
		return 0
	}
	return sess.NextPacketID()
}

// Count reports the number of sessions held in memory.
func (ms *MemoryStore) Count() int {
	return ms.index.Len()
}
