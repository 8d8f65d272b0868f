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

// Package messages is the broker's message store. It keeps QoS 1/2
// message bodies keyed by a store-assigned guid so that sessions can
// reference them from inflight and offline queues, and it owns the
// retained map (topic to guid) consulted when a client subscribes.
package messages

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// StoredMessage is a publish captured by the store. The payload is
// immutable after construction; callers that hand it to multiple
// consumers must give each its own copy of the byte slice.
type StoredMessage struct {
	GUID     string
	ClientID string
	Topic    string
	QoS      byte
	Payload  []byte
	Retained bool
	PacketID uint16
}

// MatchingCondition selects retained topics during a subscription scan.
type MatchingCondition func(topic string) bool

// Store is the message-store capability set used by the protocol
// processor and the sessions store.
type Store interface {
	// StorePublishForFuture persists the message body and returns the
	// guid assigned to it. If the message already carries a guid the
	// existing entry is reused.
	StorePublishForFuture(msg *StoredMessage) string
	// MessageByGUID resolves a guid previously returned by
	// StorePublishForFuture.
	MessageByGUID(guid string) (*StoredMessage, bool)
	// StoreRetained marks guid as the retained message for topic.
	StoreRetained(topic, guid string)
	// CleanRetained drops the retained entry for topic, if any.
	CleanRetained(topic string)
	// SearchMatching returns the current retained messages whose topic
	// satisfies the condition.
	SearchMatching(condition MatchingCondition) []*StoredMessage
}

// MemoryStore is the in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	byGUID   map[string]*StoredMessage
	retained map[string]string // topic -> guid
	seq      uint64
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byGUID:   make(map[string]*StoredMessage),
		retained: make(map[string]string),
	}
}

// StorePublishForFuture persists the message body and assigns a guid.
func (s *MemoryStore) StorePublishForFuture(msg *StoredMessage) string {
	if msg.GUID != "" {
		return msg.GUID
	}
	guid := fmt.Sprintf("msg-%s-%d", msg.ClientID, atomic.AddUint64(&s.seq, 1))
	msg.GUID = guid
	s.mu.Lock()
	s.byGUID[guid] = msg
	s.mu.Unlock()
	return guid
}

// MessageByGUID resolves a stored message by its guid.
func (s *MemoryStore) MessageByGUID(guid string) (*StoredMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byGUID[guid]
	return msg, ok
}

// StoreRetained sets guid as the retained entry for topic. At most one
// guid is referenced per topic; a newer entry replaces the older one.
func (s *MemoryStore) StoreRetained(topic, guid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained[topic] = guid
}

// CleanRetained removes the retained entry for topic.
func (s *MemoryStore) CleanRetained(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retained, topic)
}

// SearchMatching iterates the retained map, not the full body store, so
// a subscription scan only ever sees the current retained entries.
func (s *MemoryStore) SearchMatching(condition MatchingCondition) []*StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []*StoredMessage
	for topic, guid := range s.retained {
		if !condition(topic) {
			continue
		}
		if msg, ok := s.byGUID[guid]; ok {
			results = append(results, msg)
		}
	}
	return results
}

// RetainedCount reports the number of retained topics.
func (s *MemoryStore) RetainedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.retained)
}
