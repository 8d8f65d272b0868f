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

package broker

import "sync"

// ConnectionDescriptor pairs a connected client with its channel.
// At most one descriptor exists per client id at any time.
type ConnectionDescriptor struct {
	ClientID     string
	Channel      Channel
	CleanSession bool
}

// connectedClients is the process-wide registry of live connections.
// Single-writer semantics per key; RemoveIfChannel gives connection-lost
// handling a conditional remove so it cannot clobber a takeover that
// already swapped the descriptor.
type connectedClients struct {
	mu sync.RWMutex
	m  map[string]*ConnectionDescriptor
}

func newConnectedClients() *connectedClients {
	return &connectedClients{m: make(map[string]*ConnectionDescriptor)}
}

func (r *connectedClients) Put(desc *ConnectionDescriptor) {
	r.mu.Lock()
	r.m[desc.ClientID] = desc
	r.mu.Unlock()
}

func (r *connectedClients) Get(clientID string) (*ConnectionDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.m[clientID]
	return desc, ok
}

func (r *connectedClients) Remove(clientID string) {
	r.mu.Lock()
	delete(r.m, clientID)
	r.mu.Unlock()
}

// RemoveIfChannel removes the entry only while it still points at ch.
func (r *connectedClients) RemoveIfChannel(clientID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.m[clientID]
	if !ok || desc.Channel != ch {
		return false
	}
	delete(r.m, clientID)
	return true
}

func (r *connectedClients) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// WillMessage is a client's testament, published by the broker when the
// client disconnects abnormally.
type WillMessage struct {
	Topic    string
	Payload  []byte
	Retained bool
	QoS      byte
}

// willRegistry maps client ids to pending wills. An entry exists iff
// the client is connected, signaled a will on CONNECT, and has not
// disconnected gracefully.
type willRegistry struct {
	mu sync.RWMutex
	m  map[string]*WillMessage
}

func newWillRegistry() *willRegistry {
	return &willRegistry{m: make(map[string]*WillMessage)}
}

func (r *willRegistry) Put(clientID string, will *WillMessage) {
	r.mu.Lock()
	r.m[clientID] = will
	r.mu.Unlock()
}

func (r *willRegistry) Get(clientID string) (*WillMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	will, ok := r.m[clientID]
	return will, ok
}

func (r *willRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.m, clientID)
	r.mu.Unlock()
}
