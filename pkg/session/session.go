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

// Package session holds per-client broker state: subscriptions,
// outbound inflight tracking for the QoS 1/2 handshakes, the queue of
// messages enqueued while the client is offline, and the packet-id
// generator. Sessions are passive state owned by the sessions store;
// the protocol processor drives every transition.
package session

import (
	"log"
	"sync"

	"github.com/oceanbus/ocean-go/pkg/storage/messages"
	"github.com/oceanbus/ocean-go/pkg/topic"
)

// Session is the state of one client, connected or not.
//
// Lifecycle: created by the sessions store on the first CONNECT,
// activated while the client is connected, deactivated on disconnect.
// A clean session is cleared on teardown; a persistent one survives so
// a later CONNECT can resume it.
type Session struct {
	ClientID string

	mu            sync.Mutex
	clean         bool
	active        bool
	subscriptions map[string]*topic.Subscription
	inflight      map[uint16]string   // packetID -> guid, awaiting PUBACK/PUBREC
	secondPhase   map[uint16]struct{} // awaiting PUBCOMP
	inbound       map[uint16]string   // client QoS 2 publishes awaiting PUBREL
	queue         []string            // guids to deliver on reconnect
	ids           *packetIDPool

	messages messages.Store
	backend  Backend
}

func newSession(clientID string, clean bool, store messages.Store, backend Backend) *Session {
	return &Session{
		ClientID:      clientID,
		clean:         clean,
		subscriptions: make(map[string]*topic.Subscription),
		inflight:      make(map[uint16]string),
		secondPhase:   make(map[uint16]struct{}),
		inbound:       make(map[uint16]string),
		ids:           newPacketIDPool(),
		messages:      store,
		backend:       backend,
	}
}

// Activate marks the session as attached to a live connection.
func (s *Session) Activate() {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
}

// Deactivate detaches the session from its connection. Purging a clean
// session's state is the caller's move, so a stale connection-lost
// event cannot wipe a session a takeover just re-activated.
func (s *Session) Deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Disconnect records a disconnect of the owning client. It is the
// same transition as Deactivate; the distinct name mirrors the
// graceful-DISCONNECT path.
func (s *Session) Disconnect() {
	s.Deactivate()
}

// IsActive reports whether the client is currently connected.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// IsCleanSession reports the session's clean flag.
func (s *Session) IsCleanSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean
}

// SetClean updates the clean flag. A reconnecting client may change it
// between connections.
func (s *Session) SetClean(clean bool) {
	s.mu.Lock()
	s.clean = clean
	s.mu.Unlock()
	s.flush()
}

// Clear wipes subscriptions, inflight state and the offline queue.
// Used when a client reconnects with cleanSession set, and on clean
// session teardown.
func (s *Session) Clear() {
	s.mu.Lock()
	s.subscriptions = make(map[string]*topic.Subscription)
	s.inflight = make(map[uint16]string)
	s.secondPhase = make(map[uint16]struct{})
	s.inbound = make(map[uint16]string)
	s.queue = nil
	s.ids = newPacketIDPool()
	s.mu.Unlock()
	s.flush()
}

// Subscribe registers a subscription on the session. It reports false
// when the filter is invalid; the caller maps that to a SUBACK failure
// entry.
func (s *Session) Subscribe(topicFilter string, sub *topic.Subscription) bool {
	if !topic.Validate(topicFilter) {
		log.Printf("[WARN] Session %s rejected invalid topic filter %q", s.ClientID, topicFilter)
		return false
	}
	s.mu.Lock()
	s.subscriptions[topicFilter] = sub
	s.mu.Unlock()
	s.flush()
	return true
}

// UnsubscribeFrom removes the subscription for the filter, if present.
func (s *Session) UnsubscribeFrom(topicFilter string) {
	s.mu.Lock()
	delete(s.subscriptions, topicFilter)
	s.mu.Unlock()
	s.flush()
}

// Subscriptions returns a snapshot of the session's subscriptions.
func (s *Session) Subscriptions() []*topic.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]*topic.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// EnqueueToDeliver queues a guid for delivery when the client comes
// back. Only QoS >= 1 messages for non-clean sessions are queued.
func (s *Session) EnqueueToDeliver(guid string) {
	s.mu.Lock()
	s.queue = append(s.queue, guid)
	s.mu.Unlock()
	s.flush()
}

// RemoveEnqueued drops a guid from the offline queue once dispatched.
func (s *Session) RemoveEnqueued(guid string) {
	s.mu.Lock()
	for i, g := range s.queue {
		if g == guid {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.flush()
}

// StoredMessages resolves the offline queue against the message store,
// in enqueue order. Guids whose body has been dropped are skipped.
func (s *Session) StoredMessages() []*messages.StoredMessage {
	s.mu.Lock()
	queue := make([]string, len(s.queue))
	copy(queue, s.queue)
	s.mu.Unlock()

	msgs := make([]*messages.StoredMessage, 0, len(queue))
	for _, guid := range queue {
		msg, ok := s.messages.MessageByGUID(guid)
		if !ok {
			log.Printf("[WARN] Session %s queue references unknown message %s", s.ClientID, guid)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// NextPacketID allocates a packet identifier unique among this
// session's inflight messages.
func (s *Session) NextPacketID() uint16 {
	return s.ids.next()
}

// InFlightAckWaiting records an outbound QoS >= 1 publish awaiting its
// first acknowledgment (PUBACK or PUBREC).
func (s *Session) InFlightAckWaiting(guid string, packetID uint16) {
	s.mu.Lock()
	s.inflight[packetID] = guid
	s.mu.Unlock()
}

// InFlightAcknowledged completes the first handshake phase for
// packetID. Unknown ids are logged and ignored.
func (s *Session) InFlightAcknowledged(packetID uint16) {
	s.mu.Lock()
	_, ok := s.inflight[packetID]
	delete(s.inflight, packetID)
	s.mu.Unlock()
	if !ok {
		log.Printf("[WARN] Session %s ack for unknown inflight packet id %d", s.ClientID, packetID)
		return
	}
	s.ids.release(packetID)
}

// SecondPhaseAckWaiting moves a QoS 2 packet id into the second phase,
// awaiting PUBCOMP.
func (s *Session) SecondPhaseAckWaiting(packetID uint16) {
	s.mu.Lock()
	s.secondPhase[packetID] = struct{}{}
	s.mu.Unlock()
}

// SecondPhaseAcknowledged completes the QoS 2 handshake for packetID.
func (s *Session) SecondPhaseAcknowledged(packetID uint16) {
	s.mu.Lock()
	_, ok := s.secondPhase[packetID]
	delete(s.secondPhase, packetID)
	s.mu.Unlock()
	if !ok {
		log.Printf("[WARN] Session %s PUBCOMP for unknown packet id %d", s.ClientID, packetID)
	}
}

// StoreInboundInflight records a client-originated QoS 2 publish whose
// routing is deferred until PUBREL arrives.
func (s *Session) StoreInboundInflight(packetID uint16, guid string) {
	s.mu.Lock()
	s.inbound[packetID] = guid
	s.mu.Unlock()
}

// StoredMessage resolves a client-originated QoS 2 publish by the
// packet id the client used, consuming the inbound entry.
func (s *Session) StoredMessage(packetID uint16) *messages.StoredMessage {
	s.mu.Lock()
	guid, ok := s.inbound[packetID]
	delete(s.inbound, packetID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	msg, found := s.messages.MessageByGUID(guid)
	if !found {
		return nil
	}
	return msg
}

// InflightCount reports the number of unacknowledged outbound messages.
func (s *Session) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// flush snapshots a persistent session to the configured backend.
// Clean sessions and memory-only deployments skip it.
func (s *Session) flush() {
	if s.backend == nil {
		return
	}
	s.mu.Lock()
	if s.clean {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if err := s.backend.SaveSession(snap); err != nil {
		log.Printf("[ERROR] Failed to persist session %s: %v", s.ClientID, err)
	}
}

func (s *Session) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		ClientID:      s.ClientID,
		CleanSession:  s.clean,
		Subscriptions: make(map[string]byte, len(s.subscriptions)),
		Queue:         make([]string, len(s.queue)),
	}
	for filter, sub := range s.subscriptions {
		snap.Subscriptions[filter] = sub.RequestedQoS
	}
	copy(snap.Queue, s.queue)
	return snap
}

// restore rebuilds session state from a persisted snapshot.
func (s *Session) restore(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clean = snap.CleanSession
	for filter, qos := range snap.Subscriptions {
		s.subscriptions[filter] = &topic.Subscription{
			ClientID:     s.ClientID,
			TopicFilter:  filter,
			RequestedQoS: qos,
		}
	}
	s.queue = append(s.queue, snap.Queue...)
}
