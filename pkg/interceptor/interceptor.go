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

// Package interceptor fans broker lifecycle events out to registered
// observers: client connect/disconnect, publishes, subscriptions and
// unsubscriptions. Observers run inline on the processor path and must
// return quickly.
package interceptor

import (
	"log"
	"sync"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/oceanbus/ocean-go/pkg/topic"
)

// Handler observes broker lifecycle events. Implement only the events
// of interest by embedding NopHandler.
type Handler interface {
	OnClientConnected(connect *packets.Packet)
	OnClientDisconnected(clientID string)
	OnTopicPublished(publish *packets.Packet, clientID string)
	OnTopicSubscribed(sub *topic.Subscription)
	OnTopicUnsubscribed(topicName, clientID string)
}

// NopHandler implements Handler with empty methods.
type NopHandler struct{}

func (NopHandler) OnClientConnected(*packets.Packet)        {}
func (NopHandler) OnClientDisconnected(string)              {}
func (NopHandler) OnTopicPublished(*packets.Packet, string) {}
func (NopHandler) OnTopicSubscribed(*topic.Subscription)    {}
func (NopHandler) OnTopicUnsubscribed(string, string)       {}

// Interceptor is the event fan-out used by the protocol processor.
type Interceptor struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New creates an interceptor with the given initial handlers.
func New(handlers ...Handler) *Interceptor {
	return &Interceptor{handlers: handlers}
}

// AddHandler registers an additional observer.
func (i *Interceptor) AddHandler(h Handler) {
	i.mu.Lock()
	i.handlers = append(i.handlers, h)
	i.mu.Unlock()
}

func (i *Interceptor) snapshot() []Handler {
	i.mu.RLock()
	defer i.mu.RUnlock()
	handlers := make([]Handler, len(i.handlers))
	copy(handlers, i.handlers)
	return handlers
}

// NotifyClientConnected fires after a CONNECT is accepted.
func (i *Interceptor) NotifyClientConnected(connect *packets.Packet) {
	for _, h := range i.snapshot() {
		h.OnClientConnected(connect)
	}
}

// NotifyClientDisconnected fires on graceful DISCONNECT.
func (i *Interceptor) NotifyClientDisconnected(clientID string) {
	for _, h := range i.snapshot() {
		h.OnClientDisconnected(clientID)
	}
}

// NotifyTopicPublished fires after a client publish is processed.
func (i *Interceptor) NotifyTopicPublished(publish *packets.Packet, clientID string) {
	for _, h := range i.snapshot() {
		h.OnTopicPublished(publish, clientID)
	}
}

// NotifyTopicSubscribed fires per accepted subscription.
func (i *Interceptor) NotifyTopicSubscribed(sub *topic.Subscription) {
	for _, h := range i.snapshot() {
		h.OnTopicSubscribed(sub)
	}
}

// NotifyTopicUnsubscribed fires per removed subscription.
func (i *Interceptor) NotifyTopicUnsubscribed(topicName, clientID string) {
	for _, h := range i.snapshot() {
		h.OnTopicUnsubscribed(topicName, clientID)
	}
}

// LoggingHandler is a Handler that writes each event to the broker log.
type LoggingHandler struct{ NopHandler }

func (LoggingHandler) OnClientConnected(connect *packets.Packet) {
	log.Printf("[INFO] Client connected: %s", connect.Connect.ClientIdentifier)
}

func (LoggingHandler) OnClientDisconnected(clientID string) {
	log.Printf("[INFO] Client disconnected: %s", clientID)
}

func (LoggingHandler) OnTopicPublished(publish *packets.Packet, clientID string) {
	log.Printf("[DEBUG] Publish by %s on %s (%d bytes)", clientID, publish.TopicName, len(publish.Payload))
}
