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

import (
	"sync"

	"github.com/mochi-mqtt/server/v2/packets"
)

// Channel is the capability the processor holds on a client connection:
// write one packet, close the transport, adjust the idle timeout, and
// reach the per-channel context. The transport owns the socket.
type Channel interface {
	// WritePacket encodes and writes a single MQTT packet.
	WritePacket(pk *packets.Packet) error
	// Close tears the transport connection down.
	Close() error
	// SetIdleTimeout installs or replaces the channel idle timeout in
	// seconds. Zero disables it.
	SetIdleTimeout(seconds int)
	// Context returns the per-channel attributes.
	Context() *ChannelContext
}

// ChannelContext carries the attributes the processor attaches to a
// channel on CONNECT. The transport passes it back into every handler
// so attribute lookups never leave the call path.
type ChannelContext struct {
	mu            sync.Mutex
	clientID      string
	username      string
	cleanSession  bool
	keepAlive     uint16
	sessionStolen bool
}

// ClientID returns the client id bound on CONNECT, or "".
func (c *ChannelContext) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID binds the client id to the channel.
func (c *ChannelContext) SetClientID(clientID string) {
	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()
}

// Username returns the authenticated username, or "".
func (c *ChannelContext) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// SetUsername records the authenticated username.
func (c *ChannelContext) SetUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

// CleanSession returns the clean-session flag from CONNECT.
func (c *ChannelContext) CleanSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanSession
}

// SetCleanSession records the clean-session flag.
func (c *ChannelContext) SetCleanSession(clean bool) {
	c.mu.Lock()
	c.cleanSession = clean
	c.mu.Unlock()
}

// KeepAlive returns the negotiated keep-alive interval in seconds.
func (c *ChannelContext) KeepAlive() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive
}

// SetKeepAlive records the keep-alive interval.
func (c *ChannelContext) SetKeepAlive(seconds uint16) {
	c.mu.Lock()
	c.keepAlive = seconds
	c.mu.Unlock()
}

// SessionStolen reports whether a takeover claimed this channel's
// session. Connection-lost handling uses it to suppress the will.
func (c *ChannelContext) SessionStolen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionStolen
}

// SetSessionStolen tags the channel during a takeover.
func (c *ChannelContext) SetSessionStolen(stolen bool) {
	c.mu.Lock()
	c.sessionStolen = stolen
	c.mu.Unlock()
}
