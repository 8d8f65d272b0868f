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

// package broker contains the MQTT protocol processor: the broker-side
// state machine driven once per inbound packet. It owns the
// connected-clients and will registries and delegates durable state to
// the message store, the sessions store and the subscription index.
package broker

import (
	"errors"
	"log"
	"math"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/oceanbus/ocean-go/pkg/auth"
	"github.com/oceanbus/ocean-go/pkg/interceptor"
	"github.com/oceanbus/ocean-go/pkg/metrics"
	"github.com/oceanbus/ocean-go/pkg/session"
	"github.com/oceanbus/ocean-go/pkg/storage/messages"
	"github.com/oceanbus/ocean-go/pkg/topic"
)

// brokerSelfID marks embedded publishes originated by the hosting
// application rather than a connected client.
const brokerSelfID = "BROKER_SELF"

// Processor drives the MQTT state machine for every connected client.
// Handlers for distinct channels may run concurrently; the transport
// serializes handlers per channel. The processor itself never blocks.
type Processor struct {
	clients        *connectedClients
	wills          *willRegistry
	subscriptions  *topic.Store
	messages       messages.Store
	sessions       session.Store
	authService    auth.Service
	allowAnonymous bool
	interceptor    *interceptor.Interceptor
}

// Options configures a Processor.
type Options struct {
	Subscriptions  *topic.Store
	Messages       messages.Store
	Sessions       session.Store
	AuthService    auth.Service
	AllowAnonymous bool
	Interceptor    *interceptor.Interceptor
}

// NewProcessor wires a Processor to its collaborators.
func NewProcessor(opts Options) *Processor {
	ic := opts.Interceptor
	if ic == nil {
		ic = interceptor.New()
	}
	return &Processor{
		clients:        newConnectedClients(),
		wills:          newWillRegistry(),
		subscriptions:  opts.Subscriptions,
		messages:       opts.Messages,
		sessions:       opts.Sessions,
		authService:    opts.AuthService,
		allowAnonymous: opts.AllowAnonymous,
		interceptor:    ic,
	}
}

// ConnectedClients reports the number of registered connections.
func (p *Processor) ConnectedClients() int {
	return p.clients.Len()
}

// HandleConnect runs the CONNECT acceptance sequence: protocol version,
// client id, credentials, takeover, registration, will capture, session
// materialization, CONNACK and offline-queue replay.
func (p *Processor) HandleConnect(ch Channel, pk *packets.Packet) {
	clientID := pk.Connect.ClientIdentifier
	log.Printf("[DEBUG] CONNECT for client <%s>", clientID)

	if pk.ProtocolVersion != 3 && pk.ProtocolVersion != 4 {
		log.Printf("[WARN] CONNECT with unacceptable protocol version %d", pk.ProtocolVersion)
		p.writeConnack(ch, packets.Err3UnsupportedProtocolVersion.Code, false)
		ch.Close()
		return
	}

	if clientID == "" {
		log.Printf("[WARN] CONNECT with empty client id rejected")
		p.writeConnack(ch, packets.Err3ClientIdentifierNotValid.Code, false)
		ch.Close()
		return
	}

	if !p.checkCredentials(ch, pk) {
		return
	}

	// Takeover: a second CONNECT for a connected id steals the session
	// and forces the prior channel closed. The old channel's
	// connection-lost must not publish the will.
	if oldDesc, ok := p.clients.Get(clientID); ok {
		log.Printf("[INFO] Existing connection with client id <%s>, forcing takeover", clientID)
		if oldSession := p.sessions.SessionForClient(clientID); oldSession != nil {
			oldSession.Disconnect()
		}
		oldDesc.Channel.Context().SetSessionStolen(true)
		oldDesc.Channel.Close()
		metrics.SessionTakeovers.Inc()
	}

	cleanSession := pk.Connect.Clean
	p.clients.Put(&ConnectionDescriptor{
		ClientID:     clientID,
		Channel:      ch,
		CleanSession: cleanSession,
	})
	metrics.ConnectedClients.Set(float64(p.clients.Len()))

	ctx := ch.Context()
	ctx.SetClientID(clientID)
	ctx.SetCleanSession(cleanSession)
	ctx.SetKeepAlive(pk.Connect.Keepalive)
	ch.SetIdleTimeout(idleSeconds(pk.Connect.Keepalive))

	if pk.Connect.WillFlag {
		payload := make([]byte, len(pk.Connect.WillPayload))
		copy(payload, pk.Connect.WillPayload)
		p.wills.Put(clientID, &WillMessage{
			Topic:    pk.Connect.WillTopic,
			Payload:  payload,
			Retained: pk.Connect.WillRetain,
			QoS:      pk.Connect.WillQos,
		})
	} else {
		// A will left by a taken-over connection does not carry over.
		p.wills.Remove(clientID)
	}

	clientSession := p.sessions.SessionForClient(clientID)
	sessionPresent := clientSession != nil && !cleanSession
	if clientSession != nil {
		clientSession.SetClean(cleanSession)
	}
	p.writeConnack(ch, packets.CodeSuccess.Code, sessionPresent)
	p.interceptor.NotifyClientConnected(pk)

	if clientSession == nil {
		log.Printf("[INFO] Create persistent session for client <%s>", clientID)
		clientSession = p.sessions.CreateNewSession(clientID, cleanSession)
	}
	clientSession.Activate()
	if cleanSession {
		clientSession.Clear()
		p.subscriptions.RemoveForClient(clientID)
	}
	log.Printf("[INFO] Connected client <%s> with clean session %v", clientID, cleanSession)
	if !cleanSession {
		p.republishStoredInSession(clientSession)
	}
}

// checkCredentials applies step 3 of the acceptance sequence. It
// reports whether the CONNECT may proceed.
func (p *Processor) checkCredentials(ch Channel, pk *packets.Packet) bool {
	if pk.Connect.UsernameFlag {
		// A username without a password is a malformed CONNECT; never
		// hand a missing password to the auth backend.
		if !pk.Connect.PasswordFlag {
			log.Printf("[WARN] CONNECT with username but no password rejected")
			p.failedCredentials(ch)
			return false
		}
		username := string(pk.Connect.Username)
		if err := p.login(username, string(pk.Connect.Password)); err != nil {
			log.Printf("[WARN] Authentication failed for user <%s>", username)
			p.failedCredentials(ch)
			ch.Close()
			return false
		}
		ch.Context().SetUsername(username)
		return true
	}
	if !p.allowAnonymous {
		log.Printf("[WARN] Anonymous CONNECT rejected")
		p.failedCredentials(ch)
		return false
	}
	return true
}

// login shields the processor from a panicking auth backend; any
// backend failure is a credential failure.
func (p *Processor) login(username, password string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] Auth service panic for user <%s>: %v", username, r)
			err = auth.ErrBadCredentials
		}
	}()
	if p.authService == nil {
		return errors.New("no auth service configured")
	}
	return p.authService.Login(username, password)
}

func (p *Processor) failedCredentials(ch Channel) {
	p.writeConnack(ch, packets.ErrMalformedUsernameOrPassword.Code, false)
}

func (p *Processor) writeConnack(ch Channel, code byte, sessionPresent bool) {
	resp := &packets.Packet{
		FixedHeader:    packets.FixedHeader{Type: packets.Connack},
		ReasonCode:     code,
		SessionPresent: sessionPresent,
	}
	if err := ch.WritePacket(resp); err != nil {
		log.Printf("[ERROR] Failed to write CONNACK: %v", err)
	}
}

// idleSeconds computes the channel idle timeout from the keep-alive
// interval. Zero keep-alive disables the timeout.
func idleSeconds(keepAlive uint16) int {
	if keepAlive == 0 {
		return 0
	}
	return int(math.Ceil(float64(keepAlive) * 1.5))
}

// republishStoredInSession drains the offline queue of a resumed
// session as direct QoS>0 sends, dequeuing each message by guid as it
// is dispatched.
func (p *Processor) republishStoredInSession(clientSession *session.Session) {
	stored := clientSession.StoredMessages()
	if len(stored) == 0 {
		log.Printf("[INFO] No stored messages for client <%s>", clientSession.ClientID)
		return
	}

	log.Printf("[INFO] Republishing %d stored messages to client <%s>", len(stored), clientSession.ClientID)
	for _, msg := range stored {
		packetID := clientSession.NextPacketID()
		clientSession.InFlightAckWaiting(msg.GUID, packetID)
		p.directSend(clientSession, msg.Topic, msg.QoS, msg.Payload, false, packetID)
		clientSession.RemoveEnqueued(msg.GUID)
	}
}

// HandleDisconnect processes a graceful DISCONNECT: the will is
// discarded, the registry entry dropped and the channel closed.
func (p *Processor) HandleDisconnect(ch Channel) {
	ctx := ch.Context()
	clientID := ctx.ClientID()
	cleanSession := ctx.CleanSession()
	log.Printf("[INFO] DISCONNECT client <%s> with clean session %v", clientID, cleanSession)

	if clientSession := p.sessions.SessionForClient(clientID); clientSession != nil {
		clientSession.Disconnect()
		if cleanSession {
			clientSession.Clear()
			p.subscriptions.RemoveForClient(clientID)
		}
	}

	p.clients.Remove(clientID)
	metrics.ConnectedClients.Set(float64(p.clients.Len()))
	ch.Close()
	p.wills.Remove(clientID)
	p.interceptor.NotifyClientDisconnected(clientID)
}

// HandleConnectionLost processes an abnormal connection drop. The
// registry entry is removed only while it still points at the lost
// channel, so a takeover that already swapped it is left alone. A
// stolen channel suppresses the will; otherwise a pending will is
// published.
func (p *Processor) HandleConnectionLost(clientID string, sessionStolen bool, ch Channel) {
	if clientID == "" {
		return
	}
	p.clients.RemoveIfChannel(clientID, ch)
	metrics.ConnectedClients.Set(float64(p.clients.Len()))

	if sessionStolen {
		// The new connection owns the session now; do not touch its
		// subscriptions and never publish the will.
		if clientSession := p.sessions.SessionForClient(clientID); clientSession != nil {
			clientSession.Deactivate()
		}
		log.Printf("[INFO] Lost connection with client <%s> after takeover", clientID)
		return
	}

	if will, ok := p.wills.Get(clientID); ok {
		p.forwardPublishWill(will, clientID)
		p.wills.Remove(clientID)
	}

	if clientSession := p.sessions.SessionForClient(clientID); clientSession != nil {
		clientSession.Deactivate()
		if clientSession.IsCleanSession() {
			clientSession.Clear()
			p.subscriptions.RemoveForClient(clientID)
		}
	}
	log.Printf("[INFO] Lost connection with client <%s>", clientID)
}

// verifyToActivate re-activates a session whose client is still in the
// connected registry. Ack handlers call it so a session deactivated by
// a stale connection-lost heals on the next packet.
func (p *Processor) verifyToActivate(clientID string, clientSession *session.Session) {
	if clientSession == nil {
		return
	}
	if _, ok := p.clients.Get(clientID); ok {
		clientSession.Activate()
	}
}
