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
	"log"
	"strconv"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/oceanbus/ocean-go/pkg/metrics"
	"github.com/oceanbus/ocean-go/pkg/session"
	"github.com/oceanbus/ocean-go/pkg/storage/messages"
)

// asStoredMessage captures an inbound PUBLISH into the message-store
// representation, with its own copy of the payload.
func asStoredMessage(pk *packets.Packet, clientID string) *messages.StoredMessage {
	payload := make([]byte, len(pk.Payload))
	copy(payload, pk.Payload)
	return &messages.StoredMessage{
		ClientID: clientID,
		Topic:    pk.TopicName,
		QoS:      pk.FixedHeader.Qos,
		Payload:  payload,
		Retained: pk.FixedHeader.Retain,
		PacketID: pk.PacketID,
	}
}

// HandlePublish processes an inbound PUBLISH: initiate the QoS
// handshake, route to subscribers (QoS 0/1 now, QoS 2 on PUBREL),
// then apply retained handling.
func (p *Processor) HandlePublish(ch Channel, pk *packets.Packet) {
	clientID := ch.Context().ClientID()
	topicName := pk.TopicName
	qos := pk.FixedHeader.Qos
	log.Printf("[INFO] PUBLISH from client <%s> on topic <%s> with QoS %d", clientID, topicName, qos)
	metrics.PublishesReceived.WithLabelValues(strconv.Itoa(int(qos))).Inc()

	msg := asStoredMessage(pk, clientID)
	switch qos {
	case 0:
		p.routeToSubscribers(msg)
	case 1:
		// The PUBACK goes out before routing so a self-subscribed
		// publisher sees its ack ahead of the forwarded message.
		p.sendPubAck(ch, pk.PacketID)
		p.routeToSubscribers(msg)
	case 2:
		guid := p.messages.StorePublishForFuture(msg)
		if clientSession := p.sessions.SessionForClient(clientID); clientSession != nil {
			p.verifyToActivate(clientID, clientSession)
			clientSession.StoreInboundInflight(pk.PacketID, guid)
		} else {
			log.Printf("[WARN] QoS 2 PUBLISH from client <%s> without a session", clientID)
		}
		p.sendPubRec(ch, pk.PacketID)
		// Routing happens on PUBREL from the publisher.
	}

	if pk.FixedHeader.Retain {
		p.applyRetained(msg)
	}
	p.interceptor.NotifyTopicPublished(pk, clientID)
}

// applyRetained updates the retained map for a publish carrying the
// retain flag. A QoS 0 or empty-payload publish clears the entry; any
// other publish stores its body (if not already stored) and points the
// topic at it.
func (p *Processor) applyRetained(msg *messages.StoredMessage) {
	if msg.QoS == 0 || len(msg.Payload) == 0 {
		p.messages.CleanRetained(msg.Topic)
		return
	}
	guid := p.messages.StorePublishForFuture(msg)
	p.messages.StoreRetained(msg.Topic, guid)
}

// PublishInternal is the embedded-publish entry for the hosting
// application: no handshake phases, no interceptor notification.
func (p *Processor) PublishInternal(pk *packets.Packet) {
	qos := pk.FixedHeader.Qos
	log.Printf("[INFO] embedded PUBLISH on topic <%s> with QoS %d", pk.TopicName, qos)

	msg := asStoredMessage(pk, brokerSelfID)
	msg.PacketID = 1
	if qos == 2 {
		p.messages.StorePublishForFuture(msg)
	}
	p.routeToSubscribers(msg)

	if !pk.FixedHeader.Retain {
		return
	}
	p.applyRetained(msg)
}

// forwardPublishWill publishes a client's testament on abnormal
// disconnect. A QoS>0 will draws a packet id from the dead client's
// session.
func (p *Processor) forwardPublishWill(will *WillMessage, clientID string) {
	log.Printf("[INFO] Publishing will of client <%s> on topic <%s>", clientID, will.Topic)
	msg := &messages.StoredMessage{
		ClientID: clientID,
		Topic:    will.Topic,
		QoS:      will.QoS,
		Payload:  will.Payload,
		Retained: will.Retained,
	}
	if will.QoS > 0 {
		msg.PacketID = p.sessions.NextPacketID(clientID)
	}
	p.routeToSubscribers(msg)
	if will.Retained {
		p.applyRetained(msg)
	}
	metrics.WillsPublished.Inc()
}

// routeToSubscribers is the central dispatcher: match the topic against
// the subscription index and apply the per-subscriber dispatch matrix
// with QoS downgrade and offline queueing.
func (p *Processor) routeToSubscribers(msg *messages.StoredMessage) {
	publishingQos := msg.QoS

	// QoS 1/2 bodies are persisted once so offline queues and inflight
	// entries can reference them by guid.
	guid := ""
	if publishingQos >= 1 {
		guid = p.messages.StorePublishForFuture(msg)
	}

	for _, sub := range p.subscriptions.Matches(msg.Topic) {
		qos := publishingQos
		if sub.RequestedQoS < qos {
			qos = sub.RequestedQoS
		}
		targetSession := p.sessions.SessionForClient(sub.ClientID)
		if targetSession == nil {
			log.Printf("[WARN] Subscription for <%s> without a session, skipping", sub.ClientID)
			continue
		}
		p.verifyToActivate(sub.ClientID, targetSession)

		// Each subscriber gets its own copy of the payload.
		payload := make([]byte, len(msg.Payload))
		copy(payload, msg.Payload)

		log.Printf("[DEBUG] Routing to client <%s> topic <%s> qos %d, active %v",
			sub.ClientID, msg.Topic, qos, targetSession.IsActive())

		if qos == 0 {
			if targetSession.IsActive() {
				p.directSend(targetSession, msg.Topic, qos, payload, false, 0)
			} else {
				// QoS 0 is never stored per subscriber.
				metrics.MessagesDropped.Inc()
			}
			continue
		}

		switch {
		case !targetSession.IsActive() && !targetSession.IsCleanSession():
			targetSession.EnqueueToDeliver(guid)
		case targetSession.IsActive():
			packetID := targetSession.NextPacketID()
			targetSession.InFlightAckWaiting(guid, packetID)
			p.directSend(targetSession, msg.Topic, qos, payload, false, packetID)
		default:
			// Offline clean session: nothing to resume, drop.
			metrics.MessagesDropped.Inc()
		}
	}
}

// directSend writes a PUBLISH to a connected subscriber. A client that
// disconnected while routing was underway is a logged drop, not an
// error.
func (p *Processor) directSend(target *session.Session, topicName string, qos byte, payload []byte, retained bool, packetID uint16) {
	desc, ok := p.clients.Get(target.ClientID)
	if !ok {
		log.Printf("[WARN] No connection descriptor for client <%s>, dropping publish on <%s>",
			target.ClientID, topicName)
		metrics.MessagesDropped.Inc()
		return
	}

	pub := &packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retained,
		},
		TopicName: topicName,
		Payload:   payload,
	}
	if qos > 0 {
		pub.PacketID = packetID
	}
	if err := desc.Channel.WritePacket(pub); err != nil {
		log.Printf("[ERROR] Failed to write PUBLISH to client <%s>: %v", target.ClientID, err)
		return
	}
	metrics.MessagesRouted.Inc()
}

// HandlePubAck completes the first phase of an outbound QoS 1 publish.
func (p *Processor) HandlePubAck(ch Channel, pk *packets.Packet) {
	clientID := ch.Context().ClientID()
	targetSession := p.sessions.SessionForClient(clientID)
	if targetSession == nil {
		log.Printf("[WARN] PUBACK from client <%s> without a session", clientID)
		return
	}
	p.verifyToActivate(clientID, targetSession)
	targetSession.InFlightAcknowledged(pk.PacketID)
}

// HandlePubRec moves an outbound QoS 2 publish into its second phase
// and replies PUBREL.
func (p *Processor) HandlePubRec(ch Channel, pk *packets.Packet) {
	clientID := ch.Context().ClientID()
	targetSession := p.sessions.SessionForClient(clientID)
	if targetSession == nil {
		log.Printf("[WARN] PUBREC from client <%s> without a session", clientID)
		return
	}
	p.verifyToActivate(clientID, targetSession)
	targetSession.InFlightAcknowledged(pk.PacketID)
	targetSession.SecondPhaseAckWaiting(pk.PacketID)

	// PUBREL is framed with QoS 1 per MQTT 3.1.1.
	rel := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    pk.PacketID,
	}
	if err := ch.WritePacket(rel); err != nil {
		log.Printf("[ERROR] Failed to write PUBREL to client <%s>: %v", clientID, err)
	}
}

// HandlePubRel finishes a client-originated QoS 2 publish: route the
// stored message, apply retained handling, reply PUBCOMP.
func (p *Processor) HandlePubRel(ch Channel, pk *packets.Packet) {
	clientID := ch.Context().ClientID()
	log.Printf("[DEBUG] PUBREL from client <%s> for packet id %d", clientID, pk.PacketID)
	targetSession := p.sessions.SessionForClient(clientID)
	if targetSession == nil {
		log.Printf("[WARN] PUBREL from client <%s> without a session", clientID)
		return
	}
	p.verifyToActivate(clientID, targetSession)

	if msg := targetSession.StoredMessage(pk.PacketID); msg != nil {
		p.routeToSubscribers(msg)
		if msg.Retained {
			p.applyRetained(msg)
		}
	} else {
		// A redelivered PUBREL for an already-routed id still gets its
		// PUBCOMP.
		log.Printf("[WARN] PUBREL from client <%s> for unknown packet id %d", clientID, pk.PacketID)
	}
	p.sendPubComp(ch, pk.PacketID)
}

// HandlePubComp completes the QoS 2 handshake for an outbound publish.
func (p *Processor) HandlePubComp(ch Channel, pk *packets.Packet) {
	clientID := ch.Context().ClientID()
	targetSession := p.sessions.SessionForClient(clientID)
	if targetSession == nil {
		log.Printf("[WARN] PUBCOMP from client <%s> without a session", clientID)
		return
	}
	p.verifyToActivate(clientID, targetSession)
	targetSession.SecondPhaseAcknowledged(pk.PacketID)
}

func (p *Processor) sendPubAck(ch Channel, packetID uint16) {
	resp := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Puback},
		PacketID:    packetID,
	}
	if err := ch.WritePacket(resp); err != nil {
		log.Printf("[ERROR] Failed to write PUBACK: %v", err)
	}
}

func (p *Processor) sendPubRec(ch Channel, packetID uint16) {
	resp := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
		PacketID:    packetID,
	}
	if err := ch.WritePacket(resp); err != nil {
		log.Printf("[ERROR] Failed to write PUBREC: %v", err)
	}
}

func (p *Processor) sendPubComp(ch Channel, packetID uint16) {
	resp := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
		PacketID:    packetID,
	}
	if err := ch.WritePacket(resp); err != nil {
		log.Printf("[ERROR] Failed to write PUBCOMP: %v", err)
	}
}
