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

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/oceanbus/ocean-go/pkg/topic"
)

// subackFailure is the SUBACK reason entry for a rejected filter.
const subackFailure byte = 0x80

// HandleSubscribe registers each requested filter on the session,
// replies SUBACK with the granted QoS (or failure) per filter, then
// replays retained messages to the accepted subscriptions.
func (p *Processor) HandleSubscribe(ch Channel, pk *packets.Packet) {
	clientID := ch.Context().ClientID()
	log.Printf("[DEBUG] SUBSCRIBE client <%s> packet id %d", clientID, pk.PacketID)

	clientSession := p.sessions.SessionForClient(clientID)
	if clientSession == nil {
		log.Printf("[WARN] SUBSCRIBE from client <%s> without a session", clientID)
		ch.Close()
		return
	}
	p.verifyToActivate(clientID, clientSession)

	reasonCodes := make([]byte, 0, len(pk.Filters))
	var accepted []*topic.Subscription
	for _, filter := range pk.Filters {
		sub := &topic.Subscription{
			ClientID:     clientID,
			TopicFilter:  filter.Filter,
			RequestedQoS: filter.Qos,
		}
		if clientSession.Subscribe(filter.Filter, sub) {
			reasonCodes = append(reasonCodes, filter.Qos)
			accepted = append(accepted, sub)
		} else {
			reasonCodes = append(reasonCodes, subackFailure)
		}
	}

	// SUBACK goes out before the retained replay.
	resp := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    pk.PacketID,
		ReasonCodes: reasonCodes,
	}
	if err := ch.WritePacket(resp); err != nil {
		log.Printf("[ERROR] Failed to write SUBACK to client <%s>: %v", clientID, err)
	}

	for _, sub := range accepted {
		p.subscribeSingleTopic(sub)
	}
}

// subscribeSingleTopic adds the subscription to the index and replays
// the retained messages matching its filter, QoS downgraded to the
// lower of stored and requested.
func (p *Processor) subscribeSingleTopic(newSub *topic.Subscription) {
	p.subscriptions.Add(newSub)

	retained := p.messages.SearchMatching(func(topicName string) bool {
		return topic.MatchTopics(topicName, newSub.TopicFilter)
	})

	targetSession := p.sessions.SessionForClient(newSub.ClientID)
	if targetSession == nil {
		log.Printf("[WARN] Retained replay for <%s> without a session", newSub.ClientID)
		p.interceptor.NotifyTopicSubscribed(newSub)
		return
	}
	p.verifyToActivate(newSub.ClientID, targetSession)

	for _, msg := range retained {
		qos := msg.QoS
		if newSub.RequestedQoS < qos {
			qos = newSub.RequestedQoS
		}
		payload := make([]byte, len(msg.Payload))
		copy(payload, msg.Payload)

		var packetID uint16
		if qos > 0 {
			packetID = targetSession.NextPacketID()
		}
		log.Printf("[DEBUG] Replaying retained message on <%s> to client <%s>", msg.Topic, newSub.ClientID)
		p.directSend(targetSession, msg.Topic, qos, payload, true, packetID)
	}

	p.interceptor.NotifyTopicSubscribed(newSub)
}

// HandleUnsubscribe removes each filter from the index and the session.
// Any invalid filter is a protocol violation and closes the channel.
// Unknown filters silently succeed.
func (p *Processor) HandleUnsubscribe(ch Channel, pk *packets.Packet) {
	clientID := ch.Context().ClientID()
	log.Printf("[DEBUG] UNSUBSCRIBE client <%s> packet id %d", clientID, pk.PacketID)

	for _, filter := range pk.Filters {
		if !topic.Validate(filter.Filter) {
			log.Printf("[WARN] UNSUBSCRIBE with invalid topic filter <%s> from client <%s>", filter.Filter, clientID)
			ch.Close()
			return
		}
	}

	clientSession := p.sessions.SessionForClient(clientID)
	p.verifyToActivate(clientID, clientSession)
	for _, filter := range pk.Filters {
		p.subscriptions.RemoveSubscription(filter.Filter, clientID)
		if clientSession != nil {
			clientSession.UnsubscribeFrom(filter.Filter)
		}
		p.interceptor.NotifyTopicUnsubscribed(filter.Filter, clientID)
	}

	resp := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
		PacketID:    pk.PacketID,
	}
	if err := ch.WritePacket(resp); err != nil {
		log.Printf("[ERROR] Failed to write UNSUBACK to client <%s>: %v", clientID, err)
	}
}
