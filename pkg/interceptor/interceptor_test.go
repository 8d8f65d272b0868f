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

package interceptor

import (
	"testing"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"

	"github.com/oceanbus/ocean-go/pkg/topic"
)

type recordingHandler struct {
	NopHandler
	connected    []string
	disconnected []string
	published    []string
	subscribed   []string
	unsubscribed []string
}

func (r *recordingHandler) OnClientConnected(connect *packets.Packet) {
	r.connected = append(r.connected, connect.Connect.ClientIdentifier)
}

func (r *recordingHandler) OnClientDisconnected(clientID string) {
	r.disconnected = append(r.disconnected, clientID)
}

func (r *recordingHandler) OnTopicPublished(publish *packets.Packet, clientID string) {
	r.published = append(r.published, clientID+":"+publish.TopicName)
}

func (r *recordingHandler) OnTopicSubscribed(sub *topic.Subscription) {
	r.subscribed = append(r.subscribed, sub.ClientID+":"+sub.TopicFilter)
}

func (r *recordingHandler) OnTopicUnsubscribed(topicName, clientID string) {
	r.unsubscribed = append(r.unsubscribed, clientID+":"+topicName)
}

func TestInterceptorFanOut(t *testing.T) {
	first := &recordingHandler{}
	second := &recordingHandler{}
	ic := New(first)
	ic.AddHandler(second)

	connect := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect:     packets.ConnectParams{ClientIdentifier: "c1"},
	}
	ic.NotifyClientConnected(connect)
	ic.NotifyTopicPublished(&packets.Packet{TopicName: "t/x"}, "c1")
	ic.NotifyTopicSubscribed(&topic.Subscription{ClientID: "c1", TopicFilter: "t/#"})
	ic.NotifyTopicUnsubscribed("t/#", "c1")
	ic.NotifyClientDisconnected("c1")

	for _, r := range []*recordingHandler{first, second} {
		assert.Equal(t, []string{"c1"}, r.connected)
		assert.Equal(t, []string{"c1:t/x"}, r.published)
		assert.Equal(t, []string{"c1:t/#"}, r.subscribed)
		assert.Equal(t, []string{"c1:t/#"}, r.unsubscribed)
		assert.Equal(t, []string{"c1"}, r.disconnected)
	}
}

func TestNopHandlerIsSilent(t *testing.T) {
	ic := New(NopHandler{}, LoggingHandler{})
	// Exercising the nop paths must not panic.
	ic.NotifyClientConnected(&packets.Packet{})
	ic.NotifyClientDisconnected("c")
	ic.NotifyTopicPublished(&packets.Packet{TopicName: "t"}, "c")
}
