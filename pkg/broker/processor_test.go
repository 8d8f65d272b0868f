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
	"testing"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbus/ocean-go/pkg/auth"
	"github.com/oceanbus/ocean-go/pkg/interceptor"
	"github.com/oceanbus/ocean-go/pkg/session"
	"github.com/oceanbus/ocean-go/pkg/storage/messages"
	"github.com/oceanbus/ocean-go/pkg/topic"
)

// fakeChannel records everything the processor writes.
type fakeChannel struct {
	mu      sync.Mutex
	ctx     ChannelContext
	written []*packets.Packet
	closed  bool
	idle    int
}

func (c *fakeChannel) WritePacket(pk *packets.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, pk)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) SetIdleTimeout(seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = seconds
}

func (c *fakeChannel) Context() *ChannelContext { return &c.ctx }

func (c *fakeChannel) packets() []*packets.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*packets.Packet, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeChannel) packetsOfType(t byte) []*packets.Packet {
	var out []*packets.Packet
	for _, pk := range c.packets() {
		if pk.FixedHeader.Type == t {
			out = append(out, pk)
		}
	}
	return out
}

func (c *fakeChannel) lastPacket() *packets.Packet {
	pks := c.packets()
	if len(pks) == 0 {
		return nil
	}
	return pks[len(pks)-1]
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type testBroker struct {
	processor *Processor
	messages  *messages.MemoryStore
	sessions  *session.MemoryStore
	index     *topic.Store
	events    *recordingInterceptor
}

type recordingInterceptor struct {
	interceptor.NopHandler
	mu        sync.Mutex
	connected []string
	published []string
}

func (r *recordingInterceptor) OnClientConnected(connect *packets.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, connect.Connect.ClientIdentifier)
}

func (r *recordingInterceptor) OnTopicPublished(publish *packets.Packet, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, clientID+":"+publish.TopicName)
}

func newTestBroker(t *testing.T, allowAnonymous bool) *testBroker {
	t.Helper()
	msgs := messages.NewMemoryStore()
	sessions := session.NewMemoryStore(msgs, nil)
	index := topic.NewStore()
	events := &recordingInterceptor{}
	authService := auth.NewMemoryService()
	require.NoError(t, authService.AddUser("alice", "secret", auth.HashPlain))

	p := NewProcessor(Options{
		Subscriptions:  index,
		Messages:       msgs,
		Sessions:       sessions,
		AuthService:    authService,
		AllowAnonymous: allowAnonymous,
		Interceptor:    interceptor.New(events),
	})
	return &testBroker{processor: p, messages: msgs, sessions: sessions, index: index, events: events}
}

func connectPacket(clientID string, clean bool) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: 4,
		Connect: packets.ConnectParams{
			ClientIdentifier: clientID,
			Clean:            clean,
			Keepalive:        30,
		},
	}
}

func publishPacket(topicName string, qos byte, packetID uint16, payload []byte, retain bool) *packets.Packet {
	return &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: qos, Retain: retain},
		TopicName:   topicName,
		PacketID:    packetID,
		Payload:     payload,
	}
}

func subscribePacket(packetID uint16, filters ...packets.Subscription) *packets.Packet {
	return &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe},
		PacketID:    packetID,
		Filters:     filters,
	}
}

// connect runs a successful CONNECT and returns the channel.
func (tb *testBroker) connect(t *testing.T, clientID string, clean bool) *fakeChannel {
	t.Helper()
	ch := &fakeChannel{}
	tb.processor.HandleConnect(ch, connectPacket(clientID, clean))
	connack := ch.packetsOfType(packets.Connack)
	require.Len(t, connack, 1)
	require.Equal(t, packets.CodeSuccess.Code, connack[0].ReasonCode)
	return ch
}

// subscribe runs a SUBSCRIBE for one filter and asserts it was granted.
func (tb *testBroker) subscribe(t *testing.T, ch *fakeChannel, filter string, qos byte) {
	t.Helper()
	tb.processor.HandleSubscribe(ch, subscribePacket(10, packets.Subscription{Filter: filter, Qos: qos}))
	subacks := ch.packetsOfType(packets.Suback)
	require.NotEmpty(t, subacks)
	require.Equal(t, []byte{qos}, subacks[len(subacks)-1].ReasonCodes)
}

func TestConnectAccepted(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := tb.connect(t, "c1", true)

	assert.Equal(t, "c1", ch.Context().ClientID())
	assert.True(t, ch.Context().CleanSession())
	assert.Equal(t, 45, ch.idle) // ceil(30 * 1.5)
	assert.Equal(t, 1, tb.processor.ConnectedClients())
	assert.Equal(t, []string{"c1"}, tb.events.connected)
	assert.False(t, ch.lastPacket().SessionPresent)
}

func TestConnectZeroKeepAliveDisablesIdle(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := &fakeChannel{}
	pk := connectPacket("c1", true)
	pk.Connect.Keepalive = 0
	tb.processor.HandleConnect(ch, pk)
	assert.Equal(t, 0, ch.idle)
}

func TestConnectBadProtocolVersion(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := &fakeChannel{}
	pk := connectPacket("c1", true)
	pk.ProtocolVersion = 5
	tb.processor.HandleConnect(ch, pk)

	require.Len(t, ch.packets(), 1)
	assert.Equal(t, packets.Err3UnsupportedProtocolVersion.Code, ch.lastPacket().ReasonCode)
	assert.True(t, ch.isClosed())
	assert.Equal(t, 0, tb.processor.ConnectedClients())
}

func TestConnectEmptyClientID(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := &fakeChannel{}
	tb.processor.HandleConnect(ch, connectPacket("", true))

	assert.Equal(t, packets.Err3ClientIdentifierNotValid.Code, ch.lastPacket().ReasonCode)
	assert.True(t, ch.isClosed())
	// The connected notification must not fire for a rejected id.
	assert.Empty(t, tb.events.connected)
}

func TestConnectAnonymousDisallowed(t *testing.T) {
	tb := newTestBroker(t, false)
	ch := &fakeChannel{}
	tb.processor.HandleConnect(ch, connectPacket("c1", true))

	assert.Equal(t, packets.ErrMalformedUsernameOrPassword.Code, ch.lastPacket().ReasonCode)
	assert.Equal(t, 0, tb.processor.ConnectedClients())
}

func TestConnectCredentials(t *testing.T) {
	tb := newTestBroker(t, false)

	good := &fakeChannel{}
	pk := connectPacket("c1", true)
	pk.Connect.UsernameFlag = true
	pk.Connect.Username = []byte("alice")
	pk.Connect.PasswordFlag = true
	pk.Connect.Password = []byte("secret")
	tb.processor.HandleConnect(good, pk)
	assert.Equal(t, packets.CodeSuccess.Code, good.lastPacket().ReasonCode)
	assert.Equal(t, "alice", good.Context().Username())

	bad := &fakeChannel{}
	pk = connectPacket("c2", true)
	pk.Connect.UsernameFlag = true
	pk.Connect.Username = []byte("alice")
	pk.Connect.PasswordFlag = true
	pk.Connect.Password = []byte("wrong")
	tb.processor.HandleConnect(bad, pk)
	assert.Equal(t, packets.ErrMalformedUsernameOrPassword.Code, bad.lastPacket().ReasonCode)
	assert.True(t, bad.isClosed())
}

func TestConnectUsernameWithoutPassword(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := &fakeChannel{}
	pk := connectPacket("c1", true)
	pk.Connect.UsernameFlag = true
	pk.Connect.Username = []byte("alice")
	tb.processor.HandleConnect(ch, pk)

	assert.Equal(t, packets.ErrMalformedUsernameOrPassword.Code, ch.lastPacket().ReasonCode)
	assert.Equal(t, 0, tb.processor.ConnectedClients())
}

func TestSessionPresentOnReconnect(t *testing.T) {
	tb := newTestBroker(t, true)
	ch1 := tb.connect(t, "c1", false)
	tb.processor.HandleDisconnect(ch1)

	ch2 := &fakeChannel{}
	tb.processor.HandleConnect(ch2, connectPacket("c1", false))
	assert.True(t, ch2.lastPacket().SessionPresent)

	// A clean reconnect must not report a stored session.
	tb.processor.HandleDisconnect(ch2)
	ch3 := &fakeChannel{}
	tb.processor.HandleConnect(ch3, connectPacket("c1", true))
	assert.False(t, ch3.lastPacket().SessionPresent)
}

func TestTakeover(t *testing.T) {
	tb := newTestBroker(t, true)
	subscriber := tb.connect(t, "watcher", true)
	tb.subscribe(t, subscriber, "e/#", 1)

	ch1 := &fakeChannel{}
	pk := connectPacket("X", false)
	pk.Connect.WillFlag = true
	pk.Connect.WillTopic = "e/bye"
	pk.Connect.WillPayload = []byte("down")
	pk.Connect.WillQos = 1
	tb.processor.HandleConnect(ch1, pk)

	ch2 := &fakeChannel{}
	tb.processor.HandleConnect(ch2, connectPacket("X", false))

	assert.True(t, ch1.isClosed())
	assert.True(t, ch1.Context().SessionStolen())
	desc, ok := tb.processor.clients.Get("X")
	require.True(t, ok)
	assert.Same(t, Channel(ch2), desc.Channel)

	// The stolen channel's connection-lost must not publish the will.
	tb.processor.HandleConnectionLost("X", ch1.Context().SessionStolen(), ch1)
	assert.Empty(t, subscriber.packetsOfType(packets.Publish))
	// The watcher and X (still registered on ch2) remain connected.
	assert.Equal(t, 2, tb.processor.ConnectedClients())
}

func TestQoS0Fanout(t *testing.T) {
	tb := newTestBroker(t, true)
	chA := tb.connect(t, "A", true)
	chB := tb.connect(t, "B", true)
	chC := tb.connect(t, "C", true)
	tb.subscribe(t, chA, "sensors/+/temp", 1)
	tb.subscribe(t, chB, "sensors/+/temp", 0)

	tb.processor.HandlePublish(chC, publishPacket("sensors/kitchen/temp", 0, 0, []byte("22"), false))

	for _, ch := range []*fakeChannel{chA, chB} {
		pubs := ch.packetsOfType(packets.Publish)
		require.Len(t, pubs, 1)
		assert.Equal(t, byte(0), pubs[0].FixedHeader.Qos)
		assert.Equal(t, []byte("22"), pubs[0].Payload)
	}
	// No PUBACK to the publisher and no retained entry.
	assert.Empty(t, chC.packetsOfType(packets.Puback))
	assert.Equal(t, 0, tb.messages.RetainedCount())
}

func TestQoS1PubAckBeforeForward(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := tb.connect(t, "self", true)
	tb.subscribe(t, ch, "t/#", 1)

	tb.processor.HandlePublish(ch, publishPacket("t/x", 1, 21, []byte("hi"), false))

	// The publisher is also the subscriber: PUBACK must precede the
	// forwarded PUBLISH on the same channel.
	var sawAck bool
	for _, pk := range ch.packets() {
		if pk.FixedHeader.Type == packets.Puback {
			assert.Equal(t, uint16(21), pk.PacketID)
			sawAck = true
		}
		if pk.FixedHeader.Type == packets.Publish {
			assert.True(t, sawAck, "PUBACK must be written before the forwarded PUBLISH")
		}
	}
	assert.True(t, sawAck)
}

func TestQoS1DowngradeToSubscriberQoS(t *testing.T) {
	tb := newTestBroker(t, true)
	chA := tb.connect(t, "A", true)
	chC := tb.connect(t, "C", true)
	tb.subscribe(t, chA, "t/x", 0)

	tb.processor.HandlePublish(chC, publishPacket("t/x", 1, 5, []byte("m"), false))

	pubs := chA.packetsOfType(packets.Publish)
	require.Len(t, pubs, 1)
	assert.Equal(t, byte(0), pubs[0].FixedHeader.Qos)
}

func TestQoS2Handshake(t *testing.T) {
	tb := newTestBroker(t, true)
	chSub := tb.connect(t, "sub", true)
	chC := tb.connect(t, "C", true)
	tb.subscribe(t, chSub, "t/x", 2)

	tb.processor.HandlePublish(chC, publishPacket("t/x", 2, 7, []byte("hi"), false))

	// PUBREC to the publisher, no fan-out yet.
	recs := chC.packetsOfType(packets.Pubrec)
	require.Len(t, recs, 1)
	assert.Equal(t, uint16(7), recs[0].PacketID)
	assert.Empty(t, chSub.packetsOfType(packets.Publish))

	tb.processor.HandlePubRel(chC, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    7,
	})

	pubs := chSub.packetsOfType(packets.Publish)
	require.Len(t, pubs, 1)
	assert.Equal(t, byte(2), pubs[0].FixedHeader.Qos)
	assert.Equal(t, []byte("hi"), pubs[0].Payload)

	comps := chC.packetsOfType(packets.Pubcomp)
	require.Len(t, comps, 1)
	assert.Equal(t, uint16(7), comps[0].PacketID)

	// A redelivered PUBREL is acknowledged but does not re-route.
	tb.processor.HandlePubRel(chC, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    7,
	})
	assert.Len(t, chSub.packetsOfType(packets.Publish), 1)
	assert.Len(t, chC.packetsOfType(packets.Pubcomp), 2)
}

func TestOutboundQoS2SecondPhase(t *testing.T) {
	tb := newTestBroker(t, true)
	chSub := tb.connect(t, "sub", true)
	chC := tb.connect(t, "C", true)
	tb.subscribe(t, chSub, "t/x", 2)

	tb.processor.HandlePublish(chC, publishPacket("t/x", 2, 7, []byte("hi"), false))
	tb.processor.HandlePubRel(chC, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    7,
	})

	pubs := chSub.packetsOfType(packets.Publish)
	require.Len(t, pubs, 1)
	packetID := pubs[0].PacketID

	subSession := tb.sessions.SessionForClient("sub")
	require.NotNil(t, subSession)
	assert.Equal(t, 1, subSession.InflightCount())

	// Subscriber acknowledges with PUBREC; the broker replies PUBREL.
	tb.processor.HandlePubRec(chSub, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
		PacketID:    packetID,
	})
	assert.Equal(t, 0, subSession.InflightCount())
	rels := chSub.packetsOfType(packets.Pubrel)
	require.Len(t, rels, 1)
	assert.Equal(t, packetID, rels[0].PacketID)
	assert.Equal(t, byte(1), rels[0].FixedHeader.Qos)

	tb.processor.HandlePubComp(chSub, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
		PacketID:    packetID,
	})
}

func TestRetainedClear(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := tb.connect(t, "C", true)

	tb.processor.HandlePublish(ch, publishPacket("t/r", 1, 1, []byte("v1"), true))
	assert.Equal(t, 1, tb.messages.RetainedCount())

	tb.processor.HandlePublish(ch, publishPacket("t/r", 1, 2, nil, true))
	assert.Equal(t, 0, tb.messages.RetainedCount())

	// A retained QoS 0 publish clears as well.
	tb.processor.HandlePublish(ch, publishPacket("t/r", 1, 3, []byte("v2"), true))
	tb.processor.HandlePublish(ch, publishPacket("t/r", 0, 0, []byte("x"), true))
	assert.Equal(t, 0, tb.messages.RetainedCount())
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	tb := newTestBroker(t, true)
	chC := tb.connect(t, "C", true)
	tb.processor.HandlePublish(chC, publishPacket("a/b", 2, 9, []byte("p"), true))
	tb.processor.HandlePubRel(chC, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    9,
	})

	chD := tb.connect(t, "D", true)
	tb.processor.HandleSubscribe(chD, subscribePacket(11, packets.Subscription{Filter: "a/#", Qos: 1}))

	pks := chD.packets()
	require.Len(t, pks, 3) // CONNACK, SUBACK, retained PUBLISH
	assert.Equal(t, byte(packets.Suback), pks[1].FixedHeader.Type)
	assert.Equal(t, []byte{1}, pks[1].ReasonCodes)

	pub := pks[2]
	assert.Equal(t, byte(packets.Publish), pub.FixedHeader.Type)
	assert.True(t, pub.FixedHeader.Retain)
	assert.Equal(t, byte(1), pub.FixedHeader.Qos) // downgraded from stored QoS 2
	assert.Equal(t, "a/b", pub.TopicName)
	assert.Equal(t, []byte("p"), pub.Payload)
	assert.NotZero(t, pub.PacketID)
}

func TestSubscribeInvalidFilterYieldsFailureCode(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := tb.connect(t, "c1", true)

	tb.processor.HandleSubscribe(ch, subscribePacket(12,
		packets.Subscription{Filter: "ok/+", Qos: 1},
		packets.Subscription{Filter: "bad/#/x", Qos: 1},
	))

	subacks := ch.packetsOfType(packets.Suback)
	require.Len(t, subacks, 1)
	assert.Equal(t, []byte{1, 0x80}, subacks[0].ReasonCodes)
}

func TestWillOnConnectionLost(t *testing.T) {
	tb := newTestBroker(t, true)
	chF := tb.connect(t, "F", true)
	tb.subscribe(t, chF, "e/#", 1)

	chE := &fakeChannel{}
	pk := connectPacket("E", true)
	pk.Connect.WillFlag = true
	pk.Connect.WillTopic = "e/bye"
	pk.Connect.WillPayload = []byte("down")
	pk.Connect.WillQos = 1
	tb.processor.HandleConnect(chE, pk)

	tb.processor.HandleConnectionLost("E", false, chE)

	pubs := chF.packetsOfType(packets.Publish)
	require.Len(t, pubs, 1)
	assert.Equal(t, "e/bye", pubs[0].TopicName)
	assert.Equal(t, byte(1), pubs[0].FixedHeader.Qos)
	assert.Equal(t, []byte("down"), pubs[0].Payload)
	assert.NotZero(t, pubs[0].PacketID)

	_, hasWill := tb.processor.wills.Get("E")
	assert.False(t, hasWill)

	// A second connection-lost (stale event) publishes nothing more.
	tb.processor.HandleConnectionLost("E", false, chE)
	assert.Len(t, chF.packetsOfType(packets.Publish), 1)
}

func TestGracefulDisconnectSuppressesWill(t *testing.T) {
	tb := newTestBroker(t, true)
	chF := tb.connect(t, "F", true)
	tb.subscribe(t, chF, "e/#", 1)

	chE := &fakeChannel{}
	pk := connectPacket("E", true)
	pk.Connect.WillFlag = true
	pk.Connect.WillTopic = "e/bye"
	pk.Connect.WillPayload = []byte("down")
	tb.processor.HandleConnect(chE, pk)

	tb.processor.HandleDisconnect(chE)
	tb.processor.HandleConnectionLost("E", false, chE)

	assert.Empty(t, chF.packetsOfType(packets.Publish))
	assert.True(t, chE.isClosed())
}

func TestOfflineQueueReplayOnReconnect(t *testing.T) {
	tb := newTestBroker(t, true)
	chSub := tb.connect(t, "S", false)
	tb.subscribe(t, chSub, "q/#", 1)
	tb.processor.HandleConnectionLost("S", false, chSub)

	chPub := tb.connect(t, "P", true)
	tb.processor.HandlePublish(chPub, publishPacket("q/1", 1, 4, []byte("offline"), false))

	// Nothing was written to the dead channel.
	assert.Empty(t, chSub.packetsOfType(packets.Publish))
	sess := tb.sessions.SessionForClient("S")
	require.NotNil(t, sess)
	require.Len(t, sess.StoredMessages(), 1)

	chSub2 := &fakeChannel{}
	tb.processor.HandleConnect(chSub2, connectPacket("S", false))

	pubs := chSub2.packetsOfType(packets.Publish)
	require.Len(t, pubs, 1)
	assert.Equal(t, "q/1", pubs[0].TopicName)
	assert.Equal(t, []byte("offline"), pubs[0].Payload)
	assert.NotZero(t, pubs[0].PacketID)

	// The queue drained: replay happens exactly once.
	assert.Empty(t, sess.StoredMessages())
	ch3 := &fakeChannel{}
	tb.processor.HandleConnectionLost("S", false, chSub2)
	tb.processor.HandleConnect(ch3, connectPacket("S", false))
	assert.Empty(t, ch3.packetsOfType(packets.Publish))
}

func TestOfflineCleanSessionDrops(t *testing.T) {
	tb := newTestBroker(t, true)
	chSub := tb.connect(t, "S", true)
	tb.subscribe(t, chSub, "q/#", 1)

	// Simulate the subscription surviving while the clean client is
	// gone mid-route: deactivate without teardown.
	tb.sessions.SessionForClient("S").Deactivate()
	tb.processor.clients.Remove("S")

	chPub := tb.connect(t, "P", true)
	tb.processor.HandlePublish(chPub, publishPacket("q/1", 1, 4, []byte("m"), false))

	sess := tb.sessions.SessionForClient("S")
	assert.Empty(t, sess.StoredMessages())
}

func TestCleanSessionPurgesSubscriptions(t *testing.T) {
	tb := newTestBroker(t, true)
	chSub := tb.connect(t, "S", false)
	tb.subscribe(t, chSub, "q/#", 1)
	tb.processor.HandleDisconnect(chSub)

	// Reconnecting clean wipes the stored subscriptions.
	chSub2 := &fakeChannel{}
	tb.processor.HandleConnect(chSub2, connectPacket("S", true))

	chPub := tb.connect(t, "P", true)
	tb.processor.HandlePublish(chPub, publishPacket("q/1", 1, 4, []byte("m"), false))
	assert.Empty(t, chSub2.packetsOfType(packets.Publish))
	assert.Empty(t, tb.index.Matches("q/1"))
}

func TestUnsubscribe(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := tb.connect(t, "c1", true)
	tb.subscribe(t, ch, "t/#", 1)

	tb.processor.HandleUnsubscribe(ch, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe},
		PacketID:    13,
		Filters:     []packets.Subscription{{Filter: "t/#"}, {Filter: "never/subscribed"}},
	})

	unsubacks := ch.packetsOfType(packets.Unsuback)
	require.Len(t, unsubacks, 1)
	assert.Equal(t, uint16(13), unsubacks[0].PacketID)
	assert.Empty(t, tb.index.Matches("t/x"))

	chPub := tb.connect(t, "P", true)
	tb.processor.HandlePublish(chPub, publishPacket("t/x", 0, 0, []byte("m"), false))
	assert.Empty(t, ch.packetsOfType(packets.Publish))
}

func TestUnsubscribeInvalidFilterClosesChannel(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := tb.connect(t, "c1", true)
	tb.subscribe(t, ch, "t/#", 1)

	tb.processor.HandleUnsubscribe(ch, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe},
		PacketID:    14,
		Filters:     []packets.Subscription{{Filter: "bad/#/x"}},
	})

	assert.True(t, ch.isClosed())
	assert.Empty(t, ch.packetsOfType(packets.Unsuback))
	// Nothing was removed before the violation was detected.
	assert.Len(t, tb.index.Matches("t/x"), 1)
}

func TestPublishInternal(t *testing.T) {
	tb := newTestBroker(t, true)
	chSub := tb.connect(t, "sub", true)
	tb.subscribe(t, chSub, "sys/#", 1)

	tb.processor.PublishInternal(publishPacket("sys/alert", 1, 0, []byte("boom"), true))

	pubs := chSub.packetsOfType(packets.Publish)
	require.Len(t, pubs, 1)
	assert.Equal(t, []byte("boom"), pubs[0].Payload)
	assert.Equal(t, 1, tb.messages.RetainedCount())
	// The interceptor is not notified for embedded publishes.
	assert.Empty(t, tb.events.published)
}

func TestPubAckClearsInflight(t *testing.T) {
	tb := newTestBroker(t, true)
	chSub := tb.connect(t, "sub", true)
	chPub := tb.connect(t, "pub", true)
	tb.subscribe(t, chSub, "t/x", 1)

	tb.processor.HandlePublish(chPub, publishPacket("t/x", 1, 3, []byte("m"), false))

	pubs := chSub.packetsOfType(packets.Publish)
	require.Len(t, pubs, 1)
	sess := tb.sessions.SessionForClient("sub")
	assert.Equal(t, 1, sess.InflightCount())

	tb.processor.HandlePubAck(chSub, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Puback},
		PacketID:    pubs[0].PacketID,
	})
	assert.Equal(t, 0, sess.InflightCount())

	// A stray ack for an unknown id is ignored.
	tb.processor.HandlePubAck(chSub, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Puback},
		PacketID:    999,
	})
}

func TestSelfDeliveryAllowed(t *testing.T) {
	tb := newTestBroker(t, true)
	ch := tb.connect(t, "self", true)
	tb.subscribe(t, ch, "loop/#", 0)

	tb.processor.HandlePublish(ch, publishPacket("loop/x", 0, 0, []byte("echo"), false))
	pubs := ch.packetsOfType(packets.Publish)
	require.Len(t, pubs, 1)
	assert.Equal(t, []byte("echo"), pubs[0].Payload)
}
