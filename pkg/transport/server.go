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

// package transport handles the network layer of the broker: it
// accepts TCP connections, decodes MQTT 3.1/3.1.1 packets, enforces
// the keep-alive idle timeout, and drives the protocol processor with
// one worker per channel so per-channel ordering holds.
package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/oceanbus/ocean-go/pkg/broker"
	"github.com/oceanbus/ocean-go/pkg/metrics"
)

// Server manages the accepting and handling of raw TCP connections.
type Server struct {
	listener  net.Listener
	processor *broker.Processor
	wg        sync.WaitGroup
	quit      chan struct{}
}

// NewServer creates a transport server driving the given processor.
func NewServer(processor *broker.Processor) *Server {
	return &Server{
		processor: processor,
		quit:      make(chan struct{}),
	}
}

// Start begins listening for new connections on the specified address.
// The accept loop runs in its own goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	log.Printf("MQTT broker listening on %s", addr)
	return nil
}

// Stop closes the listener and waits for connection handlers to drain.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	log.Println("TCP server stopped")
}

// Addr returns the bound listener address, useful when starting on
// port 0 in tests.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.Printf("[ERROR] Failed to accept connection: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection is the per-channel worker: it reads packets in
// arrival order and hands each to the processor. When the loop exits
// without a graceful DISCONNECT, connection-lost semantics fire.
func (s *Server) handleConnection(conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	ch := newChannel(conn)
	reader := bufio.NewReader(conn)
	connected := false

	for {
		ch.armReadDeadline()
		pk, err := readPacket(reader)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				log.Printf("[WARN] Error reading packet from %s: %v", conn.RemoteAddr(), err)
			}
			break
		}

		switch pk.FixedHeader.Type {
		case packets.Connect:
			connected = true
			s.processor.HandleConnect(ch, pk)
		case packets.Publish:
			s.processor.HandlePublish(ch, pk)
		case packets.Puback:
			s.processor.HandlePubAck(ch, pk)
		case packets.Pubrec:
			s.processor.HandlePubRec(ch, pk)
		case packets.Pubrel:
			s.processor.HandlePubRel(ch, pk)
		case packets.Pubcomp:
			s.processor.HandlePubComp(ch, pk)
		case packets.Subscribe:
			s.processor.HandleSubscribe(ch, pk)
		case packets.Unsubscribe:
			s.processor.HandleUnsubscribe(ch, pk)
		case packets.Pingreq:
			resp := &packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}
			if err := ch.WritePacket(resp); err != nil {
				log.Printf("[WARN] Failed to write PINGRESP to %s: %v", conn.RemoteAddr(), err)
			}
		case packets.Disconnect:
			s.processor.HandleDisconnect(ch)
			return
		default:
			log.Printf("[WARN] Unhandled packet type %d from %s", pk.FixedHeader.Type, conn.RemoteAddr())
		}

		if !connected {
			// The first packet must be CONNECT.
			log.Printf("[WARN] Packet before CONNECT from %s, closing", conn.RemoteAddr())
			break
		}
	}

	clientID := ch.Context().ClientID()
	s.processor.HandleConnectionLost(clientID, ch.Context().SessionStolen(), ch)
	ch.Close()
}

// readPacket reads and decodes a full MQTT packet.
func readPacket(r *bufio.Reader) (*packets.Packet, error) {
	fh := new(packets.FixedHeader)
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if err := fh.Decode(b); err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(r)
	if err != nil {
		return nil, err
	}
	fh.Remaining = rem

	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Pubrec:
		err = pk.PubrecDecode(buf)
	case packets.Pubrel:
		err = pk.PubrelDecode(buf)
	case packets.Pubcomp:
		err = pk.PubcompDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	}
	if err != nil {
		return nil, err
	}
	return pk, nil
}

var _ broker.Channel = (*channel)(nil)

// channel is the transport-side implementation of broker.Channel.
// Writes are serialized so concurrent routing goroutines cannot
// interleave packet bytes.
type channel struct {
	conn    net.Conn
	ctx     broker.ChannelContext
	writeMu sync.Mutex

	mu   sync.Mutex
	idle time.Duration
}

func newChannel(conn net.Conn) *channel {
	return &channel{conn: conn}
}

// WritePacket encodes and writes a single MQTT packet.
func (c *channel) WritePacket(pk *packets.Packet) error {
	buf, err := encodePacket(pk)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(buf)
	return err
}

// Close tears down the TCP connection.
func (c *channel) Close() error {
	return c.conn.Close()
}

// SetIdleTimeout installs or replaces the idle timeout. Zero disables
// it. The new value takes effect before the next read.
func (c *channel) SetIdleTimeout(seconds int) {
	c.mu.Lock()
	c.idle = time.Duration(seconds) * time.Second
	c.mu.Unlock()
	c.armReadDeadline()
}

// Context returns the per-channel attributes.
func (c *channel) Context() *broker.ChannelContext {
	return &c.ctx
}

// armReadDeadline applies the current idle timeout to the socket.
func (c *channel) armReadDeadline() {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	if idle > 0 {
		c.conn.SetReadDeadline(time.Now().Add(idle))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
}

// encodePacket renders an outbound packet to wire bytes.
func encodePacket(pk *packets.Packet) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	case packets.Puback:
		err = pk.PubackEncode(&buf)
	case packets.Pubrec:
		err = pk.PubrecEncode(&buf)
	case packets.Pubrel:
		err = pk.PubrelEncode(&buf)
	case packets.Pubcomp:
		err = pk.PubcompEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Unsuback:
		err = pk.UnsubackEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	default:
		return nil, fmt.Errorf("unsupported packet type for writing: %v", pk.FixedHeader.Type)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
