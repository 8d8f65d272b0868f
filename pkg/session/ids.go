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

package session

import "sync"

// packetIDPool hands out MQTT packet identifiers for one session.
// Released ids are reused before the counter advances, so ids stay
// unique across inflight entries until acknowledged.
type packetIDPool struct {
	mu       sync.Mutex
	current  uint16
	released map[uint16]struct{}
}

func newPacketIDPool() *packetIDPool {
	return &packetIDPool{
		current:  1,
		released: make(map[uint16]struct{}),
	}
}

func (p *packetIDPool) next() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id := range p.released {
		delete(p.released, id)
		return id
	}

	id := p.current
	p.current++
	if p.current == 0 { // packet id 0 is not a valid MQTT identifier
		p.current = 1
	}
	return id
}

func (p *packetIDPool) release(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released[id] = struct{}{}
}
