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

// Package topic provides the subscription index: a thread-safe topic
// filter trie supporting the MQTT wildcards + (single level) and
// # (multi-level suffix). The broker queries it with a concrete topic
// name on every publish to obtain the matching subscriptions.
package topic

import (
	"strings"
	"sync"
)

// Subscription couples a client to a topic filter at a requested QoS.
type Subscription struct {
	ClientID     string
	TopicFilter  string
	RequestedQoS byte
}

// node is one trie level. Exact children hang off children by level
// name; a "+" child matches any single level; subscriptions whose
// filter ends in "#" at this depth live in hash.
type node struct {
	children  map[string]*node
	plus      *node
	hash      []*Subscription
	terminals []*Subscription
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Store is the subscription index. All methods are safe for concurrent
// use.
type Store struct {
	mu   sync.RWMutex
	root *node
}

// NewStore creates an empty subscription index.
func NewStore() *Store {
	return &Store{root: newNode()}
}

// Add inserts a subscription under its topic filter. A second Add for
// the same client and filter replaces the stored QoS.
func (s *Store) Add(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	levels := strings.Split(sub.TopicFilter, "/")
	n := s.root
	for i, level := range levels {
		if level == "#" {
			// Validate guarantees '#' is terminal; keep the check so a
			// malformed filter cannot corrupt the trie.
			if i != len(levels)-1 {
				return
			}
			n.hash = replaceOrAppend(n.hash, sub)
			return
		}
		if level == "+" {
			if n.plus == nil {
				n.plus = newNode()
			}
			n = n.plus
			continue
		}
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}
	n.terminals = replaceOrAppend(n.terminals, sub)
}

// RemoveSubscription deletes the client's subscription for the exact
// topic filter. Unknown filters are a silent no-op.
func (s *Store) RemoveSubscription(topicFilter, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	levels := strings.Split(topicFilter, "/")
	n := s.root
	for i, level := range levels {
		if level == "#" {
			if i != len(levels)-1 {
				return
			}
			n.hash = removeClient(n.hash, clientID, topicFilter)
			return
		}
		if level == "+" {
			if n.plus == nil {
				return
			}
			n = n.plus
			continue
		}
		child, ok := n.children[level]
		if !ok {
			return
		}
		n = child
	}
	n.terminals = removeClient(n.terminals, clientID, topicFilter)
}

// RemoveForClient drops every subscription held by clientID and returns
// the removed filters. Used on clean-session teardown.
func (s *Store) RemoveForClient(clientID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	s.removeForClient(s.root, clientID, &removed)
	return removed
}

func (s *Store) removeForClient(n *node, clientID string, removed *[]string) {
	for _, sub := range n.hash {
		if sub.ClientID == clientID {
			*removed = append(*removed, sub.TopicFilter)
		}
	}
	n.hash = removeAllClient(n.hash, clientID)
	for _, sub := range n.terminals {
		if sub.ClientID == clientID {
			*removed = append(*removed, sub.TopicFilter)
		}
	}
	n.terminals = removeAllClient(n.terminals, clientID)
	if n.plus != nil {
		s.removeForClient(n.plus, clientID, removed)
	}
	for _, child := range n.children {
		s.removeForClient(child, clientID, removed)
	}
}

// Matches returns all subscriptions whose filter matches the concrete
// topic name, wildcards expanded. The result is deduplicated per
// (client, filter) pair and safe for the caller to iterate while other
// goroutines mutate the index.
func (s *Store) Matches(topic string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := strings.Split(topic, "/")
	queue := []*node{s.root}
	var results []*Subscription

	for _, level := range levels {
		next := make([]*node, 0, len(queue))
		for _, n := range queue {
			// '#' at this depth covers the remaining levels.
			results = append(results, n.hash...)
			if child, ok := n.children[level]; ok {
				next = append(next, child)
			}
			if n.plus != nil {
				next = append(next, n.plus)
			}
		}
		queue = next
		if len(queue) == 0 {
			break
		}
	}

	for _, n := range queue {
		results = append(results, n.terminals...)
		// "a/b/#" also matches "a/b" itself.
		results = append(results, n.hash...)
	}

	seen := make(map[string]bool, len(results))
	deduped := make([]*Subscription, 0, len(results))
	for _, sub := range results {
		key := sub.ClientID + "|" + sub.TopicFilter
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, sub)
	}
	return deduped
}

// Validate reports whether the topic filter is well formed: non-empty,
// '#' only as the final whole level, '+' only as a whole level.
func Validate(topicFilter string) bool {
	if topicFilter == "" {
		return false
	}
	levels := strings.Split(topicFilter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return false
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return false
		}
	}
	return true
}

// MatchTopics reports whether a concrete topic name matches a single
// topic filter, per the MQTT 3.1.1 wildcard rules.
func MatchTopics(topic, filter string) bool {
	topicLevels := strings.Split(topic, "/")
	filterLevels := strings.Split(filter, "/")

	for i, fl := range filterLevels {
		if fl == "#" {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl != "+" && fl != topicLevels[i] {
			return false
		}
	}
	return len(topicLevels) == len(filterLevels)
}

func replaceOrAppend(subs []*Subscription, sub *Subscription) []*Subscription {
	for i, existing := range subs {
		if existing.ClientID == sub.ClientID && existing.TopicFilter == sub.TopicFilter {
			subs[i] = sub
			return subs
		}
	}
	return append(subs, sub)
}

func removeClient(subs []*Subscription, clientID, topicFilter string) []*Subscription {
	out := subs[:0]
	for _, sub := range subs {
		if sub.ClientID == clientID && sub.TopicFilter == topicFilter {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func removeAllClient(subs []*Subscription, clientID string) []*Subscription {
	out := subs[:0]
	for _, sub := range subs {
		if sub.ClientID == clientID {
			continue
		}
		out = append(out, sub)
	}
	return out
}
