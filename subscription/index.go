// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscription implements the concurrent index from topic name to the
// set of (connection id, filter) pairs the dispatcher fans out to. The index
// holds only ids, never connection objects, so an entry cannot keep a
// connection alive. Shards are keyed by topic hash so subscribe and
// unsubscribe on one topic never contend with dispatch on another.
package subscription

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/absmach/streamflux/filter"
)

const defaultShards = 16

// Entry is one registered subscription as seen by the dispatch path.
type Entry struct {
	ConnectionID string
	Filter       filter.Filter
	CreatedAt    time.Time
}

// Index is a sharded multimap topic -> connection id -> filter.
type Index struct {
	shards []*shard
}

type shard struct {
	mu     sync.RWMutex
	topics map[string]map[string]Entry
}

// NewIndex creates an index with the default shard count.
func NewIndex() *Index {
	return NewIndexWithShards(defaultShards)
}

// NewIndexWithShards creates an index with n shards (minimum 1).
func NewIndexWithShards(n int) *Index {
	if n < 1 {
		n = 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{topics: make(map[string]map[string]Entry)}
	}
	return &Index{shards: shards}
}

func (idx *Index) shardFor(topic string) *shard {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return idx.shards[h.Sum32()%uint32(len(idx.shards))]
}

// Add registers (connID, f) under topic, replacing any previous filter the
// connection had for that topic.
func (idx *Index) Add(topic, connID string, f filter.Filter) {
	s := idx.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.topics[topic]
	if !ok {
		subs = make(map[string]Entry)
		s.topics[topic] = subs
	}
	subs[connID] = Entry{ConnectionID: connID, Filter: f, CreatedAt: time.Now()}
}

// Remove drops the connection's subscription to topic. Removing an absent
// entry is a no-op.
func (idx *Index) Remove(topic, connID string) {
	s := idx.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.topics[topic]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(s.topics, topic)
	}
}

// RemoveAll drops every subscription held by connID across all topics. Used
// on connection close; scans all shards, which is acceptable off the dispatch
// hot path.
func (idx *Index) RemoveAll(connID string) {
	for _, s := range idx.shards {
		s.mu.Lock()
		for topic, subs := range s.topics {
			if _, ok := subs[connID]; ok {
				delete(subs, connID)
				if len(subs) == 0 {
					delete(s.topics, topic)
				}
			}
		}
		s.mu.Unlock()
	}
}

// Match returns the ids of connections subscribed to topic whose filters
// accept the given message attributes. Filter evaluation happens under the
// shard read lock; it is a pure in-memory predicate so the dispatch path is
// never blocked behind I/O.
func (idx *Index) Match(topic string, attrs map[string]any) []string {
	s := idx.shardFor(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs, ok := s.topics[topic]
	if !ok {
		return nil
	}
	matched := make([]string, 0, len(subs))
	for connID, entry := range subs {
		if entry.Filter.Matches(attrs) {
			matched = append(matched, connID)
		}
	}
	return matched
}

// Subscribers returns the ids of all connections subscribed to topic,
// regardless of filters.
func (idx *Index) Subscribers(topic string) []string {
	s := idx.shardFor(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.topics[topic]
	out := make([]string, 0, len(subs))
	for connID := range subs {
		out = append(out, connID)
	}
	return out
}

// TopicsOf returns the topics connID is currently subscribed to.
func (idx *Index) TopicsOf(connID string) []string {
	var out []string
	for _, s := range idx.shards {
		s.mu.RLock()
		for topic, subs := range s.topics {
			if _, ok := subs[connID]; ok {
				out = append(out, topic)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Len returns the total number of (topic, connection) entries.
func (idx *Index) Len() int {
	total := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		for _, subs := range s.topics {
			total += len(subs)
		}
		s.mu.RUnlock()
	}
	return total
}

// TopicCount returns the number of topics with at least one subscriber.
func (idx *Index) TopicCount() int {
	total := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		total += len(s.topics)
		s.mu.RUnlock()
	}
	return total
}
