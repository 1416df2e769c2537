// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics holds the catalog of backend stream topics the process fans
// out. Entries are registered at startup and immutable afterwards; lookups on
// the subscribe path are lock-free reads of a frozen map.
package topics

import (
	"fmt"
	"sort"
)

// Topic describes one registered stream topic.
type Topic struct {
	// Name is the Kafka topic name, dot-separated (e.g. "pricing.updates").
	Name string `yaml:"name"`

	// Partitions is the partition count of the upstream topic, informational
	// for stats and consumer sizing.
	Partitions int `yaml:"partitions"`

	// Resource is the entitlement resource name checked when a client
	// subscribes. Defaults to the topic name.
	Resource string `yaml:"resource"`
}

// Registry is the immutable topic catalog.
type Registry struct {
	byName map[string]Topic
	names  []string
}

// NewRegistry builds a registry from the configured topic list. Duplicate or
// invalid names fail registration.
func NewRegistry(entries []Topic) (*Registry, error) {
	byName := make(map[string]Topic, len(entries))
	names := make([]string, 0, len(entries))
	for _, t := range entries {
		if err := ValidateName(t.Name); err != nil {
			return nil, fmt.Errorf("register topic %q: %w", t.Name, err)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("register topic %q: duplicate entry", t.Name)
		}
		if t.Resource == "" {
			t.Resource = t.Name
		}
		if t.Partitions <= 0 {
			t.Partitions = 1
		}
		byName[t.Name] = t
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return &Registry{byName: byName, names: names}, nil
}

// Lookup returns the topic entry for name.
func (r *Registry) Lookup(name string) (Topic, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns all registered topic names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of registered topics.
func (r *Registry) Len() int {
	return len(r.byName)
}
