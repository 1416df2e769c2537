// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/streamflux/protocol"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name string
		want protocol.Action
		ok   bool
	}{
		{"subscribe", protocol.ActionSubscribe, true},
		{"unsubscribe", protocol.ActionUnsubscribe, true},
		{"ping", protocol.ActionPing, true},
		{"list_topics", protocol.ActionListTopics, true},
		{"get_stats", protocol.ActionGetStats, true},
		{"publish", protocol.ActionUnknown, false},
		{"", protocol.ActionUnknown, false},
	}

	for _, tt := range tests {
		got, ok := protocol.ParseAction(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseAction(%q) = %v, %v, want %v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestActionRoundTrip(t *testing.T) {
	for _, name := range protocol.Actions() {
		a, ok := protocol.ParseAction(name)
		require.True(t, ok, "action %q should parse", name)
		assert.Equal(t, name, a.String())
	}
}

func TestClientFrameDecode(t *testing.T) {
	raw := `{"action":"subscribe","data":{"topics":["pricing.updates"],"filters":{"pricing.updates":{"commodity":"oil"}}}}`

	var frame protocol.ClientFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &frame))

	action, ok := protocol.ParseAction(frame.Action)
	require.True(t, ok)
	assert.Equal(t, protocol.ActionSubscribe, action)

	var req protocol.SubscribeRequest
	require.NoError(t, json.Unmarshal(frame.Data, &req))
	assert.Equal(t, []string{"pricing.updates"}, req.Topics)
	assert.True(t, req.Filters["pricing.updates"].Matches(map[string]any{"commodity": "oil"}))
}

func TestDeliveryDataFrame(t *testing.T) {
	produced := time.UnixMilli(1700000000000)
	d := protocol.Delivery{
		Topic:      "pricing.updates",
		Payload:    map[string]any{"commodity": "oil", "price": 75.5},
		Partition:  2,
		Offset:     42,
		ProducedAt: produced,
	}

	frame := d.DataFrame()
	assert.Equal(t, protocol.EventData, frame.Type)
	assert.Equal(t, "pricing.updates", frame.Topic)
	assert.Equal(t, int64(1700000000000), frame.Timestamp)
	assert.Equal(t, int32(2), frame.Partition)
	assert.Equal(t, int64(42), frame.Offset)

	out, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"type":"data"`)
	assert.Contains(t, string(out), `"offset":42`)
}
