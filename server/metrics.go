package server

import "sync/atomic"

// RoomMetrics records a single room's runtime counters. These never gate
// behavior — they exist purely for the debug metrics endpoint
// (Gateway.handleRoomMetrics in gateway.go), in the manner of the reference
// arena server's per-room metrics. /info does not include them.
type RoomMetrics struct {
	TickCount         int64
	InputsAccepted    int64
	BroadcastSent     int64
	ChatTruncated     int64
	ActionsTruncated  int64
	BackpressureDrops int64
}

func (m *RoomMetrics) IncInputsAccepted()   { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *RoomMetrics) IncBroadcastSent()    { atomic.AddInt64(&m.BroadcastSent, 1) }
func (m *RoomMetrics) IncChatTruncated()    { atomic.AddInt64(&m.ChatTruncated, 1) }
func (m *RoomMetrics) IncActionsTruncated() { atomic.AddInt64(&m.ActionsTruncated, 1) }
func (m *RoomMetrics) IncBackpressureDrop() { atomic.AddInt64(&m.BackpressureDrops, 1) }
func (m *RoomMetrics) AddTick()             { atomic.AddInt64(&m.TickCount, 1) }

// Snapshot returns a read-only copy suitable for JSON encoding.
func (m *RoomMetrics) Snapshot() map[string]any {
	return map[string]any{
		"tick_count":         atomic.LoadInt64(&m.TickCount),
		"inputs_accepted":    atomic.LoadInt64(&m.InputsAccepted),
		"broadcast_sent":     atomic.LoadInt64(&m.BroadcastSent),
		"chat_truncated":     atomic.LoadInt64(&m.ChatTruncated),
		"actions_truncated":  atomic.LoadInt64(&m.ActionsTruncated),
		"backpressure_drops": atomic.LoadInt64(&m.BackpressureDrops),
	}
}
