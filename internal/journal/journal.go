// Package journal records completed relay sessions for operator review.
// Live session state never lives here; entries are written once, at teardown.
package journal

import (
	"context"
	"sync"
	"time"
)

// Entry describes one finished session.
type Entry struct {
	ChannelID     string    `json:"channelId"`
	AccountID     string    `json:"accountId"`
	Reason        string    `json:"reason"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt"`
	PeakViewers   int       `json:"peakViewers"`
	BytesIngested uint64    `json:"bytesIngested"`
}

// Recorder persists finished sessions and serves recent history.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

const defaultMemoryCapacity = 256

// MemoryRecorder keeps the most recent entries in a fixed-size ring. It is
// the default when no database is configured.
type MemoryRecorder struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

// NewMemoryRecorder builds a ring holding up to capacity entries. A
// non-positive capacity falls back to the default.
func NewMemoryRecorder(capacity int) *MemoryRecorder {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryRecorder{capacity: capacity}
}

// Record appends the entry, evicting the oldest when the ring is full.
func (m *MemoryRecorder) Record(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	if len(m.entries) > m.capacity {
		m.entries = m.entries[len(m.entries)-m.capacity:]
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (m *MemoryRecorder) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}
