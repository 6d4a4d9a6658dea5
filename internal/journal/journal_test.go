package journal_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"relaytv/internal/journal"
)

func entryFor(channel string, endedAt time.Time) journal.Entry {
	return journal.Entry{
		ChannelID:   channel,
		AccountID:   "acct",
		Reason:      "idle",
		StartedAt:   endedAt.Add(-time.Minute),
		EndedAt:     endedAt,
		PeakViewers: 2,
	}
}

func TestMemoryRecorderNewestFirst(t *testing.T) {
	rec := journal.NewMemoryRecorder(10)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		entry := entryFor(fmt.Sprintf("ch-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := rec.Record(context.Background(), entry); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	entries, err := rec.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ChannelID != "ch-2" || entries[1].ChannelID != "ch-1" {
		t.Fatalf("expected newest first, got %v", entries)
	}
}

func TestMemoryRecorderEvictsOldest(t *testing.T) {
	rec := journal.NewMemoryRecorder(2)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := rec.Record(context.Background(), entryFor(fmt.Sprintf("ch-%d", i), base)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	entries, err := rec.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(entries))
	}
	if entries[0].ChannelID != "ch-4" || entries[1].ChannelID != "ch-3" {
		t.Fatalf("expected only latest entries, got %v", entries)
	}
}
