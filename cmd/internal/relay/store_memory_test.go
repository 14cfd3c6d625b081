package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryStore_InsertAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msg, err := s.InsertMessage(ctx, InsertMessageInput{
		MatchID:    "m1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "hi",
		Now:        now,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if msg.ID == "" {
		t.Fatalf("expected assigned id")
	}
	if !msg.Timestamp.Equal(now) {
		t.Fatalf("expected timestamp %v, got %v", now, msg.Timestamp)
	}
	if msg.DeliveredAt != nil || msg.ReadAt != nil {
		t.Fatalf("fresh message must have unset delivered_at/read_at")
	}
}

func TestInMemoryStore_TimestampsMonotonicPerMatch(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	t1 := time.Date(2026, 8, 1, 12, 0, 5, 0, time.UTC)
	t0 := t1.Add(-3 * time.Second) // clock jumped backwards

	first, err := s.InsertMessage(ctx, InsertMessageInput{
		MatchID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "a", Now: t1,
	})
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}
	second, err := s.InsertMessage(ctx, InsertMessageInput{
		MatchID: "m1", SenderID: "bob", ReceiverID: "alice", Content: "b", Now: t0,
	})
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}

	if second.Timestamp.Before(first.Timestamp) {
		t.Fatalf("timestamps must be monotonically non-decreasing per match: %v < %v",
			second.Timestamp, first.Timestamp)
	}
}

func TestInMemoryStore_HistoryAscendingAndImmediatelyVisible(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three"} {
		if _, err := s.InsertMessage(ctx, InsertMessageInput{
			MatchID: "m1", SenderID: "alice", ReceiverID: "bob",
			Content: content, Now: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("insert %q: %v", content, err)
		}
	}

	hist, err := s.History(ctx, "m1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
			t.Fatalf("history out of order at %d", i)
		}
	}
	if hist[0].Content != "one" || hist[2].Content != "three" {
		t.Fatalf("unexpected history order: %q ... %q", hist[0].Content, hist[2].Content)
	}
}

func TestInMemoryStore_MarkDeliveredAndRead(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	msg, err := s.InsertMessage(ctx, InsertMessageInput{
		MatchID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi",
		Now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	deliveredAt := msg.Timestamp.Add(time.Second)
	if err := s.MarkDelivered(ctx, msg.ID, deliveredAt); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	readAt1 := msg.Timestamp.Add(2 * time.Second)
	readAt2 := msg.Timestamp.Add(3 * time.Second)
	if err := s.MarkRead(ctx, msg.ID, readAt1); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// Idempotent: setting twice is harmless, last write wins.
	if err := s.MarkRead(ctx, msg.ID, readAt2); err != nil {
		t.Fatalf("mark read twice: %v", err)
	}

	hist, err := s.History(ctx, "m1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	got := hist[0]
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(deliveredAt) {
		t.Fatalf("delivered_at not visible in history: %v", got.DeliveredAt)
	}
	if got.ReadAt == nil || !got.ReadAt.Equal(readAt2) {
		t.Fatalf("read_at must be last write, got %v want %v", got.ReadAt, readAt2)
	}
}

func TestInMemoryStore_MarkUnknownMessage(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	at := time.Now().UTC()

	if err := s.MarkDelivered(ctx, "missing", at); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if err := s.MarkRead(ctx, "missing", at); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestInMemoryStore_HistoryUnknownMatch(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	hist, err := s.History(context.Background(), "nope")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected empty history, got %d", len(hist))
	}
}
