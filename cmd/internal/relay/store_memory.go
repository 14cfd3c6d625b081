package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	memMaxMessagesPerMatch = 10_000
)

// InMemoryStore is a dev and test fallback when no database is configured.
// It implements the full MessageStore contract, including per-match monotonic
// timestamps and ascending history.
type InMemoryStore struct {
	mu      sync.Mutex
	matches map[string]*memMatch
	byID    map[string]*Message
}

type memMatch struct {
	lastTS time.Time
	msgs   []*Message // ordered by Timestamp
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		matches: make(map[string]*memMatch),
		byID:    make(map[string]*Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// InsertMessage persists a message, assigning a ULID id and a timestamp that
// never moves backwards within the match.
func (s *InMemoryStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if in.MatchID == "" || in.SenderID == "" || in.ReceiverID == "" {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.matches[in.MatchID]
	if m == nil {
		m = &memMatch{msgs: make([]*Message, 0, 64)}
		s.matches[in.MatchID] = m
	}

	// Clamp so the match timeline is monotonically non-decreasing even when
	// the caller's clock jitters.
	if now.Before(m.lastTS) {
		now = m.lastTS
	}
	m.lastTS = now

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	msg := &Message{
		ID:         id,
		MatchID:    in.MatchID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		Timestamp:  now,
	}
	m.msgs = append(m.msgs, msg)
	s.byID[id] = msg

	// Bound memory to avoid unbounded growth in dev.
	if len(m.msgs) > memMaxMessagesPerMatch {
		drop := m.msgs[:len(m.msgs)-memMaxMessagesPerMatch]
		for _, d := range drop {
			delete(s.byID, d.ID)
		}
		m.msgs = m.msgs[len(m.msgs)-memMaxMessagesPerMatch:]
	}

	return *msg, nil
}

// MarkDelivered sets delivered_at for the message (last write wins).
func (s *InMemoryStore) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	t := at
	msg.DeliveredAt = &t
	return nil
}

// MarkRead sets read_at for the message. Idempotent: setting it twice is
// harmless, last write wins.
func (s *InMemoryStore) MarkRead(ctx context.Context, messageID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	t := at
	msg.ReadAt = &t
	return nil
}

// History returns all messages for a match ordered ascending by timestamp.
func (s *InMemoryStore) History(ctx context.Context, matchID string) ([]Message, error) {
	if matchID == "" {
		return nil, errors.New("missing matchId")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.matches[matchID]
	if m == nil {
		return nil, nil
	}
	out := make([]Message, 0, len(m.msgs))
	for _, msg := range m.msgs {
		out = append(out, *msg)
	}
	return out, nil
}
