package relay

import (
	"context"
	"errors"
	"time"
)

// ErrMessageNotFound is returned by MarkDelivered/MarkRead when the message id
// does not exist in the store.
var ErrMessageNotFound = errors.New("relay: message not found")

// Message is the canonical persisted message representation.
//
// Timestamp is assigned by the store at persistence time and is monotonically
// non-decreasing within a match. DeliveredAt and ReadAt are set at most once,
// only after creation, and may remain permanently unset.
type Message struct {
	ID          string
	MatchID     string
	SenderID    string
	ReceiverID  string
	Content     string
	Timestamp   time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// InsertMessageInput describes a message insert request. Now is advisory: the
// store clamps it so per-match timestamps never go backwards.
type InsertMessageInput struct {
	MatchID    string
	SenderID   string
	ReceiverID string
	Content    string
	Now        time.Time
}

// MessageStore is the persistence gateway consumed by the relay.
//
// Requirements:
//   - InsertMessage assigns the id and the creation timestamp.
//   - Timestamps are monotonically non-decreasing per match.
//   - History is ordered ascending by creation timestamp, and writes made
//     through this interface are immediately visible to it (the surrounding
//     CRUD API reads message history through the same tables).
type MessageStore interface {
	InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error)
	MarkDelivered(ctx context.Context, messageID string, at time.Time) error
	MarkRead(ctx context.Context, messageID string, at time.Time) error
	History(ctx context.Context, matchID string) ([]Message, error)
	Close() error
}
