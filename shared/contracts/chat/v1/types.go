// Package v1 defines the SkillSwap chat wire protocol.
//
// The protocol is a flat textual framing: one JSON object per frame, routed
// by its "type" field. There is no envelope, no length prefix and no batching.
// This package is intentionally dependency-light so it can be shared between
// the relay server and client tooling.
package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Frame type constants (wire-stable).
const (
	// TypeInit subscribes a connection to a match channel (client -> server).
	TypeInit = "init"
	// TypeMessage requests persisting and broadcasting a chat message
	// (client -> server) and is also the broadcast notify kind
	// (server -> subscribers).
	TypeMessage = "message"
	// TypeRead acknowledges that a message was read (client -> server) and is
	// also the read notify kind (server -> subscribers).
	TypeRead = "read"
)

// Head is the minimal decode used to route an inbound frame before the
// concrete payload is unmarshaled.
type Head struct {
	Type string `json:"type"`
}

// PeekType returns the frame type of a raw frame, or an error when the frame
// is not a JSON object carrying a non-empty "type".
func PeekType(raw []byte) (string, error) {
	var h Head
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", err
	}
	if strings.TrimSpace(h.Type) == "" {
		return "", errors.New("missing field: type")
	}
	return h.Type, nil
}

// ---- Inbound frames ----

// InitFrame subscribes the sending connection to a match channel.
type InitFrame struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	MatchID string `json:"matchId"`
}

// Validate checks the required init fields.
func (f InitFrame) Validate() error {
	if strings.TrimSpace(f.UserID) == "" {
		return errors.New("missing field: userId")
	}
	if strings.TrimSpace(f.MatchID) == "" {
		return errors.New("missing field: matchId")
	}
	return nil
}

// SendFrame requests persisting a message and broadcasting it to the match.
type SendFrame struct {
	Type       string `json:"type"`
	MatchID    string `json:"matchId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// Validate checks the required send fields.
func (f SendFrame) Validate() error {
	if strings.TrimSpace(f.MatchID) == "" {
		return errors.New("missing field: matchId")
	}
	if strings.TrimSpace(f.SenderID) == "" {
		return errors.New("missing field: senderId")
	}
	if strings.TrimSpace(f.ReceiverID) == "" {
		return errors.New("missing field: receiverId")
	}
	if f.Content == "" {
		return errors.New("missing field: content")
	}
	return nil
}

// ReadFrame acknowledges that the sending user has seen a specific message.
type ReadFrame struct {
	Type      string `json:"type"`
	MatchID   string `json:"matchId"`
	MessageID string `json:"messageId"`
}

// Validate checks the required read fields.
func (f ReadFrame) Validate() error {
	if strings.TrimSpace(f.MatchID) == "" {
		return errors.New("missing field: matchId")
	}
	if strings.TrimSpace(f.MessageID) == "" {
		return errors.New("missing field: messageId")
	}
	return nil
}

// ---- Outbound frames ----

// MessageNotify is broadcast to every subscriber of a match when a message
// has been persisted, including the sender's own connection.
//
// Timestamps marshal as RFC 3339; DeliveredAt and ReadAt render as JSON null
// when unset. The mixed camelCase/snake_case field names are wire-stable.
type MessageNotify struct {
	Type        string     `json:"type"`
	MatchID     string     `json:"matchId"`
	SenderID    string     `json:"senderId"`
	ReceiverID  string     `json:"receiverId"`
	Content     string     `json:"content"`
	Timestamp   time.Time  `json:"timestamp"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	ID          string     `json:"id"`
}

// ReadNotify is broadcast to every subscriber of a match when a message has
// been marked read.
type ReadNotify struct {
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	MatchID   string    `json:"matchId"`
	ReadAt    time.Time `json:"read_at"`
}
