package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/G-K-404/SkillSwap/shared/contracts/chat/v1"

	"github.com/G-K-404/SkillSwap/cmd/internal/metrics"
)

// Disposition tags the outcome of handling one inbound frame, so tests can
// assert which path fired. The transport boundary never closes a connection
// over any of these: the protocol is fire-and-forget and has no error frame.
type Disposition uint8

const (
	// DispositionHandled means the frame's effects were applied.
	DispositionHandled Disposition = iota
	// DispositionDroppedMalformed means the frame was unparseable or missed a
	// required field and was dropped silently.
	DispositionDroppedMalformed
	// DispositionDroppedUnknown means the frame kind is not part of the
	// protocol and was dropped silently.
	DispositionDroppedUnknown
	// DispositionPersistFailed means the persistence gateway rejected the
	// frame's write and its effect was abandoned.
	DispositionPersistFailed
)

// String renders the disposition for logs.
func (d Disposition) String() string {
	switch d {
	case DispositionHandled:
		return "handled"
	case DispositionDroppedMalformed:
		return "dropped_malformed"
	case DispositionDroppedUnknown:
		return "dropped_unknown"
	case DispositionPersistFailed:
		return "persist_failed"
	default:
		return "unknown"
	}
}

// Engine is the protocol state machine: it interprets inbound frames, mutates
// the Registry, calls the MessageStore, and broadcasts outbound frames to
// subscribed connections.
//
// The per-connection state machine is minimal: Unsubscribed -> Subscribed on
// init; re-init is a self-transition that switches channels (handled inside
// Registry.Subscribe); disconnect removes the connection entirely.
type Engine struct {
	log      *slog.Logger
	registry *Registry
	store    MessageStore
	metrics  *metrics.Registry

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewEngine constructs an Engine. Metrics may be nil in tests.
func NewEngine(log *slog.Logger, registry *Registry, store MessageStore, m *metrics.Registry) *Engine {
	return &Engine{
		log:      log,
		registry: registry,
		store:    store,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the engine's registry for transport-side cleanup.
func (e *Engine) Registry() *Registry { return e.registry }

// HandleFrame interprets one inbound frame from conn. The returned error
// carries the underlying cause for persist failures and malformed input; it
// is advisory (callers log it, the connection stays alive either way).
func (e *Engine) HandleFrame(ctx context.Context, conn *Conn, raw []byte) (Disposition, error) {
	kind, err := v1.PeekType(raw)
	if err != nil {
		return DispositionDroppedMalformed, err
	}

	e.metrics.FrameReceived(kind)

	switch kind {
	case v1.TypeInit:
		return e.handleInit(conn, raw)
	case v1.TypeMessage:
		return e.handleSend(ctx, raw)
	case v1.TypeRead:
		return e.handleRead(ctx, raw)
	default:
		return DispositionDroppedUnknown, nil
	}
}

// handleInit subscribes the connection. No outbound reply, no persistence.
func (e *Engine) handleInit(conn *Conn, raw []byte) (Disposition, error) {
	var f v1.InitFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return DispositionDroppedMalformed, err
	}
	if err := f.Validate(); err != nil {
		// Fail open: the connection stays alive and unsubscribed.
		return DispositionDroppedMalformed, err
	}

	e.registry.Subscribe(conn, f.MatchID, f.UserID)
	return DispositionHandled, nil
}

// handleSend persists the message, resolves delivered_at against the live
// subscriber set, and broadcasts the full record to the match channel. The
// sender's own connection receives its echo through the same broadcast.
func (e *Engine) handleSend(ctx context.Context, raw []byte) (Disposition, error) {
	var f v1.SendFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return DispositionDroppedMalformed, err
	}
	if err := f.Validate(); err != nil {
		return DispositionDroppedMalformed, err
	}
	if len([]rune(f.Content)) > maxContentChars {
		return DispositionDroppedMalformed, fmt.Errorf("content too long: max=%d chars", maxContentChars)
	}

	msg, err := e.store.InsertMessage(ctx, InsertMessageInput{
		MatchID:    f.MatchID,
		SenderID:   f.SenderID,
		ReceiverID: f.ReceiverID,
		Content:    f.Content,
		Now:        e.now(),
	})
	if err != nil {
		e.log.Error("relay.persist.fail", "op", "insert", "match_id", f.MatchID, "err", err)
		return DispositionPersistFailed, err
	}
	e.metrics.MessagePersisted()

	// Delivery detection: the first open subscriber registered for the
	// receiver marks the message delivered. The timestamp is persisted before
	// broadcasting so every recipient sees consistent delivery state.
	deliveredAt := e.resolveDelivered(ctx, f.MatchID, f.ReceiverID, msg.ID)

	notify := v1.MessageNotify{
		Type:        v1.TypeMessage,
		MatchID:     msg.MatchID,
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp,
		DeliveredAt: deliveredAt,
		ReadAt:      nil,
		ID:          msg.ID,
	}

	e.broadcast(msg.MatchID, notify)
	return DispositionHandled, nil
}

// resolveDelivered scans current subscribers for the receiver and persists
// delivered_at when one is online. When the delivered_at update fails the
// broadcast still proceeds with a null delivered_at: the durable record and
// the live payload may disagree until the client reconciles against history.
func (e *Engine) resolveDelivered(ctx context.Context, matchID, receiverID, messageID string) *time.Time {
	for _, sub := range e.registry.SubscribersOf(matchID) {
		sess, ok := e.registry.SessionOf(sub)
		if !ok || sess.UserID != receiverID || !sub.Open() {
			continue
		}

		at := e.now()
		if err := e.store.MarkDelivered(ctx, messageID, at); err != nil {
			e.log.Warn("relay.persist.fail", "op", "mark_delivered", "message_id", messageID, "err", err)
			return nil
		}
		e.metrics.MessageDelivered()
		// Only the first open receiver connection sets the timestamp.
		return &at
	}
	return nil
}

// handleRead persists read_at and broadcasts a read notify to the channel.
func (e *Engine) handleRead(ctx context.Context, raw []byte) (Disposition, error) {
	var f v1.ReadFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return DispositionDroppedMalformed, err
	}
	if err := f.Validate(); err != nil {
		return DispositionDroppedMalformed, err
	}

	readAt := e.now()
	if err := e.store.MarkRead(ctx, f.MessageID, readAt); err != nil {
		e.log.Error("relay.persist.fail", "op", "mark_read", "message_id", f.MessageID, "err", err)
		return DispositionPersistFailed, err
	}

	e.broadcast(f.MatchID, v1.ReadNotify{
		Type:      v1.TypeRead,
		MessageID: f.MessageID,
		MatchID:   f.MatchID,
		ReadAt:    readAt,
	})
	return DispositionHandled, nil
}

// broadcast marshals the frame once and fans it out to a snapshot of the
// channel taken now, after any persistence suspension. A connection that
// cannot accept the frame is skipped; one bad connection never aborts the
// rest of the broadcast.
func (e *Engine) broadcast(matchID string, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		e.log.Error("relay.broadcast.encode.fail", "match_id", matchID, "err", err)
		return
	}

	for _, sub := range e.registry.SubscribersOf(matchID) {
		if !sub.Open() {
			continue
		}
		if !sub.TrySend(payload) {
			e.metrics.BroadcastDropped()
			e.log.Warn("relay.broadcast.drop", "match_id", matchID, "conn_id", sub.ID())
		}
	}
}
