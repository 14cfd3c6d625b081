package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	v1 "github.com/G-K-404/SkillSwap/shared/contracts/chat/v1"
)

// spyStore wraps the in-memory store with failure injection and call counts.
type spyStore struct {
	*InMemoryStore

	failInsert    bool
	failDelivered bool
	failRead      bool

	deliveredCalls int
	readCalls      int
}

var errStoreDown = errors.New("store down")

func (s *spyStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if s.failInsert {
		return Message{}, errStoreDown
	}
	return s.InMemoryStore.InsertMessage(ctx, in)
}

func (s *spyStore) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	s.deliveredCalls++
	if s.failDelivered {
		return errStoreDown
	}
	return s.InMemoryStore.MarkDelivered(ctx, messageID, at)
}

func (s *spyStore) MarkRead(ctx context.Context, messageID string, at time.Time) error {
	s.readCalls++
	if s.failRead {
		return errStoreDown
	}
	return s.InMemoryStore.MarkRead(ctx, messageID, at)
}

func newTestEngine(store MessageStore) *Engine {
	log := testLogger()
	return NewEngine(log, NewRegistry(log), store, nil)
}

func mustFrame(t *testing.T, frame any) []byte {
	t.Helper()
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func initFrame(t *testing.T, userID, matchID string) []byte {
	t.Helper()
	return mustFrame(t, v1.InitFrame{Type: v1.TypeInit, UserID: userID, MatchID: matchID})
}

func sendFrame(t *testing.T, matchID, senderID, receiverID, content string) []byte {
	t.Helper()
	return mustFrame(t, v1.SendFrame{
		Type: v1.TypeMessage, MatchID: matchID,
		SenderID: senderID, ReceiverID: receiverID, Content: content,
	})
}

func readFrameJSON(t *testing.T, matchID, messageID string) []byte {
	t.Helper()
	return mustFrame(t, v1.ReadFrame{Type: v1.TypeRead, MatchID: matchID, MessageID: messageID})
}

// drainOutbound collects every frame currently buffered on the connection.
// Engine handling is synchronous, so after HandleFrame returns all broadcast
// frames for that frame are already enqueued.
func drainOutbound(c *Conn) [][]byte {
	var out [][]byte
	for {
		select {
		case payload := <-c.Outbound():
			out = append(out, payload)
		default:
			return out
		}
	}
}

func decodeMessageNotify(t *testing.T, raw []byte) v1.MessageNotify {
	t.Helper()
	var n v1.MessageNotify
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatalf("decode message notify: %v", err)
	}
	if n.Type != v1.TypeMessage {
		t.Fatalf("expected message notify, got type=%q", n.Type)
	}
	return n
}

func decodeReadNotify(t *testing.T, raw []byte) v1.ReadNotify {
	t.Helper()
	var n v1.ReadNotify
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatalf("decode read notify: %v", err)
	}
	if n.Type != v1.TypeRead {
		t.Fatalf("expected read notify, got type=%q", n.Type)
	}
	return n
}

func handle(t *testing.T, e *Engine, c *Conn, raw []byte) Disposition {
	t.Helper()
	d, _ := e.HandleFrame(context.Background(), c, raw)
	return d
}

func TestEngine_InitSubscribes(t *testing.T) {
	t.Parallel()

	e := newTestEngine(NewInMemoryStore())
	c := NewConn("c1", 8)

	if d := handle(t, e, c, initFrame(t, "alice", "m1")); d != DispositionHandled {
		t.Fatalf("expected handled, got %s", d)
	}

	sess, ok := e.Registry().SessionOf(c)
	if !ok || sess.UserID != "alice" || sess.MatchID != "m1" {
		t.Fatalf("expected subscription recorded, got ok=%v sess=%+v", ok, sess)
	}
	if frames := drainOutbound(c); len(frames) != 0 {
		t.Fatalf("init must produce no reply, got %d frames", len(frames))
	}
}

func TestEngine_InitMalformedDroppedSilently(t *testing.T) {
	t.Parallel()

	e := newTestEngine(NewInMemoryStore())
	c := NewConn("c1", 8)

	cases := []struct {
		name string
		raw  []byte
	}{
		{name: "missing userId", raw: initFrame(t, "", "m1")},
		{name: "missing matchId", raw: initFrame(t, "alice", "")},
		{name: "not json", raw: []byte(`{"type":"init"`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.HandleFrame(context.Background(), c, tc.raw)
			if d != DispositionDroppedMalformed {
				t.Fatalf("expected dropped_malformed, got %s", d)
			}
			if err == nil {
				t.Fatalf("expected advisory error for malformed frame")
			}
			if _, ok := e.Registry().SessionOf(c); ok {
				t.Fatalf("connection must remain unsubscribed")
			}
			if !c.Open() {
				t.Fatalf("connection must stay open")
			}
		})
	}
}

func TestEngine_UnknownFrameKindDropped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(NewInMemoryStore())
	c := NewConn("c1", 8)

	d, err := e.HandleFrame(context.Background(), c, []byte(`{"type":"typing","matchId":"m1"}`))
	if d != DispositionDroppedUnknown {
		t.Fatalf("expected dropped_unknown, got %s", d)
	}
	if err != nil {
		t.Fatalf("unknown kinds are dropped without error, got %v", err)
	}
	if !c.Open() {
		t.Fatalf("connection must stay alive")
	}
}

func TestEngine_SendEchoToSelfWithNullDelivered(t *testing.T) {
	t.Parallel()

	// Only the sender is subscribed to "m2".
	e := newTestEngine(NewInMemoryStore())
	c1 := NewConn("c1", 8)
	handle(t, e, c1, initFrame(t, "alice", "m2"))

	if d := handle(t, e, c1, sendFrame(t, "m2", "alice", "bob", "lonely")); d != DispositionHandled {
		t.Fatalf("expected handled, got %s", d)
	}

	frames := drainOutbound(c1)
	if len(frames) != 1 {
		t.Fatalf("expected exactly one echo notify, got %d", len(frames))
	}
	n := decodeMessageNotify(t, frames[0])
	if n.Content != "lonely" || n.ID == "" {
		t.Fatalf("unexpected notify: %+v", n)
	}
	if n.DeliveredAt != nil {
		t.Fatalf("receiver offline: delivered_at must be null, got %v", n.DeliveredAt)
	}
	if n.ReadAt != nil {
		t.Fatalf("fresh message: read_at must be null")
	}
}

func TestEngine_SendDeliveredToOnlineReceiver(t *testing.T) {
	t.Parallel()

	e := newTestEngine(NewInMemoryStore())
	c1 := NewConn("c1", 8)
	c2 := NewConn("c2", 8)
	handle(t, e, c1, initFrame(t, "alice", "m1"))
	handle(t, e, c2, initFrame(t, "bob", "m1"))

	if d := handle(t, e, c1, sendFrame(t, "m1", "alice", "bob", "hi")); d != DispositionHandled {
		t.Fatalf("expected handled, got %s", d)
	}

	f1 := drainOutbound(c1)
	f2 := drainOutbound(c2)
	if len(f1) != 1 || len(f2) != 1 {
		t.Fatalf("expected one notify each, got sender=%d receiver=%d", len(f1), len(f2))
	}

	n1 := decodeMessageNotify(t, f1[0])
	n2 := decodeMessageNotify(t, f2[0])
	if n1.Content != "hi" || n2.Content != "hi" {
		t.Fatalf("content mismatch: %q / %q", n1.Content, n2.Content)
	}
	if n1.ID == "" || n1.ID != n2.ID {
		t.Fatalf("both subscribers must see the same message id")
	}
	if n2.DeliveredAt == nil {
		t.Fatalf("receiver online: delivered_at must be non-null")
	}

	// The broadcast payload must match the persisted delivery state.
	hist, err := e.store.History(context.Background(), "m1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].DeliveredAt == nil || !hist[0].DeliveredAt.Equal(*n2.DeliveredAt) {
		t.Fatalf("persisted delivered_at must equal broadcast value")
	}

	// Read-acknowledge from the receiver fans out to both subscribers.
	if d := handle(t, e, c2, readFrameJSON(t, "m1", n2.ID)); d != DispositionHandled {
		t.Fatalf("expected read handled, got %s", d)
	}

	r1 := decodeReadNotify(t, drainOutbound(c1)[0])
	r2 := decodeReadNotify(t, drainOutbound(c2)[0])
	if r1.MessageID != n2.ID || r2.MessageID != n2.ID {
		t.Fatalf("read notify must carry the acknowledged message id")
	}
	if r1.ReadAt.IsZero() {
		t.Fatalf("read notify must carry read_at")
	}
}

func TestEngine_SendReceiverOfflineOtherUserOnline(t *testing.T) {
	t.Parallel()

	e := newTestEngine(NewInMemoryStore())
	c1 := NewConn("c1", 8)
	c3 := NewConn("c3", 8)
	handle(t, e, c1, initFrame(t, "alice", "m1"))
	handle(t, e, c3, initFrame(t, "carol", "m1"))

	handle(t, e, c1, sendFrame(t, "m1", "alice", "bob", "hi"))

	n := decodeMessageNotify(t, drainOutbound(c3)[0])
	if n.DeliveredAt != nil {
		t.Fatalf("only the receiver's presence sets delivered_at")
	}
}

func TestEngine_SendReceiverConnClosedNotDelivered(t *testing.T) {
	t.Parallel()

	e := newTestEngine(NewInMemoryStore())
	c1 := NewConn("c1", 8)
	c2 := NewConn("c2", 8)
	handle(t, e, c1, initFrame(t, "alice", "m1"))
	handle(t, e, c2, initFrame(t, "bob", "m1"))

	// Still registered but no longer open: delivery must not trigger.
	c2.Close()

	handle(t, e, c1, sendFrame(t, "m1", "alice", "bob", "hi"))

	n := decodeMessageNotify(t, drainOutbound(c1)[0])
	if n.DeliveredAt != nil {
		t.Fatalf("closed receiver connection must not count as online")
	}
	if frames := drainOutbound(c2); len(frames) != 0 {
		t.Fatalf("closed connection must not receive broadcast, got %d", len(frames))
	}
}

func TestEngine_DeliveredTimestampSetOnceForMultipleReceiverConns(t *testing.T) {
	t.Parallel()

	spy := &spyStore{InMemoryStore: NewInMemoryStore()}
	e := newTestEngine(spy)
	c1 := NewConn("c1", 8)
	b1 := NewConn("b1", 8)
	b2 := NewConn("b2", 8)
	handle(t, e, c1, initFrame(t, "alice", "m1"))
	handle(t, e, b1, initFrame(t, "bob", "m1"))
	handle(t, e, b2, initFrame(t, "bob", "m1"))

	handle(t, e, c1, sendFrame(t, "m1", "alice", "bob", "hi"))

	if spy.deliveredCalls != 1 {
		t.Fatalf("delivered_at must be persisted exactly once, got %d calls", spy.deliveredCalls)
	}
	for _, c := range []*Conn{c1, b1, b2} {
		frames := drainOutbound(c)
		if len(frames) != 1 {
			t.Fatalf("every open subscriber gets the notify, got %d for %s", len(frames), c.ID())
		}
		if n := decodeMessageNotify(t, frames[0]); n.DeliveredAt == nil {
			t.Fatalf("delivered_at must be non-null for %s", c.ID())
		}
	}
}

func TestEngine_InsertFailureAbandonsBroadcast(t *testing.T) {
	t.Parallel()

	spy := &spyStore{InMemoryStore: NewInMemoryStore(), failInsert: true}
	e := newTestEngine(spy)
	c1 := NewConn("c1", 8)
	handle(t, e, c1, initFrame(t, "alice", "m1"))

	d, err := e.HandleFrame(context.Background(), c1, sendFrame(t, "m1", "alice", "bob", "hi"))
	if d != DispositionPersistFailed {
		t.Fatalf("expected persist_failed, got %s", d)
	}
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if frames := drainOutbound(c1); len(frames) != 0 {
		t.Fatalf("message must not be broadcast when insert failed")
	}
	if !c1.Open() {
		t.Fatalf("connection must stay alive after persistence failure")
	}
}

// Known at-least-eventually-consistent edge: when the delivered_at update
// fails after a receiver was detected online, the broadcast proceeds with a
// null delivered_at and the durable record stays unset too. Clients reconcile
// against history.
func TestEngine_DeliveredUpdateFailureBroadcastsNullDeliveredAt(t *testing.T) {
	t.Parallel()

	spy := &spyStore{InMemoryStore: NewInMemoryStore(), failDelivered: true}
	e := newTestEngine(spy)
	c1 := NewConn("c1", 8)
	c2 := NewConn("c2", 8)
	handle(t, e, c1, initFrame(t, "alice", "m1"))
	handle(t, e, c2, initFrame(t, "bob", "m1"))

	if d := handle(t, e, c1, sendFrame(t, "m1", "alice", "bob", "hi")); d != DispositionHandled {
		t.Fatalf("send must still be handled, got %s", d)
	}
	if spy.deliveredCalls != 1 {
		t.Fatalf("expected one delivered_at attempt, got %d", spy.deliveredCalls)
	}

	f2 := drainOutbound(c2)
	if len(f2) != 1 {
		t.Fatalf("broadcast must proceed despite the failed update, got %d", len(f2))
	}
	if n := decodeMessageNotify(t, f2[0]); n.DeliveredAt != nil {
		t.Fatalf("payload must carry null delivered_at when the update failed")
	}
}

func TestEngine_ReadPersistFailureAbandonsBroadcast(t *testing.T) {
	t.Parallel()

	spy := &spyStore{InMemoryStore: NewInMemoryStore(), failRead: true}
	e := newTestEngine(spy)
	c1 := NewConn("c1", 8)
	handle(t, e, c1, initFrame(t, "alice", "m1"))

	d, err := e.HandleFrame(context.Background(), c1, readFrameJSON(t, "m1", "some-id"))
	if d != DispositionPersistFailed {
		t.Fatalf("expected persist_failed, got %s", d)
	}
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if frames := drainOutbound(c1); len(frames) != 0 {
		t.Fatalf("read notify must not be broadcast when the update failed")
	}
}

func TestEngine_ReadNotifyReachesLateJoiners(t *testing.T) {
	t.Parallel()

	e := newTestEngine(NewInMemoryStore())
	c1 := NewConn("c1", 8)
	handle(t, e, c1, initFrame(t, "alice", "m1"))
	handle(t, e, c1, sendFrame(t, "m1", "alice", "bob", "hi"))
	n := decodeMessageNotify(t, drainOutbound(c1)[0])

	// c2 joins after the message was created.
	c2 := NewConn("c2", 8)
	handle(t, e, c2, initFrame(t, "bob", "m1"))

	handle(t, e, c1, readFrameJSON(t, "m1", n.ID))

	r2 := decodeReadNotify(t, drainOutbound(c2)[0])
	if r2.MessageID != n.ID || r2.MatchID != "m1" {
		t.Fatalf("late joiner must receive the read notify, got %+v", r2)
	}
}

func TestEngine_SendContentTooLongDropped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(NewInMemoryStore())
	c1 := NewConn("c1", 8)
	handle(t, e, c1, initFrame(t, "alice", "m1"))

	long := make([]rune, maxContentChars+1)
	for i := range long {
		long[i] = 'x'
	}

	d, err := e.HandleFrame(context.Background(), c1, sendFrame(t, "m1", "alice", "bob", string(long)))
	if d != DispositionDroppedMalformed {
		t.Fatalf("expected dropped_malformed, got %s", d)
	}
	if err == nil {
		t.Fatalf("expected advisory error")
	}
	if frames := drainOutbound(c1); len(frames) != 0 {
		t.Fatalf("oversized content must not be persisted or broadcast")
	}
}

func TestEngine_BroadcastSkipsFullQueue(t *testing.T) {
	t.Parallel()

	e := newTestEngine(NewInMemoryStore())
	c1 := NewConn("c1", 8)
	slow := NewConn("slow", 1)
	handle(t, e, c1, initFrame(t, "alice", "m1"))
	handle(t, e, slow, initFrame(t, "bob", "m1"))

	// Fill the slow subscriber's queue so the next fanout drops for it.
	if !slow.TrySend([]byte(`{}`)) {
		t.Fatalf("priming send failed")
	}

	handle(t, e, c1, sendFrame(t, "m1", "alice", "bob", "hi"))

	if frames := drainOutbound(c1); len(frames) != 1 {
		t.Fatalf("healthy subscriber must still receive the notify, got %d", len(frames))
	}
}
