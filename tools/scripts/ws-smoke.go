// Package main provides a CI-friendly WebSocket smoke test for the SkillSwap
// relay.
//
// It validates:
//   - handshake with origin header
//   - init subscription for two clients on one match
//   - send -> message notify fanout to both clients (echo-to-self included)
//   - delivered_at resolution while the receiver is online
//   - read -> read notify fanout
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/G-K-404/SkillSwap/shared/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:4005/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		matchID = flag.String("match", "dev-match-1", "Match ID to subscribe to")
		userA   = flag.String("user-a", "user-a", "First user id")
		userB   = flag.String("user-b", "user-b", "Second user id")
		text    = flag.String("text", "hello skillswap", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustInit(root, a, *matchID, *timeout)
	mustInit(root, b, *matchID, *timeout)

	// The relay sends no init ack; prove both subscriptions landed via a
	// warmup message from B. A receiving it implies both inits completed.
	warmup := fmt.Sprintf("warmup-%d", time.Now().UnixNano())
	mustSend(root, b, *matchID, b.userID, a.userID, warmup, *timeout)
	_ = mustAwaitMessage(root, a, warmup, *timeout)
	_ = mustAwaitMessage(root, b, warmup, *timeout)

	mustSend(root, a, *matchID, a.userID, b.userID, *text, *timeout)

	got := mustAwaitMessage(root, b, *text, *timeout)
	echo := mustAwaitMessage(root, a, *text, *timeout)

	if got.ID == "" || got.ID != echo.ID {
		fatalf("message id mismatch: receiver=%q sender_echo=%q", got.ID, echo.ID)
	}
	if got.DeliveredAt == nil {
		fatalf("expected non-null delivered_at: receiver B was online")
	}
	if got.ReadAt != nil {
		fatalf("expected null read_at on fresh message")
	}

	if *verbose {
		fmt.Printf("message accepted: id=%s ts=%s delivered_at=%s\n",
			got.ID, got.Timestamp.Format(time.RFC3339), got.DeliveredAt.Format(time.RFC3339))
	}

	mustRead(root, b, *matchID, got.ID, *timeout)

	readA := mustAwaitRead(root, a, got.ID, *timeout)
	readB := mustAwaitRead(root, b, got.ID, *timeout)
	if readA.ReadAt.IsZero() || readB.ReadAt.IsZero() {
		fatalf("expected non-zero read_at in read notify")
	}

	fmt.Printf("OK: match=%s message_id=%s delivered_at=%s read_at=%s\n",
		*matchID, got.ID, got.DeliveredAt.Format(time.RFC3339), readA.ReadAt.Format(time.RFC3339))
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, timeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		fatalf("%s: dial: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	return &smokeClient{name: name, userID: userID, conn: conn}
}

func mustInit(parent context.Context, c *smokeClient, matchID string, timeout time.Duration) {
	writeJSON(parent, c, v1.InitFrame{Type: v1.TypeInit, UserID: c.userID, MatchID: matchID}, timeout)
}

func mustSend(parent context.Context, c *smokeClient, matchID, senderID, receiverID, content string, timeout time.Duration) {
	writeJSON(parent, c, v1.SendFrame{
		Type:       v1.TypeMessage,
		MatchID:    matchID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}, timeout)
}

func mustRead(parent context.Context, c *smokeClient, matchID, messageID string, timeout time.Duration) {
	writeJSON(parent, c, v1.ReadFrame{Type: v1.TypeRead, MatchID: matchID, MessageID: messageID}, timeout)
}

func writeJSON(parent context.Context, c *smokeClient, frame any, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(frame)
	if err != nil {
		fatalf("%s: marshal: %v", c.name, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("%s: write: %v", c.name, err)
	}
}

// mustAwaitMessage reads frames until a message notify with the wanted
// content arrives.
func mustAwaitMessage(parent context.Context, c *smokeClient, content string, timeout time.Duration) v1.MessageNotify {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	for {
		raw := mustReadFrame(ctx, c)
		kind, err := v1.PeekType(raw)
		if err != nil {
			fatalf("%s: bad frame: %v", c.name, err)
		}
		if kind != v1.TypeMessage {
			continue
		}
		var n v1.MessageNotify
		if err := json.Unmarshal(raw, &n); err != nil {
			fatalf("%s: decode message notify: %v", c.name, err)
		}
		if n.Content == content {
			return n
		}
	}
}

// mustAwaitRead reads frames until a read notify for the message id arrives.
func mustAwaitRead(parent context.Context, c *smokeClient, messageID string, timeout time.Duration) v1.ReadNotify {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	for {
		raw := mustReadFrame(ctx, c)
		kind, err := v1.PeekType(raw)
		if err != nil {
			fatalf("%s: bad frame: %v", c.name, err)
		}
		if kind != v1.TypeRead {
			continue
		}
		var n v1.ReadNotify
		if err := json.Unmarshal(raw, &n); err != nil {
			fatalf("%s: decode read notify: %v", c.name, err)
		}
		if n.MessageID == messageID {
			return n
		}
	}
}

func mustReadFrame(ctx context.Context, c *smokeClient) []byte {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		fatalf("%s: read: %v", c.name, err)
	}
	return data
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ws-smoke: "+format+"\n", args...)
	os.Exit(1)
}
