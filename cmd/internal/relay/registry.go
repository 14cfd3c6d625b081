package relay

import (
	"log/slog"
	"sync"
)

// Session is the metadata a connection declared in its init frame.
type Session struct {
	UserID  string
	MatchID string
}

// Registry is the in-memory mapping from match channels to their live
// subscriber connections, plus per-connection session metadata. It is pure
// in-process state, rebuilt from scratch on every server start.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe are safe under concurrent SubscribersOf.
//   - SubscribersOf returns a snapshot; callers iterate without holding the
//     registry lock, so membership may change mid-broadcast by design.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string]map[*Conn]struct{}
	sessions map[*Conn]Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		channels: make(map[string]map[*Conn]struct{}),
		sessions: make(map[*Conn]Session),
	}
}

// Subscribe associates conn with the match channel, creating the channel if
// absent. A connection subscribes to at most one channel at a time: a repeat
// init silently replaces the previous subscription (last subscription wins),
// so the earlier channel can never leak the connection.
func (r *Registry) Subscribe(conn *Conn, matchID, userID string) {
	if r == nil || conn == nil || matchID == "" || userID == "" {
		return
	}

	r.mu.Lock()
	if prev, ok := r.sessions[conn]; ok && prev.MatchID != matchID {
		r.removeLocked(conn, prev.MatchID)
	}
	set := r.channels[matchID]
	if set == nil {
		set = make(map[*Conn]struct{})
		r.channels[matchID] = set
	}
	set[conn] = struct{}{}
	r.sessions[conn] = Session{UserID: userID, MatchID: matchID}
	r.mu.Unlock()

	r.log.Info("registry.subscribe", "match_id", matchID, "user_id", userID, "conn_id", conn.ID())
}

// Unsubscribe removes conn from whatever channel it was in and drops its
// session metadata. Safe to call multiple times and for connections that
// never subscribed; empty channels are deleted.
func (r *Registry) Unsubscribe(conn *Conn) {
	if r == nil || conn == nil {
		return
	}

	r.mu.Lock()
	sess, ok := r.sessions[conn]
	if ok {
		r.removeLocked(conn, sess.MatchID)
		delete(r.sessions, conn)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("registry.unsubscribe", "match_id", sess.MatchID, "conn_id", conn.ID())
	}
}

func (r *Registry) removeLocked(conn *Conn, matchID string) {
	set := r.channels[matchID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.channels, matchID)
	}
}

// SubscribersOf returns a snapshot of the connections currently subscribed to
// the match channel. The slice is owned by the caller; mutating it cannot
// corrupt registry state.
func (r *Registry) SubscribersOf(matchID string) []*Conn {
	if r == nil || matchID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.channels[matchID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// SessionOf returns the session metadata declared by conn, with ok=false for
// connections that never subscribed.
func (r *Registry) SessionOf(conn *Conn) (Session, bool) {
	if r == nil || conn == nil {
		return Session{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[conn]
	return sess, ok
}

// ChannelCount reports the number of non-empty match channels.
func (r *Registry) ChannelCount() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Shutdown clears all channels and sessions. Presence is never persisted, so
// this exists for clean teardown and independent registries in tests.
func (r *Registry) Shutdown() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.channels = make(map[string]map[*Conn]struct{})
	r.sessions = make(map[*Conn]Session)
	r.mu.Unlock()
}
