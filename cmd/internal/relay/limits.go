package relay

import "time"

// Transport limits. Frames are single JSON objects; anything near the read
// limit is garbage, not chat.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxContentChars = 4000
)

const (
	// Heartbeat defaults (overridable by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (frames per window).
	rateLimitFrames = 120
	rateLimitWindow = 10 * time.Second
)
