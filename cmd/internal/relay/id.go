package relay

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a ULID used as message id. ULIDs sort
// lexicographically by creation time, which keeps history queries stable when
// two messages land on the same timestamp.
func NewMessageID(now time.Time) (string, error) {
	return newULID(now)
}

// NewConnID returns a ULID used as connection id in logs and registry keys.
func NewConnID(now time.Time) (string, error) {
	return newULID(now)
}

func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
