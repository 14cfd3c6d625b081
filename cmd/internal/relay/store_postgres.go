// Package relay contains the SkillSwap realtime messaging core: the
// connection registry, the frame-handling engine, the WebSocket transport and
// the message persistence gateway.
package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Inserts take a per-match transactional advisory lock so assigned
//     timestamps are monotonically non-decreasing within a match even when
//     two sends race.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "skillswap").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("relay: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("relay: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "skillswap",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("relay: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// InsertMessage persists a message, assigning a ULID id and a timestamp that
// never moves backwards within the match.
func (s *PostgresStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("relay: nil store")
	}
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize inserts per match so assigned timestamps stay monotonic
	// without relying on a single database clock reading.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.MatchID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var ts time.Time
	if err := tx.QueryRow(ctx,
		`SELECT GREATEST($2::timestamptz, COALESCE(MAX("timestamp"), $2::timestamptz))
		   FROM `+messages+`
		  WHERE match_id = $1`,
		in.MatchID, now,
	).Scan(&ts); err != nil {
		return Message{}, fmt.Errorf("timestamp clamp: %w", err)
	}

	id, err := NewMessageID(ts)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, match_id, sender_id, receiver_id, content, "timestamp"
		   ) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.MatchID, in.SenderID, in.ReceiverID, in.Content, ts,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:         id,
		MatchID:    in.MatchID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		Timestamp:  ts,
	}, nil
}

// MarkDelivered sets delivered_at for the message.
func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	return s.markColumn(ctx, "delivered_at", messageID, at)
}

// MarkRead sets read_at for the message. Idempotent: last write wins.
func (s *PostgresStore) MarkRead(ctx context.Context, messageID string, at time.Time) error {
	return s.markColumn(ctx, "read_at", messageID, at)
}

func (s *PostgresStore) markColumn(ctx context.Context, column, messageID string, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("relay: nil store")
	}
	if messageID == "" {
		return errors.New("missing messageId")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+` SET `+pgx.Identifier{column}.Sanitize()+` = $2 WHERE id = $1`,
		messageID, at,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// History returns all messages for a match ordered ascending by timestamp,
// with the ULID id as a stable tiebreak. This is the same read path the
// surrounding CRUD API serves, so relay writes are immediately visible to it.
func (s *PostgresStore) History(ctx context.Context, matchID string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("relay: nil store")
	}
	if matchID == "" {
		return nil, errors.New("missing matchId")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, match_id, sender_id, receiver_id, content, "timestamp", delivered_at, read_at
		   FROM `+messages+`
		  WHERE match_id = $1
		  ORDER BY "timestamp" ASC, id ASC`,
		matchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.MatchID,
			&m.SenderID,
			&m.ReceiverID,
			&m.Content,
			&m.Timestamp,
			&m.DeliveredAt,
			&m.ReadAt,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
