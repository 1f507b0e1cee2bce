// Package store is the relay's read-only view over the relational data the
// function executor serves: meeting briefs and prior chat messages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ChatMessage is one prior message in a meeting's chat history.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultHistoryLimit = 50

type Store struct {
	logger shared.LoggerAdapter
	pool   *pgxpool.Pool
}

func Open(ctx context.Context, logger shared.LoggerAdapter, dsn string) (*Store, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{logger: logger, pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// MeetingBrief returns the stored brief for a meeting as an opaque JSON
// record. shared.ErrNotFound when no brief exists.
func (s *Store) MeetingBrief(ctx context.Context, meetingID string) (json.RawMessage, error) {
	var brief []byte
	err := s.pool.QueryRow(ctx,
		`SELECT brief FROM meeting_briefs WHERE meeting_id = $1`,
		meetingID,
	).Scan(&brief)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying meeting brief: %w", err)
	}
	s.logger.Debug("fetched meeting brief", zap.String("meeting_id", meetingID), zap.Int("bytes", len(brief)))
	return json.RawMessage(brief), nil
}

// ChatHistory returns up to limit prior messages for a meeting, ordered
// oldest-to-newest. A non-positive limit falls back to the default.
func (s *Store) ChatHistory(ctx context.Context, meetingID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT role, content, created_at
		   FROM chat_messages
		  WHERE meeting_id = $1
		  ORDER BY created_at DESC
		  LIMIT $2`,
		meetingID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chat history: %w", err)
	}
	defer rows.Close()

	var history []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat history: %w", err)
	}

	// The query fetches newest-first to honor the limit; callers get
	// oldest-to-newest.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}
