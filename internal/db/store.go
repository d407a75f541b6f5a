package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaylabs/relay/internal/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the single-connection SQLite handle with typed queries.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store around an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the raw handle for tests and maintenance jobs.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- conversations ---

func (s *Store) CreateConversation(ctx context.Context, id, userID, title string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, userID, title, now, now)
	return err
}

func (s *Store) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, finish_reason, todos, active_stream_id, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)

	var c types.Conversation
	var todosJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.FinishReason, &todosJSON, &c.ActiveStreamID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(todosJSON), &c.Todos); err != nil {
		c.Todos = nil
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]types.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, finish_reason, todos, active_stream_id, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		var c types.Conversation
		var todosJSON string
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.FinishReason, &todosJSON, &c.ActiveStreamID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(todosJSON), &c.Todos)
		c.CreatedAt = time.Unix(createdAt, 0)
		c.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// ConversationUpdate carries the fields the finalizer may change. Nil fields
// are left untouched so the whole reconciliation is one UPDATE.
type ConversationUpdate struct {
	Title          *string
	FinishReason   *types.FinishReason
	Todos          *[]types.Todo
	ActiveStreamID *string
}

// UpdateConversation applies the non-nil fields in one statement and bumps
// updated_at.
func (s *Store) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	set := "updated_at = ?"
	args := []any{time.Now().Unix()}

	if upd.Title != nil {
		set += ", title = ?"
		args = append(args, *upd.Title)
	}
	if upd.FinishReason != nil {
		set += ", finish_reason = ?"
		args = append(args, string(*upd.FinishReason))
	}
	if upd.Todos != nil {
		todosJSON, err := json.Marshal(*upd.Todos)
		if err != nil {
			return err
		}
		set += ", todos = ?"
		args = append(args, string(todosJSON))
	}
	if upd.ActiveStreamID != nil {
		set += ", active_stream_id = ?, stream_started_at = ?"
		started := int64(0)
		if *upd.ActiveStreamID != "" {
			started = time.Now().Unix()
		}
		args = append(args, *upd.ActiveStreamID, started)
	}

	args = append(args, id)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE conversations SET %s WHERE id = ?`, set), args...)
	return err
}

// SetActiveStream records the stream id so a disconnected client can reattach.
func (s *Store) SetActiveStream(ctx context.Context, id, streamID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET active_stream_id = ?, stream_started_at = ? WHERE id = ?`,
		streamID, time.Now().Unix(), id)
	return err
}

// ClearStaleActiveStreams resets markers left behind by interrupted streams.
// Returns the number of conversations cleared.
func (s *Store) ClearStaleActiveStreams(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET active_stream_id = '', stream_started_at = 0
		 WHERE active_stream_id != '' AND stream_started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- messages ---

func (s *Store) SaveMessage(ctx context.Context, m *types.Message) error {
	partsJSON, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("failed to marshal parts: %w", err)
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, parts, input_tokens, output_tokens, cost_usd, model, duration_ms, finish_reason, summary_of, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), string(partsJSON),
		m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.CostUSD,
		m.Model, m.DurationMS, string(m.FinishReason), m.SummaryOf, createdAt.Unix())
	return err
}

func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, parts, input_tokens, output_tokens, cost_usd, model, duration_ms, finish_reason, summary_of, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var partsJSON string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &partsJSON,
			&m.Usage.InputTokens, &m.Usage.OutputTokens, &m.Usage.CostUSD,
			&m.Model, &m.DurationMS, &m.FinishReason, &m.SummaryOf, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(partsJSON), &m.Parts); err != nil {
			m.Parts = nil
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- budget windows ---

// EnsureWindow creates the window row if missing and refills it when the
// reset time has elapsed.
func (s *Store) EnsureWindow(ctx context.Context, userID, window string, capacity int64, resetAt time.Time) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_windows (user_id, window, balance, capacity, reset_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, window) DO NOTHING`,
		userID, window, capacity, capacity, resetAt.Unix(), now)
	if err != nil {
		return err
	}
	// Refill if the window elapsed. Capacity may have changed with the tier.
	_, err = s.db.ExecContext(ctx,
		`UPDATE budget_windows SET balance = ?, capacity = ?, reset_at = ?, updated_at = ?
		 WHERE user_id = ? AND window = ? AND reset_at <= ?`,
		capacity, capacity, resetAt.Unix(), now, userID, window, now)
	return err
}

func (s *Store) GetWindow(ctx context.Context, userID, window string) (balance, capacity int64, resetAt time.Time, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT balance, capacity, reset_at FROM budget_windows WHERE user_id = ? AND window = ?`,
		userID, window)
	var reset int64
	err = row.Scan(&balance, &capacity, &reset)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return
	}
	resetAt = time.Unix(reset, 0)
	return
}

// DeductIfAvailable atomically subtracts cost when the balance covers it.
// The guarded UPDATE is the only mutation path, so concurrent requests from
// the same user never overdraw.
func (s *Store) DeductIfAvailable(ctx context.Context, userID, window string, cost int64) (remaining int64, ok bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE budget_windows SET balance = balance - ?, updated_at = ?
		 WHERE user_id = ? AND window = ? AND balance >= ?`,
		cost, time.Now().Unix(), userID, window, cost)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	remaining, _, _, err = s.GetWindow(ctx, userID, window)
	return remaining, true, err
}

// Credit returns points to a window, capped at its capacity.
func (s *Store) Credit(ctx context.Context, userID, window string, amount int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE budget_windows SET balance = MIN(capacity, balance + ?), updated_at = ?
		 WHERE user_id = ? AND window = ?`,
		amount, time.Now().Unix(), userID, window)
	return err
}

// ResetElapsedWindows refills every window whose reset time has passed.
// Called from the maintenance sweep.
func (s *Store) ResetElapsedWindows(ctx context.Context, windowDurations map[string]time.Duration) (int64, error) {
	now := time.Now()
	var total int64
	for window, d := range windowDurations {
		res, err := s.db.ExecContext(ctx,
			`UPDATE budget_windows SET balance = capacity, reset_at = ?, updated_at = ?
			 WHERE window = ? AND reset_at <= ?`,
			now.Add(d).Unix(), now.Unix(), window, now.Unix())
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// --- cancellations ---

// RequestCancel marks the conversation's in-flight stream for cooperative abort.
func (s *Store) RequestCancel(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cancellations (conversation_id, canceled, requested_at) VALUES (?, 1, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET canceled = 1, requested_at = excluded.requested_at`,
		conversationID, time.Now().Unix())
	return err
}

func (s *Store) IsCanceled(ctx context.Context, conversationID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT canceled FROM cancellations WHERE conversation_id = ?`, conversationID)
	var canceled int
	err := row.Scan(&canceled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return canceled != 0, nil
}

// ClearCancel resets stale cancellation state when a new stream starts.
func (s *Store) ClearCancel(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cancellations WHERE conversation_id = ?`, conversationID)
	return err
}

// DeductClamped subtracts amount but never drives the balance negative. Used
// when settling actual usage that exceeded the optimistic estimate.
func (s *Store) DeductClamped(ctx context.Context, userID, window string, amount int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE budget_windows SET balance = MAX(0, balance - ?), updated_at = ?
		 WHERE user_id = ? AND window = ?`,
		amount, time.Now().Unix(), userID, window)
	return err
}
