package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"avatarchat/internal/models"
)

// DefaultLimit is the number of messages History returns when no limit is given.
const DefaultLimit = 200

// Store is the append-only message log. Writes are serialized by a
// per-table lock and committed before Append returns; reads never take it.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore builds a message store on an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the time source, used for timestamps and day boundaries.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Append persists a message and returns it with its assigned id and timestamp.
func (s *Store) Append(ctx context.Context, userID string, role models.Role, content string) (*models.Message, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if role != models.RoleUser && role != models.RoleAssistant {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// a write that has started is not abandoned when the caller goes away
	ctx = context.WithoutCancel(ctx)
	createdAt := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, string(role), content, createdAt,
	)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("message id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return &models.Message{
		ID:        id,
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: createdAt,
	}, nil
}

// History returns the most recent limit messages of a user, oldest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, content, created_at FROM messages WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountSince counts the user's messages created at or after since.
func (s *Store) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// CountToday counts the user's messages since the start of the current UTC
// day. The boundary is UTC midnight, not the user's local midnight.
func (s *Store) CountToday(ctx context.Context, userID string) (int, error) {
	return s.CountSince(ctx, userID, StartOfDay(s.now()))
}

// CountRoleSince counts the user's messages of one role created at or after since.
func (s *Store) CountRoleSince(ctx context.Context, userID string, role models.Role, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE user_id = ? AND role = ? AND created_at >= ?`,
		userID, string(role), since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s messages: %w", role, err)
	}
	return count, nil
}

// CountTurnsToday counts the messages the user sent since UTC midnight.
// Assistant replies are not included, so one chat turn counts once.
func (s *Store) CountTurnsToday(ctx context.Context, userID string) (int, error) {
	return s.CountRoleSince(ctx, userID, models.RoleUser, StartOfDay(s.now()))
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Export writes every stored message, oldest first, as one JSON object per
// line and returns how many were written.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, content, created_at FROM messages ORDER BY id ASC`,
	)
	if err != nil {
		return 0, fmt.Errorf("query export: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	n := 0
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return n, err
		}
		if err := enc.Encode(msg); err != nil {
			return n, fmt.Errorf("write export: %w", err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate export: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		msg  models.Message
		role string
	)
	if err := row.Scan(&msg.ID, &msg.UserID, &role, &msg.Content, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = models.Role(role)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}
