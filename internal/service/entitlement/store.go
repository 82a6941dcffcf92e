package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"avatarchat/internal/logging"
	"avatarchat/internal/models"
	"avatarchat/internal/storage"
)

// Cache is an optional read-through cache of entitlement rows. Writers
// overwrite the entry with Store; readers only Fill an absent entry, so a
// read that raced a write cannot replace the newer row.
type Cache interface {
	Load(ctx context.Context, userID string) (*models.Entitlement, bool, error)
	Fill(ctx context.Context, ent *models.Entitlement) error
	Store(ctx context.Context, ent *models.Entitlement) error
	Invalidate(ctx context.Context, userID string) error
}

// Store keeps one premium row per user. Absence of a row means not premium.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
	now    func() time.Time
	cache  Cache
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the time source used to evaluate expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCache puts a read cache in front of the users table.
func WithCache(c Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithLogger sets the logger used for cache anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore builds an entitlement store for the given driver.
func NewStore(db *sql.DB, driver string, opts ...Option) (*Store, error) {
	normalized, err := storage.NormalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, driver: normalized, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s, nil
}

func (s *Store) upsertSQL() string {
	if s.driver == storage.DriverMySQL {
		return `INSERT INTO users (user_id, is_premium, premium_expires) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE is_premium = VALUES(is_premium), premium_expires = VALUES(premium_expires)`
	}
	return `INSERT INTO users (user_id, is_premium, premium_expires) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET is_premium = excluded.is_premium, premium_expires = excluded.premium_expires`
}

// SetPremium upserts the user's premium flag and expiry. Repeating a call
// with the same arguments leaves the row unchanged.
func (s *Store) SetPremium(ctx context.Context, userID string, premium bool, expiresAt *time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user_id is required")
	}
	var expires sql.NullTime
	if expiresAt != nil {
		expires = sql.NullTime{Time: expiresAt.UTC(), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if _, err := s.db.ExecContext(ctx, s.upsertSQL(), userID, premium, expires); err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	if s.cache != nil {
		ent := &models.Entitlement{UserID: userID, IsPremium: premium}
		if expires.Valid {
			t := expires.Time
			ent.ExpiresAt = &t
		}
		if err := s.cache.Store(ctx, ent); err != nil {
			s.logger.Warn("entitlement cache write failed", "user_id", userID, "err", err)
			if err := s.cache.Invalidate(ctx, userID); err != nil {
				s.logger.Warn("entitlement cache invalidation failed", "user_id", userID, "err", err)
			}
		}
	}
	return nil
}

// Get returns the stored entitlement. A user with no row gets a
// non-premium entitlement.
func (s *Store) Get(ctx context.Context, userID string) (*models.Entitlement, error) {
	if s.cache != nil {
		ent, ok, err := s.cache.Load(ctx, userID)
		if err != nil {
			s.logger.Warn("entitlement cache read failed", "user_id", userID, "err", err)
		} else if ok {
			return ent, nil
		}
	}

	var (
		premium bool
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT is_premium, premium_expires FROM users WHERE user_id = ?`, userID,
	).Scan(&premium, &expires)
	var ent *models.Entitlement
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ent = &models.Entitlement{UserID: userID}
	case err != nil:
		return nil, fmt.Errorf("query entitlement: %w", err)
	default:
		ent = &models.Entitlement{UserID: userID, IsPremium: premium}
		if expires.Valid {
			t := expires.Time.UTC()
			ent.ExpiresAt = &t
		}
	}

	if s.cache != nil {
		if err := s.cache.Fill(ctx, ent); err != nil {
			s.logger.Warn("entitlement cache fill failed", "user_id", userID, "err", err)
		}
	}
	return ent, nil
}

// IsPremium reports whether the user currently holds premium. Unknown users
// and expired grants are not premium.
func (s *Store) IsPremium(ctx context.Context, userID string) (bool, error) {
	ent, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return ent.Active(s.now()), nil
}
