package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"avatarchat/internal/logging"
	"avatarchat/internal/models"
	"avatarchat/internal/service/ai"
	"avatarchat/internal/usage"
)

var (
	// ErrQuotaExceeded rejects a free user who used up the daily quota.
	ErrQuotaExceeded = errors.New("free daily quota exceeded; upgrade to premium for unlimited access")
	// ErrBlocked rejects a message refused by the safety check.
	ErrBlocked = errors.New("message blocked by safety policy")
	// ErrInvalidRequest is returned when user_id or message is empty.
	ErrInvalidRequest = errors.New("user_id and message are required")
)

// Replies used when the completion model cannot answer.
const (
	ReplyNotConfigured = "(No Gemini API key configured on server — reply unavailable.)"
	ReplyModelFailed   = "(Model call failed; try again later.)"
)

type MessageStore interface {
	Append(ctx context.Context, userID string, role models.Role, content string) (*models.Message, error)
	History(ctx context.Context, userID string, limit int) ([]*models.Message, error)
	CountTurnsToday(ctx context.Context, userID string) (int, error)
}

type EntitlementChecker interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Runner executes fn so that calls for the same user never overlap. It
// returns an error when fn did not run to completion.
type Runner interface {
	Do(ctx context.Context, userID string, fn func()) error
}

// SafetyCheck reports whether text may be sent to the model.
type SafetyCheck func(text string) bool

// Service runs one chat turn: quota, safety, persist, complete, persist.
type Service struct {
	messages     MessageStore
	entitlements EntitlementChecker
	completer    Completer
	allowed      SafetyCheck
	runner       Runner
	dailyQuota   int
	historyLimit int
	logger       *slog.Logger
}

type Option func(*Service)

func WithSafety(check SafetyCheck) Option {
	return func(s *Service) { s.allowed = check }
}

// WithRunner serializes the turns of each user through r.
func WithRunner(r Runner) Option {
	return func(s *Service) { s.runner = r }
}

func WithDailyQuota(n int) Option {
	return func(s *Service) { s.dailyQuota = n }
}

func WithHistoryLimit(n int) Option {
	return func(s *Service) { s.historyLimit = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(messages MessageStore, entitlements EntitlementChecker, completer Completer, opts ...Option) *Service {
	s := &Service{
		messages:     messages,
		entitlements: entitlements,
		completer:    completer,
		dailyQuota:   usage.DefaultDailyQuota,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// Send handles a chat message and returns the reply. Quota and safety
// rejections are returned as ErrQuotaExceeded and ErrBlocked; any model
// failure is replaced by a fixed reply.
func (s *Service) Send(ctx context.Context, userID, message, sessionID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(message) == "" {
		return "", ErrInvalidRequest
	}
	if sessionID != "" {
		s.logger.Debug("session_id is not used for chat history", "user_id", userID, "session_id", sessionID)
	}
	if s.runner == nil {
		return s.turn(ctx, userID, message)
	}

	var (
		reply string
		err   error
	)
	if rerr := s.runner.Do(ctx, userID, func() {
		reply, err = s.turn(ctx, userID, message)
	}); rerr != nil {
		return "", rerr
	}
	return reply, err
}

func (s *Service) turn(ctx context.Context, userID, message string) (string, error) {
	if decision := s.checkQuota(ctx, userID); !decision.Allowed {
		s.logger.Info("chat rejected", "user_id", userID, "reason", decision.Reason)
		return "", ErrQuotaExceeded
	}
	if s.allowed != nil && !s.allowed(message) {
		s.logger.Info("chat rejected", "user_id", userID, "reason", "safety")
		return "", ErrBlocked
	}

	if _, err := s.messages.Append(ctx, userID, models.RoleUser, message); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}

	reply := s.complete(ctx, userID, message)

	if _, err := s.messages.Append(ctx, userID, models.RoleAssistant, reply); err != nil {
		// the reply is still returned, only its stored copy is lost
		s.logger.Error("persist assistant reply failed", "user_id", userID, "err", err)
	}
	return reply, nil
}

// checkQuota fails open: an error reading premium state or usage counts
// lets the request through.
func (s *Service) checkQuota(ctx context.Context, userID string) usage.Decision {
	premium := false
	if s.entitlements != nil {
		p, err := s.entitlements.IsPremium(ctx, userID)
		if err != nil {
			s.logger.Warn("premium lookup failed, allowing request", "user_id", userID, "err", err)
			return usage.Allow()
		}
		premium = p
	}
	if premium {
		return usage.Allow()
	}
	used, err := s.messages.CountTurnsToday(ctx, userID)
	if err != nil {
		s.logger.Warn("usage count failed, allowing request", "user_id", userID, "err", err)
		return usage.Allow()
	}
	return usage.Decide(usage.Request{
		UserID:     userID,
		Premium:    premium,
		UsedToday:  used,
		DailyQuota: s.dailyQuota,
	})
}

func (s *Service) complete(ctx context.Context, userID, message string) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("model call panicked", "user_id", userID, "panic", r)
			reply = ReplyModelFailed
		}
	}()
	if s.completer == nil {
		s.logger.Warn("no completion model, returning fallback reply", "user_id", userID)
		return ReplyNotConfigured
	}
	reply, err := s.completer.Complete(ctx, message)
	switch {
	case errors.Is(err, ai.ErrNotConfigured):
		s.logger.Warn("completion model not configured, returning fallback reply", "user_id", userID)
		return ReplyNotConfigured
	case err != nil:
		s.logger.Error("model call failed", "user_id", userID, "err", err)
		return ReplyModelFailed
	case strings.TrimSpace(reply) == "":
		return ReplyModelFailed
	}
	return reply
}

// History returns the user's most recent messages, oldest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	return s.messages.History(ctx, userID, limit)
}
