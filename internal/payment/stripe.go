package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"avatarchat/internal/config"
	"avatarchat/internal/logging"
)

const (
	stripeProvider = "stripe"

	// EventCheckoutCompleted is the only event that grants premium.
	EventCheckoutCompleted = string(stripe.EventTypeCheckoutSessionCompleted)

	// DefaultSignatureTolerance is how old a signed webhook may be.
	DefaultSignatureTolerance = webhook.DefaultTolerance

	productName = "Live Avatar Premium Access"
)

// Event is a parsed webhook event: CheckoutCompleted or UnrecognizedEvent.
type Event interface {
	EventType() string
}

// CheckoutCompleted is a finished hosted checkout. UserID is empty when the
// session carried no user_id metadata.
type CheckoutCompleted struct {
	EventID   string
	SessionID string
	UserID    string
}

func (CheckoutCompleted) EventType() string { return EventCheckoutCompleted }

// UnrecognizedEvent is any event type this service does not act on.
type UnrecognizedEvent struct {
	EventID string
	Type    string
}

func (e UnrecognizedEvent) EventType() string { return e.Type }

// Outcome reports what a webhook delivery did.
type Outcome struct {
	Handled bool   `json:"handled"`
	Message string `json:"message"`
}

// ParseEvent decodes an unverified webhook body into an Event.
func ParseEvent(payload []byte) (Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return classifyEvent(ev)
}

func classifyEvent(ev stripe.Event) (Event, error) {
	if ev.Type != stripe.EventTypeCheckoutSessionCompleted {
		return UnrecognizedEvent{EventID: ev.ID, Type: string(ev.Type)}, nil
	}
	var cs stripe.CheckoutSession
	if ev.Data != nil && len(ev.Data.Raw) > 0 {
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
		}
	}
	return CheckoutCompleted{
		EventID:   ev.ID,
		SessionID: cs.ID,
		UserID:    strings.TrimSpace(cs.Metadata["user_id"]),
	}, nil
}

// ConstructEvent verifies the Stripe-Signature header against payload and
// decodes the event. Events of any API version are accepted.
func ConstructEvent(payload []byte, header, secret string, tolerance time.Duration) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld):
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return classifyEvent(ev)
}

// stripeLogger sends SDK log lines to slog.
type stripeLogger struct {
	logger *slog.Logger
}

func (l stripeLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "provider", stripeProvider)
}

func (l stripeLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "provider", stripeProvider)
}

func (l stripeLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), "provider", stripeProvider)
}

func (l stripeLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), "provider", stripeProvider)
}

// Stripe handles hosted checkout and its webhook.
type Stripe struct {
	cfg          config.StripeConfig
	publicOrigin string
	granter      Granter
	sessions     session.Client
	tolerance    time.Duration
	logger       *slog.Logger
}

func NewStripe(cfg config.StripeConfig, publicOrigin string, granter Granter, timeout time.Duration, logger *slog.Logger) *Stripe {
	if cfg.PriceCents <= 0 {
		cfg.PriceCents = config.DefaultStripePrice
	}
	if publicOrigin == "" {
		publicOrigin = config.DefaultPublicOrigin
	}
	logger = logging.OrDefault(logger)

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        newHTTPClient(timeout),
		LeveledLogger:     stripeLogger{logger: logger},
		MaxNetworkRetries: stripe.Int64(0),
		EnableTelemetry:   stripe.Bool(false),
	}
	if cfg.APIBase != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.APIBase, "/"))
	}
	return &Stripe{
		cfg:          cfg,
		publicOrigin: strings.TrimRight(publicOrigin, "/"),
		granter:      granter,
		sessions: session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		tolerance: DefaultSignatureTolerance,
		logger:    logger,
	}
}

// Configured reports whether checkout sessions can be created.
func (s *Stripe) Configured() bool {
	return s != nil && s.cfg.SecretKey != ""
}

// VerifiesWebhooks reports whether webhook signatures are checked.
func (s *Stripe) VerifiesWebhooks() bool {
	return s != nil && s.cfg.WebhookSecret != ""
}

// HandleWebhook verifies and applies one webhook delivery. Without a
// webhook secret the payload is trusted as is, which is insecure.
// Deliveries may repeat; the grant is an upsert so replays change nothing.
func (s *Stripe) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	var (
		event Event
		err   error
	)
	if s.VerifiesWebhooks() {
		event, err = ConstructEvent(payload, signature, s.cfg.WebhookSecret, s.tolerance)
		if errors.Is(err, ErrInvalidSignature) {
			s.logger.Warn("stripe webhook signature verification failed", "err", err)
		}
	} else {
		s.logger.Warn("stripe webhook secret not set, accepting unverified event")
		event, err = ParseEvent(payload)
	}
	if err != nil {
		return Outcome{}, err
	}
	s.logger.Info("stripe event", "event_type", event.EventType())

	switch ev := event.(type) {
	case CheckoutCompleted:
		if ev.UserID == "" {
			s.logger.Warn("stripe checkout without user_id", "event_id", ev.EventID, "session_id", ev.SessionID)
			return Outcome{Handled: false, Message: "No user_id in session metadata"}, nil
		}
		if err := s.granter.SetPremium(ctx, ev.UserID, true, nil); err != nil {
			return Outcome{}, fmt.Errorf("grant premium for %s: %w", ev.UserID, err)
		}
		s.logger.Info("premium granted", "user_id", ev.UserID, "provider", stripeProvider, "event_id", ev.EventID)
		return Outcome{Handled: true, Message: fmt.Sprintf("User %s marked premium via Stripe", ev.UserID)}, nil
	default:
		return Outcome{Handled: false, Message: fmt.Sprintf("Unhandled event type: %s", event.EventType())}, nil
	}
}

// CreateCheckoutSession starts a monthly subscription checkout for userID
// and returns the hosted page URL.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, userID string) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(int64(s.cfg.PriceCents)),
				Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval: stripe.String("month"),
				},
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(productName),
				},
			},
		}},
		SuccessURL: stripe.String(s.publicOrigin + "/?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(s.publicOrigin + "/?canceled=true"),
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	if days := s.cfg.TrialPeriodDays(); days > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(int64(days)),
		}
	}
	params.SetIdempotencyKey(uuid.NewString())

	cs, err := s.sessions.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) {
			return "", &ProviderError{Provider: stripeProvider, Status: serr.HTTPStatusCode, Body: serr.Msg}
		}
		return "", fmt.Errorf("stripe: create checkout session: %w", err)
	}
	if cs.URL == "" {
		return "", errors.New("stripe: checkout session has no url")
	}
	return cs.URL, nil
}
