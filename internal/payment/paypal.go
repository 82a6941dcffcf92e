package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"avatarchat/internal/config"
	"avatarchat/internal/logging"
)

const (
	paypalProvider    = "paypal"
	paypalLiveBase    = "https://api-m.paypal.com"
	paypalSandboxBase = "https://api-m.sandbox.paypal.com"

	// DefaultAmount is the order amount in USD when none is given.
	DefaultAmount = "4.99"
)

var amountPattern = regexp.MustCompile(`^\d{1,7}(\.\d{1,2})?$`)

// CaptureKind classifies a capture response.
type CaptureKind int

const (
	// CaptureCompleted is a terminal success; premium is granted when a user is known.
	CaptureCompleted CaptureKind = iota
	// CaptureNotCompleted carries any other status, e.g. DECLINED or PENDING.
	CaptureNotCompleted
	// CaptureUnrecognized is a response without a status field.
	CaptureUnrecognized
)

func (k CaptureKind) String() string {
	switch k {
	case CaptureCompleted:
		return "completed"
	case CaptureNotCompleted:
		return "not_completed"
	default:
		return "unrecognized"
	}
}

// CaptureResult is the provider's capture response plus what was done with it.
type CaptureResult struct {
	Kind    CaptureKind
	OrderID string
	Status  string
	Granted bool
	Raw     json.RawMessage
}

// OrderResult is a created order and its buyer approval link.
type OrderResult struct {
	Order      json.RawMessage `json:"order"`
	ApproveURL string          `json:"approve_url"`
}

type paypalOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// classifyCapture maps a capture status onto a CaptureKind. Comparison is
// case-insensitive.
func classifyCapture(status string) CaptureKind {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "":
		return CaptureUnrecognized
	case "COMPLETED", "COMPLETED_WITH_PENDING_SETTLEMENT":
		return CaptureCompleted
	default:
		return CaptureNotCompleted
	}
}

// PayPalBaseURL returns the REST base for mode: live or anything else for sandbox.
func PayPalBaseURL(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), "live") {
		return paypalLiveBase
	}
	return paypalSandboxBase
}

// PayPal creates and captures orders. The access token comes from a client
// credentials exchange and is reused until it expires.
type PayPal struct {
	cfg          config.PayPalConfig
	baseURL      string
	publicOrigin string
	granter      Granter
	httpClient   *http.Client
	logger       *slog.Logger

	tokenOnce sync.Once
	tokens    oauth2.TokenSource
}

func NewPayPal(cfg config.PayPalConfig, publicOrigin string, granter Granter, timeout time.Duration, logger *slog.Logger) *PayPal {
	base := cfg.APIBase
	if base == "" {
		base = PayPalBaseURL(cfg.Mode)
	}
	if publicOrigin == "" {
		publicOrigin = config.DefaultPublicOrigin
	}
	return &PayPal{
		cfg:          cfg,
		baseURL:      strings.TrimRight(base, "/"),
		publicOrigin: strings.TrimRight(publicOrigin, "/"),
		granter:      granter,
		httpClient:   newHTTPClient(timeout),
		logger:       logging.OrDefault(logger),
	}
}

// Configured reports whether client credentials are set.
func (p *PayPal) Configured() bool {
	return p != nil && p.cfg.ClientID != "" && p.cfg.Secret != ""
}

func (p *PayPal) tokenSource() oauth2.TokenSource {
	p.tokenOnce.Do(func() {
		cc := &clientcredentials.Config{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.Secret,
			TokenURL:     p.baseURL + "/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, p.httpClient)
		p.tokens = cc.TokenSource(ctx)
	})
	return p.tokens
}

// do sends a JSON request with a bearer token and returns the 2xx body.
func (p *PayPal) do(ctx context.Context, path, requestID string, payload any) ([]byte, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	token, err := p.tokenSource().Token()
	if err != nil {
		return nil, fmt.Errorf("paypal: auth token: %w", err)
	}

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, fmt.Errorf("paypal: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("paypal: build request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PayPal-Request-Id", requestID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paypal: %s: %w", path, err)
	}
	return readResponse(paypalProvider, resp)
}

// CreateOrder creates a USD capture order for amount (default "4.99").
func (p *PayPal) CreateOrder(ctx context.Context, userID, amount string) (*OrderResult, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	amount = strings.TrimSpace(amount)
	if amount == "" {
		amount = DefaultAmount
	}
	if !amountPattern.MatchString(amount) {
		return nil, fmt.Errorf("%w: amount %q is not a decimal string", ErrInvalidRequest, amount)
	}

	unit := map[string]any{
		"amount": map[string]string{"currency_code": "USD", "value": amount},
	}
	if userID = strings.TrimSpace(userID); userID != "" {
		unit["custom_id"] = userID
	}
	payload := map[string]any{
		"intent":         "CAPTURE",
		"purchase_units": []any{unit},
		"application_context": map[string]string{
			"return_url": p.publicOrigin + "/paypal-success",
			"cancel_url": p.publicOrigin + "/paypal-cancel",
		},
	}
	body, err := p.do(ctx, "/v2/checkout/orders", uuid.NewString(), payload)
	if err != nil {
		return nil, err
	}
	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("paypal: decode order: %w", err)
	}
	result := &OrderResult{Order: json.RawMessage(body)}
	for _, link := range order.Links {
		if link.Rel == "approve" {
			result.ApproveURL = link.Href
		}
	}
	p.logger.Info("paypal order created", "user_id", userID, "order_id", order.ID)
	return result, nil
}

// CaptureOrder captures an approved order. Premium is granted only for a
// terminal success status and only when userID is given; any other status
// is returned without error.
func (p *PayPal) CaptureOrder(ctx context.Context, orderID, userID string) (*CaptureResult, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrInvalidRequest)
	}

	// the same order always maps to the same request id, so a repeated
	// capture is answered from the provider's idempotency cache
	requestID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("paypal-capture:"+orderID)).String()
	body, err := p.do(ctx, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", requestID, nil)
	if err != nil {
		return nil, err
	}
	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("paypal: decode capture: %w", err)
	}

	result := &CaptureResult{
		Kind:    classifyCapture(order.Status),
		OrderID: orderID,
		Status:  order.Status,
		Raw:     json.RawMessage(body),
	}
	userID = strings.TrimSpace(userID)
	if result.Kind != CaptureCompleted {
		p.logger.Info("paypal capture not completed", "order_id", orderID, "status", order.Status, "kind", result.Kind.String())
		return result, nil
	}
	if userID == "" {
		p.logger.Warn("paypal capture completed without user_id", "order_id", orderID)
		return result, nil
	}
	if err := p.granter.SetPremium(ctx, userID, true, nil); err != nil {
		return nil, fmt.Errorf("grant premium for %s: %w", userID, err)
	}
	result.Granted = true
	p.logger.Info("premium granted", "user_id", userID, "provider", paypalProvider, "order_id", orderID)
	return result, nil
}
