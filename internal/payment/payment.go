package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrNotConfigured is returned when a provider's credentials are missing.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrInvalidSignature rejects a webhook whose signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload rejects a webhook body that is not a JSON event.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrInvalidRequest covers missing ids and bad amounts.
	ErrInvalidRequest = errors.New("invalid payment request")
)

// DefaultProviderTimeout bounds each call to a payment provider.
const DefaultProviderTimeout = 10 * time.Second

const maxErrorBody = 512

// Granter applies an entitlement change. Both providers grant premium
// through it and nothing else.
type Granter interface {
	SetPremium(ctx context.Context, userID string, premium bool, expiresAt *time.Time) error
}

// ProviderError is a non-2xx answer from a payment provider. Calls are not
// retried.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.Status, e.Body)
}

// readResponse returns the body of a 2xx response and a ProviderError otherwise.
func readResponse(provider string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &ProviderError{Provider: provider, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &http.Client{Timeout: timeout}
}
