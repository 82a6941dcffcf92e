package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avatarchat/internal/config"
)

type fakePayPal struct {
	*httptest.Server
	tokenCalls   atomic.Int32
	captureCalls atomic.Int32
	lastOrder    atomic.Value
}

// newFakePayPal serves the token, create and capture endpoints. The capture
// status is the order id upper-cased, so order "completed" answers COMPLETED.
func newFakePayPal(t *testing.T) *fakePayPal {
	t.Helper()
	f := &fakePayPal{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("PayPal-Request-Id"))
		body, _ := io.ReadAll(r.Body)
		f.lastOrder.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"ORDER-1","status":"CREATED","links":[{"href":"https://paypal.test/self","rel":"self"},{"href":"https://paypal.test/approve","rel":"approve"}]}`)
	})
	mux.HandleFunc("/v2/checkout/orders/", func(w http.ResponseWriter, r *http.Request) {
		f.captureCalls.Add(1)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v2/checkout/orders/"), "/capture")
		switch id {
		case "missing":
			http.Error(w, `{"name":"RESOURCE_NOT_FOUND"}`, http.StatusNotFound)
			return
		case "nostatus":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"nostatus"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": strings.ToUpper(id)})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestPayPal(f *fakePayPal, granter Granter) *PayPal {
	return NewPayPal(config.PayPalConfig{ClientID: "client", Secret: "secret", APIBase: f.URL},
		"https://avatar.example", granter, time.Second, nil)
}

func TestCaptureCompletedGrantsPremium(t *testing.T) {
	f := newFakePayPal(t)
	granter := &recordingGranter{}
	p := newTestPayPal(f, granter)

	res, err := p.CaptureOrder(context.Background(), "completed", "u1")
	require.NoError(t, err)
	require.Equal(t, CaptureCompleted, res.Kind)
	require.Equal(t, "COMPLETED", res.Status)
	require.True(t, res.Granted)
	require.Equal(t, []string{"u1"}, granter.users)
	require.JSONEq(t, `{"id":"completed","status":"COMPLETED"}`, string(res.Raw))
}

func TestCaptureDeclinedDoesNotGrant(t *testing.T) {
	f := newFakePayPal(t)
	granter := &recordingGranter{}
	p := newTestPayPal(f, granter)

	res, err := p.CaptureOrder(context.Background(), "declined", "u1")
	require.NoError(t, err)
	require.Equal(t, CaptureNotCompleted, res.Kind)
	require.Equal(t, "DECLINED", res.Status)
	require.False(t, res.Granted)
	require.Empty(t, granter.users)

	res, err = p.CaptureOrder(context.Background(), "nostatus", "u1")
	require.NoError(t, err)
	require.Equal(t, CaptureUnrecognized, res.Kind)
	require.Empty(t, granter.users)
}

func TestCaptureWithoutUserDoesNotGrant(t *testing.T) {
	f := newFakePayPal(t)
	granter := &recordingGranter{}
	p := newTestPayPal(f, granter)

	res, err := p.CaptureOrder(context.Background(), "completed_with_pending_settlement", "")
	require.NoError(t, err)
	require.Equal(t, CaptureCompleted, res.Kind)
	require.False(t, res.Granted)
	require.Empty(t, granter.users)
}

func TestCaptureProviderErrorIsNotRetried(t *testing.T) {
	f := newFakePayPal(t)
	p := newTestPayPal(f, &recordingGranter{})

	_, err := p.CaptureOrder(context.Background(), "missing", "u1")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusNotFound, perr.Status)
	require.Equal(t, int32(1), f.captureCalls.Load())
}

func TestTokenIsReused(t *testing.T) {
	f := newFakePayPal(t)
	p := newTestPayPal(f, &recordingGranter{})

	for i := 0; i < 3; i++ {
		_, err := p.CaptureOrder(context.Background(), "completed", "")
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestBadCredentialsFail(t *testing.T) {
	f := newFakePayPal(t)
	p := NewPayPal(config.PayPalConfig{ClientID: "client", Secret: "wrong", APIBase: f.URL}, "", &recordingGranter{}, time.Second, nil)

	_, err := p.CaptureOrder(context.Background(), "completed", "u1")
	require.Error(t, err)
	require.Zero(t, f.captureCalls.Load())
}

func TestCreateOrder(t *testing.T) {
	f := newFakePayPal(t)
	p := newTestPayPal(f, &recordingGranter{})

	res, err := p.CreateOrder(context.Background(), "u1", "")
	require.NoError(t, err)
	require.Equal(t, "https://paypal.test/approve", res.ApproveURL)

	var order map[string]any
	require.NoError(t, json.Unmarshal(res.Order, &order))
	require.Equal(t, "ORDER-1", order["id"])

	var sent struct {
		Intent        string `json:"intent"`
		PurchaseUnits []struct {
			CustomID string `json:"custom_id"`
			Amount   struct {
				CurrencyCode string `json:"currency_code"`
				Value        string `json:"value"`
			} `json:"amount"`
		} `json:"purchase_units"`
		ApplicationContext struct {
			ReturnURL string `json:"return_url"`
		} `json:"application_context"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.lastOrder.Load().(string)), &sent))
	require.Equal(t, "CAPTURE", sent.Intent)
	require.Len(t, sent.PurchaseUnits, 1)
	require.Equal(t, "USD", sent.PurchaseUnits[0].Amount.CurrencyCode)
	require.Equal(t, DefaultAmount, sent.PurchaseUnits[0].Amount.Value)
	require.Equal(t, "u1", sent.PurchaseUnits[0].CustomID)
	require.Equal(t, "https://avatar.example/paypal-success", sent.ApplicationContext.ReturnURL)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFakePayPal(t)
	p := newTestPayPal(f, &recordingGranter{})

	_, err := p.CreateOrder(context.Background(), "u1", "4.999")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = p.CreateOrder(context.Background(), "u1", "-1")
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = p.CaptureOrder(context.Background(), " ", "u1")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPayPalNotConfigured(t *testing.T) {
	p := NewPayPal(config.PayPalConfig{}, "", &recordingGranter{}, time.Second, nil)
	require.False(t, p.Configured())

	_, err := p.CreateOrder(context.Background(), "u1", "4.99")
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = p.CaptureOrder(context.Background(), "ORDER-1", "u1")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestPayPalBaseURL(t *testing.T) {
	require.Equal(t, "https://api-m.paypal.com", PayPalBaseURL("LIVE"))
	require.Equal(t, "https://api-m.sandbox.paypal.com", PayPalBaseURL("sandbox"))
	require.Equal(t, "https://api-m.sandbox.paypal.com", PayPalBaseURL(""))
}

func TestClassifyCaptureIgnoresCase(t *testing.T) {
	require.Equal(t, CaptureCompleted, classifyCapture("completed"))
	require.Equal(t, CaptureCompleted, classifyCapture("Completed_With_Pending_Settlement"))
	require.Equal(t, CaptureNotCompleted, classifyCapture("DECLINED"))
	require.Equal(t, CaptureUnrecognized, classifyCapture(""))
}
