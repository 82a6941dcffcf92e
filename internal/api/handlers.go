package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"avatarchat/internal/logging"
	"avatarchat/internal/models"
	"avatarchat/internal/payment"
	"avatarchat/internal/service/chat"
	"avatarchat/internal/worker"
)

const (
	maxWebhookBody = 512 << 10

	quotaExceededDetail  = "Free daily quota exceeded. Upgrade to premium for unlimited access."
	blockedDetail        = "Message blocked by safety policy"
	stripeMissingDetail  = "Stripe not configured on server. Use PayPal instead."
	serverBusyDetail     = "server is busy, please retry"
	signatureHeader      = "Stripe-Signature"
	invalidRequestDetail = "invalid request body"
)

type ChatService interface {
	Send(ctx context.Context, userID, message, sessionID string) (string, error)
	History(ctx context.Context, userID string, limit int) ([]*models.Message, error)
}

type EntitlementReader interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

type StripeService interface {
	Configured() bool
	HandleWebhook(ctx context.Context, payload []byte, signature string) (payment.Outcome, error)
	CreateCheckoutSession(ctx context.Context, userID string) (string, error)
}

type PayPalService interface {
	CreateOrder(ctx context.Context, userID, amount string) (*payment.OrderResult, error)
	CaptureOrder(ctx context.Context, orderID, userID string) (*payment.CaptureResult, error)
}

// PublicConfig is the non-secret configuration served to the frontend.
type PublicConfig struct {
	PayPalClientID  string
	PublicOrigin    string
	PriceCents      int
	TrialDays       int
	FreeChatsPerDay int
	HasAIKey        bool
	HasStripe       bool
}

// Handler wires HTTP routes to the chat, entitlement and payment services.
type Handler struct {
	chat         ChatService
	entitlements EntitlementReader
	stripe       StripeService
	paypal       PayPalService
	public       PublicConfig
	logger       *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(chatService ChatService, entitlements EntitlementReader, stripe StripeService, paypal PayPalService, public PublicConfig, logger *slog.Logger) *Handler {
	return &Handler{
		chat:         chatService,
		entitlements: entitlements,
		stripe:       stripe,
		paypal:       paypal,
		public:       public,
		logger:       logging.OrDefault(logger),
	}
}

// RegisterRoutes attaches all HTTP routes to the router. limits run in front
// of the chat and payment routes.
func (h *Handler) RegisterRoutes(router *gin.Engine, limits ...gin.HandlerFunc) {
	router.GET("/config", h.publicConfig)
	router.GET("/user/:user_id/premium", h.checkPremium)
	router.GET("/chat/history/:user_id", h.chatHistory)
	// provider callbacks are not rate limited
	router.POST("/stripe/webhook", h.stripeWebhook)

	limited := router.Group("/")
	limited.Use(limits...)
	limited.POST("/chat/send", h.chatSend)
	limited.POST("/create-checkout-session", h.createCheckoutSession)
	limited.POST("/paypal/create-order", h.paypalCreateOrder)
	limited.POST("/paypal/capture-order", h.paypalCaptureOrder)
}

// Chat interface
type chatRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (h *Handler) chatSend(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": invalidRequestDetail})
		return
	}
	reply, err := h.chat.Send(c.Request.Context(), req.UserID, req.Message, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrQuotaExceeded):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": quotaExceededDetail})
		case errors.Is(err, chat.ErrBlocked):
			c.JSON(http.StatusBadRequest, gin.H{"error": blockedDetail})
		case errors.Is(err, chat.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, worker.ErrDispatcherBusy):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": serverBusyDetail})
		default:
			h.logger.Error("chat send failed", "user_id", req.UserID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "chat unavailable"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func (h *Handler) chatHistory(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	messages, err := h.chat.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("load history failed", "user_id", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(messages),
		"messages": messages,
	})
}

func (h *Handler) checkPremium(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	premium, err := h.entitlements.IsPremium(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("premium lookup failed", "user_id", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":    userID,
		"is_premium": premium,
	})
}

// Payment interface
func (h *Handler) stripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	outcome, err := h.stripe.HandleWebhook(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidSignature), errors.Is(err, payment.ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("stripe webhook failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type checkoutRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) createCheckoutSession(c *gin.Context) {
	if !h.stripe.Configured() {
		c.JSON(http.StatusNotImplemented, gin.H{"error": stripeMissingDetail})
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": invalidRequestDetail})
		return
	}
	url, err := h.stripe.CreateCheckoutSession(c.Request.Context(), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrNotConfigured):
			c.JSON(http.StatusNotImplemented, gin.H{"error": stripeMissingDetail})
		case errors.Is(err, payment.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("failed to create stripe session", "user_id", req.UserID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

type paypalCreateRequest struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
}

func (h *Handler) paypalCreateOrder(c *gin.Context) {
	var req paypalCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": invalidRequestDetail})
		return
	}
	order, err := h.paypal.CreateOrder(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		h.paypalError(c, "paypal create order failed", req.UserID, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type paypalCaptureRequest struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

func (h *Handler) paypalCaptureOrder(c *gin.Context) {
	var req paypalCaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": invalidRequestDetail})
		return
	}
	result, err := h.paypal.CaptureOrder(c.Request.Context(), req.OrderID, req.UserID)
	if err != nil {
		h.paypalError(c, "paypal capture failed", req.UserID, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result.Raw)
}

// paypalError maps PayPal failures: bad input is 400, everything else,
// missing credentials included, is 500.
func (h *Handler) paypalError(c *gin.Context, msg, userID string, err error) {
	if errors.Is(err, payment.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error(msg, "user_id", userID, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// Public config interface
func (h *Handler) publicConfig(c *gin.Context) {
	price := float64(h.public.PriceCents) / 100
	c.JSON(http.StatusOK, gin.H{
		"paypalClientId": h.public.PayPalClientID,
		"publicOrigin":   h.public.PublicOrigin,
		"pricing": gin.H{
			"monthlyPrice":          price,
			"monthlyPriceFormatted": fmt.Sprintf("$%.2f/month", price),
			"trialDays":             h.public.TrialDays,
			"freeChatsPerDay":       h.public.FreeChatsPerDay,
		},
		"hasGeminiKey": h.public.HasAIKey,
		"hasStripe":    h.public.HasStripe,
	})
}
