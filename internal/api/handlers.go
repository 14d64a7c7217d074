package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/logging"
	"github.com/example/ec-payments/internal/payment"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	maxCheckoutBody = 64 << 10
	maxCallbackBody = 64 << 10
	maxWebhookBody  = 1 << 20
)

var signaturePattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

type Handlers struct {
	initiator  *payment.Initiator
	processor  *payment.Processor
	successURL string
	failureURL string
	logger     *zap.Logger
}

func NewHandlers(initiator *payment.Initiator, processor *payment.Processor, successURL, failureURL string, logger *zap.Logger) *Handlers {
	return &Handlers{
		initiator:  initiator,
		processor:  processor,
		successURL: successURL,
		failureURL: failureURL,
		logger:     logger.Named("api"),
	}
}

type CheckoutRequest struct {
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Customer       order.Customer `json:"customer"`
	Shipping       order.Address  `json:"shipping"`
	Items          []CheckoutItem `json:"items"`
	Description    string         `json:"description"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

type CheckoutItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Variant   string `json:"variant"`
}

type CheckoutResponse struct {
	OrderID               string            `json:"orderId"`
	Gateway               string            `json:"gateway"`
	GatewayOrderReference string            `json:"gatewayOrderReference"`
	Amount                int64             `json:"amount"`
	Currency              string            `json:"currency"`
	Status                string            `json:"status"`
	ClientParameters      map[string]string `json:"clientParameters"`
	Replayed              bool              `json:"replayed,omitempty"`
}

// POST /api/checkout/{gateway}
func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := decodeJSON(w, r, maxCheckoutBody, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be valid JSON with integer amounts")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	items := make([]order.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = order.Item{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Variant:   it.Variant,
		}
	}

	co, err := h.initiator.Initiate(r.Context(), payment.CheckoutRequest{
		Gateway:        chi.URLParam(r, "gateway"),
		Amount:         req.Amount,
		Currency:       strings.TrimSpace(req.Currency),
		Customer:       req.Customer,
		Shipping:       req.Shipping,
		Items:          items,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondCheckoutError(w, err)
		return
	}

	status := http.StatusCreated
	if co.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, CheckoutResponse{
		OrderID:               co.OrderID,
		Gateway:               co.Gateway,
		GatewayOrderReference: co.GatewayOrderReference,
		Amount:                co.Amount,
		Currency:              co.Currency,
		Status:                string(co.Status),
		ClientParameters:      co.ClientParameters,
		Replayed:              co.Replayed,
	})
}

func (h *Handlers) respondCheckoutError(w http.ResponseWriter, err error) {
	var verr *payment.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"code":    "VALIDATION_FAILED",
			"message": "request validation failed",
			"fields":  verr.Fields,
		})
	case errors.Is(err, payment.ErrUnknownGateway):
		respondError(w, http.StatusNotFound, "UNKNOWN_GATEWAY", "unknown payment gateway")
	case errors.Is(err, payment.ErrConfiguration):
		h.logger.Error("Gateway misconfigured", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "CONFIGURATION_ERROR", "payment gateway is not available")
	case errors.Is(err, payment.ErrGatewayUnavailable):
		respondError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "payment gateway is temporarily unavailable")
	case errors.Is(err, payment.ErrGatewayRejected):
		respondError(w, http.StatusBadGateway, "CREATE_ORDER_FAILED", "payment gateway rejected the order")
	case errors.Is(err, payment.ErrCheckoutInProgress):
		respondError(w, http.StatusConflict, "CHECKOUT_IN_PROGRESS", "a checkout with this idempotency key is in progress")
	default:
		h.logger.Error("Checkout failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "checkout failed")
	}
}

type VerifyRequest struct {
	OrderReference   string `json:"orderReference"`
	PaymentReference string `json:"paymentReference"`
	Signature        string `json:"signature"`
	Status           string `json:"status,omitempty"`
}

// POST /api/payments/{gateway}/verify
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(w, r, maxCallbackBody, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "code": "INVALID_REQUEST"})
		return
	}
	if !payment.ValidReference(req.OrderReference) || !payment.ValidReference(req.PaymentReference) || !signaturePattern.MatchString(req.Signature) {
		h.securityLog(r, "Malformed payment verification request",
			zap.String("gateway", chi.URLParam(r, "gateway")),
			zap.String("order_ref", req.OrderReference))
		respondJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "code": "INVALID_REQUEST"})
		return
	}

	fields := map[string]string{
		"orderReference":   req.OrderReference,
		"paymentReference": req.PaymentReference,
		"signature":        req.Signature,
	}
	if req.Status != "" {
		fields["status"] = req.Status
	}

	res, err := h.processor.HandleCallback(r.Context(), chi.URLParam(r, "gateway"), fields, requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrSignatureVerificationFailed), errors.Is(err, payment.ErrMalformedNotification):
			respondJSON(w, http.StatusBadRequest, map[string]any{"valid": false})
		case errors.Is(err, payment.ErrOrderNotFound), errors.Is(err, payment.ErrUnknownGateway):
			respondError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		case errors.Is(err, payment.ErrConfiguration):
			respondError(w, http.StatusInternalServerError, "CONFIGURATION_ERROR", "payment gateway is not available")
		default:
			h.logger.Error("Callback processing failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "verification failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"status":  string(res.Order.Status),
		"outcome": string(res.Outcome),
	})
}

// POST /api/payments/{gateway}/return
//
// Browser form post from a hosted payment page. The customer is redirected
// with only the order reference; the storefront polls the status endpoint.
func (h *Handlers) Return(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
	if err := r.ParseForm(); err != nil {
		h.redirect(w, r, h.failureURL, "")
		return
	}
	fields := payment.FormFields(r.PostForm)

	res, err := h.processor.HandleCallback(r.Context(), chi.URLParam(r, "gateway"), fields, requestMeta(r))
	if err != nil {
		if !errors.Is(err, payment.ErrSignatureVerificationFailed) && !errors.Is(err, payment.ErrOrderNotFound) {
			h.logger.Error("Return callback failed", zap.Error(err))
		}
		ref := firstNonEmpty(fields["txnid"], fields["razorpay_order_id"], fields["orderReference"])
		if !payment.ValidReference(ref) {
			ref = ""
		}
		h.redirect(w, r, h.failureURL, ref)
		return
	}

	target := h.failureURL
	if res.Order.Status == order.StatusPaid || res.Outcome == payment.OutcomePending {
		target = h.successURL
	}
	h.redirect(w, r, target, res.Order.GatewayOrderRef)
}

func (h *Handlers) redirect(w http.ResponseWriter, r *http.Request, target, ref string) {
	if target == "" {
		respondJSON(w, http.StatusOK, map[string]string{"orderReference": ref})
		return
	}
	u, err := url.Parse(target)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "CONFIGURATION_ERROR", "invalid redirect target")
		return
	}
	if ref != "" {
		q := u.Query()
		q.Set("ref", ref)
		u.RawQuery = q.Encode()
	}
	http.Redirect(w, r, u.String(), http.StatusSeeOther)
}

// POST /api/webhooks/{gateway}
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"status": "error", "code": "BODY_TOO_LARGE"})
		return
	}

	res, err := h.processor.HandleWebhook(r.Context(), chi.URLParam(r, "gateway"), body, r.Header, requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrSignatureVerificationFailed):
			respondJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "code": "INVALID_SIGNATURE"})
		case errors.Is(err, payment.ErrMalformedNotification):
			respondJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "code": "MALFORMED_NOTIFICATION"})
		case errors.Is(err, payment.ErrOrderNotFound), errors.Is(err, payment.ErrUnknownGateway):
			respondJSON(w, http.StatusNotFound, map[string]string{"status": "error", "code": "ORDER_NOT_FOUND"})
		default:
			h.logger.Error("Webhook processing failed", zap.Error(err))
			respondJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "code": "PROCESSING_FAILED"})
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "success", "outcome": string(res.Outcome)})
}

// OrderStatusResponse is the customer-safe view of an order.
type OrderStatusResponse struct {
	OrderReference string     `json:"orderReference"`
	Status         string     `json:"status"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
}

// GET /api/orders/{gateway}/{reference}
func (h *Handlers) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	if !payment.ValidReference(ref) {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid order reference")
		return
	}

	o, err := h.processor.Lookup(r.Context(), chi.URLParam(r, "gateway"), ref)
	if err != nil {
		if errors.Is(err, payment.ErrOrderNotFound) || errors.Is(err, payment.ErrUnknownGateway) {
			respondError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		h.logger.Error("Order lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "lookup failed")
		return
	}

	respondJSON(w, http.StatusOK, OrderStatusResponse{
		OrderReference: o.GatewayOrderRef,
		Status:         string(o.Status),
		Amount:         o.Amount,
		Currency:       o.Currency,
		PaidAt:         o.PaidAt,
	})
}

// GET /healthz
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"code": code, "message": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(dst)
}

func requestMeta(r *http.Request) payment.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return payment.RequestMeta{RemoteIP: ip, UserAgent: r.UserAgent()}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// securityLog records request-level security events the processor never sees.
func (h *Handlers) securityLog(r *http.Request, msg string, fields ...zap.Field) {
	meta := requestMeta(r)
	h.logger.Warn(msg, append(logging.Security(meta.RemoteIP, meta.UserAgent), fields...)...)
}
