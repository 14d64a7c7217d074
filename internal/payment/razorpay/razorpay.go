// Package razorpay adapts the Razorpay Orders API and its HMAC-SHA256
// callback and webhook signatures.
package razorpay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/payment"
	"github.com/example/ec-payments/internal/payment/signature"
)

const (
	Name = "razorpay"

	HeaderSignature = "X-Razorpay-Signature"
	HeaderEventID   = "X-Razorpay-Event-Id"
)

// statuses covers both payment and order entity states, plus the
// upper-case forms some integrations relay.
var statuses = payment.NewStatusTable(
	[]string{"captured", "paid", "success", "CHARGED", "COMPLETED"},
	[]string{"failed", "AUTHENTICATION_FAILED", "CANCELLED"},
	[]string{"created", "authorized", "attempted", "PENDING_VBV"},
)

type Gateway struct {
	keyID         string
	keySecret     string
	webhookSecret string
	currencies    map[string]bool
	client        *Client
}

func New(cfg config.RazorpayConfig) *Gateway {
	currencies := make(map[string]bool, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		currencies[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &Gateway{
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		webhookSecret: cfg.WebhookSecret,
		currencies:    currencies,
		client:        NewClient(cfg.KeyID, cfg.KeySecret, cfg.BaseURL, cfg.Timeout),
	}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) SupportsCurrency(code string) bool { return g.currencies[code] }

func (g *Gateway) CreateOrder(ctx context.Context, req payment.CreateOrderRequest) (*payment.RemoteOrder, error) {
	res, err := g.client.CreateOrder(ctx, createOrderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.LocalRef,
		Notes:    req.Notes,
	})
	if err != nil {
		return nil, err
	}
	return &payment.RemoteOrder{Reference: res.ID, Status: res.Status}, nil
}

// ClientParameters returns the Checkout.js options for o.
func (g *Gateway) ClientParameters(o *order.Order) (map[string]string, error) {
	return map[string]string{
		"key":             g.keyID,
		"order_id":        o.GatewayOrderRef,
		"amount":          strconv.FormatInt(o.Amount, 10),
		"currency":        o.Currency,
		"receipt":         o.LocalRef,
		"description":     o.Description,
		"prefill.name":    o.Customer.Name,
		"prefill.email":   o.Customer.Email,
		"prefill.contact": o.Customer.Phone,
	}, nil
}

// VerifyCallback checks the Checkout.js handler response. Field names are
// accepted in Razorpay's own form or the storefront's camel case.
func (g *Gateway) VerifyCallback(fields map[string]string) (*payment.Notification, error) {
	orderRef := firstOf(fields, "razorpay_order_id", "orderReference")
	paymentRef := firstOf(fields, "razorpay_payment_id", "paymentReference")
	sig := firstOf(fields, "razorpay_signature", "signature")

	if !signature.VerifyHMAC(g.keySecret, orderRef, paymentRef, sig) {
		return nil, &payment.VerificationError{OrderReference: orderRef, Reason: "razorpay callback signature mismatch"}
	}

	// Checkout.js only invokes the success handler for captured or
	// authorized payments; a missing status means success.
	status := fields["status"]
	if status == "" {
		status = "captured"
	}

	return &payment.Notification{
		OrderReference:   orderRef,
		PaymentReference: paymentRef,
		RawStatus:        status,
		FailureCode:      fields["error_code"],
		FailureReason:    fields["error_description"],
		Fields:           redact(fields),
	}, nil
}

type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity orderResponse `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string  `json:"id"`
	OrderID          string  `json:"order_id"`
	Amount           int64   `json:"amount"`
	Currency         string  `json:"currency"`
	Status           string  `json:"status"`
	Method           string  `json:"method"`
	ErrorCode        *string `json:"error_code"`
	ErrorDescription *string `json:"error_description"`
}

// VerifyWebhook authenticates the raw body with the webhook secret and
// extracts payment.captured, payment.failed and order.paid events.
func (g *Gateway) VerifyWebhook(body []byte, header http.Header) (*payment.Notification, error) {
	if !signature.VerifyBodyHMAC(g.webhookSecret, body, header.Get(HeaderSignature)) {
		return nil, &payment.VerificationError{Reason: "razorpay webhook signature mismatch"}
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, payment.ErrMalformedNotification
	}

	switch ev.Event {
	case "payment.captured", "payment.failed", "order.paid":
	default:
		return nil, nil
	}
	if ev.Payload.Payment == nil {
		return nil, payment.ErrMalformedNotification
	}

	p := ev.Payload.Payment.Entity
	n := &payment.Notification{
		OrderReference:   p.OrderID,
		PaymentReference: p.ID,
		RawStatus:        p.Status,
		Amount:           p.Amount,
		AmountReported:   true,
		Currency:         p.Currency,
		EventID:          header.Get(HeaderEventID),
		Fields: map[string]string{
			"event":  ev.Event,
			"method": p.Method,
			"status": p.Status,
		},
	}
	if ev.Event == "order.paid" && ev.Payload.Order != nil {
		o := ev.Payload.Order.Entity
		n.OrderReference = o.ID
		n.RawStatus = o.Status
		n.Amount = o.Amount
	}
	if p.ErrorCode != nil {
		n.FailureCode = *p.ErrorCode
	}
	if p.ErrorDescription != nil {
		n.FailureReason = *p.ErrorDescription
	}
	if n.OrderReference == "" {
		return nil, payment.ErrMalformedNotification
	}
	return n, nil
}

func (g *Gateway) MapStatus(raw string) payment.Settlement { return statuses.Map(raw) }

// BreakerState exposes the API client's circuit breaker state.
func (g *Gateway) BreakerState() string { return g.client.State() }

func firstOf(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

func redact(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if k == "razorpay_signature" || k == "signature" {
			continue
		}
		out[k] = v
	}
	return out
}
