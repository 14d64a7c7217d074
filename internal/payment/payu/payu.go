// Package payu adapts PayU's hosted checkout. PayU has no order-creation
// API: the local receipt reference doubles as the transaction id, and both
// directions are authenticated with a SHA-512 hash chain.
package payu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/payment"
	"github.com/example/ec-payments/internal/payment/signature"
	"github.com/shopspring/decimal"
)

const Name = "payu"

const (
	DefaultRequestLayout  = "@key|txnid|amount|productinfo|firstname|email|udf1?|udf2?|udf3?|udf4?|udf5?|-|-|-|-|-|@salt"
	DefaultResponseLayout = "@salt|status|-|-|-|-|-|udf5?|udf4?|udf3?|udf2?|udf1?|email|firstname|productinfo|amount|txnid|@key"

	// additionalChargesField is prepended to the response hash when PayU
	// added convenience fees.
	additionalChargesField = "additionalCharges"
)

var statuses = payment.NewStatusTable(
	[]string{"success", "captured"},
	[]string{"failure", "failed", "userCancelled", "dropped", "bounced"},
	[]string{"pending", "in progress", "initiated", "auth"},
)

type Gateway struct {
	merchantKey string
	salt        string
	paymentURL  string
	successURL  string
	failureURL  string
	request     signature.Layout
	response    signature.Layout
	currencies  map[string]bool
}

func New(cfg config.PayUConfig) (*Gateway, error) {
	reqLayout := cfg.RequestHashLayout
	if reqLayout == "" {
		reqLayout = DefaultRequestLayout
	}
	respLayout := cfg.ResponseHashLayout
	if respLayout == "" {
		respLayout = DefaultResponseLayout
	}

	request, err := signature.ParseLayout(reqLayout)
	if err != nil {
		return nil, fmt.Errorf("payu request hash layout: %w", err)
	}
	response, err := signature.ParseLayout(respLayout)
	if err != nil {
		return nil, fmt.Errorf("payu response hash layout: %w", err)
	}

	currencies := make(map[string]bool, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		currencies[strings.ToUpper(strings.TrimSpace(c))] = true
	}

	return &Gateway{
		merchantKey: cfg.MerchantKey,
		salt:        cfg.Salt,
		paymentURL:  cfg.PaymentURL,
		successURL:  cfg.SuccessURL,
		failureURL:  cfg.FailureURL,
		request:     request,
		response:    response.WithPrefix(additionalChargesField),
		currencies:  currencies,
	}, nil
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) SupportsCurrency(code string) bool { return g.currencies[code] }

func (g *Gateway) secrets() map[string]string {
	return map[string]string{"key": g.merchantKey, "salt": g.salt}
}

// CreateOrder makes no remote call; the receipt reference is the txnid.
func (g *Gateway) CreateOrder(ctx context.Context, req payment.CreateOrderRequest) (*payment.RemoteOrder, error) {
	if g.merchantKey == "" || g.salt == "" {
		return nil, fmt.Errorf("%w: payu merchant key/salt missing", payment.ErrConfiguration)
	}
	return &payment.RemoteOrder{Reference: req.LocalRef, Status: "created"}, nil
}

// ClientParameters returns the hidden form fields the storefront posts to
// the PayU payment page, including the request hash.
func (g *Gateway) ClientParameters(o *order.Order) (map[string]string, error) {
	productInfo := o.Description
	if productInfo == "" {
		productInfo = "Order " + o.LocalRef
	}

	params := map[string]string{
		"key":         g.merchantKey,
		"txnid":       o.GatewayOrderRef,
		"amount":      FormatAmount(o.Amount),
		"productinfo": productInfo,
		"firstname":   o.Customer.Name,
		"email":       o.Customer.Email,
		"phone":       o.Customer.Phone,
		"surl":        g.successURL,
		"furl":        g.failureURL,
		"udf1":        o.ID,
	}

	hash, err := g.request.Hash(params, g.secrets())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrConfiguration, err)
	}
	params["hash"] = hash
	params["action"] = g.paymentURL
	return params, nil
}

// VerifyCallback checks the reverse hash of the browser form post.
func (g *Gateway) VerifyCallback(fields map[string]string) (*payment.Notification, error) {
	txnID := fields["txnid"]
	if !signature.VerifyHashChain(g.response, fields, g.secrets(), fields["hash"]) {
		return nil, &payment.VerificationError{OrderReference: txnID, Reason: "payu response hash mismatch"}
	}

	amount, err := ParseAmount(fields["amount"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrMalformedNotification, err)
	}

	reason := fields["error_Message"]
	if reason == "" {
		reason = fields["field9"]
	}

	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		if k != "hash" {
			raw[k] = v
		}
	}

	return &payment.Notification{
		OrderReference:   txnID,
		PaymentReference: fields["mihpayid"],
		RawStatus:        fields["status"],
		Amount:           amount,
		AmountReported:   true,
		FailureCode:      fields["error"],
		FailureReason:    reason,
		Fields:           raw,
	}, nil
}

// VerifyWebhook handles the server-to-server notification, which carries
// the same hashed fields as the browser callback, form- or JSON-encoded.
func (g *Gateway) VerifyWebhook(body []byte, header http.Header) (*payment.Notification, error) {
	fields, err := decodeWebhook(body, header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrMalformedNotification, err)
	}

	n, err := g.VerifyCallback(fields)
	if err != nil {
		return nil, err
	}
	if n.PaymentReference != "" {
		n.EventID = n.PaymentReference + ":" + strings.ToLower(n.RawStatus)
	}
	return n, nil
}

func (g *Gateway) MapStatus(raw string) payment.Settlement { return statuses.Map(raw) }

func decodeWebhook(body []byte, contentType string) (map[string]string, error) {
	if strings.HasPrefix(contentType, "application/json") {
		var generic map[string]any
		if err := json.Unmarshal(body, &generic); err != nil {
			return nil, err
		}
		fields := make(map[string]string, len(generic))
		for k, v := range generic {
			switch val := v.(type) {
			case nil:
			case string:
				fields[k] = val
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		return fields, nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	return payment.FormFields(values), nil
}

// FormatAmount renders minor units as PayU's two-decimal major-unit string.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// ParseAmount converts PayU's decimal amount back to minor units.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than two decimals", s)
	}
	return minor.IntPart(), nil
}
