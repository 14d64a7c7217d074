package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/payment/signature"
)

const fakeSecret = "test_secret_for_fake_gateway"

var fakeStatuses = NewStatusTable(
	[]string{"captured", "paid"},
	[]string{"failed"},
	[]string{"created", "authorized"},
)

// fakeGateway signs callbacks with HMAC(orderRef|paymentRef) and webhooks
// over the raw body, like an API-created-order provider.
type fakeGateway struct {
	name      string
	createErr error
	seq       atomic.Int64
	creates   atomic.Int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{name: "fakepay"}
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) SupportsCurrency(code string) bool { return code == "INR" }

func (g *fakeGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (*RemoteOrder, error) {
	g.creates.Add(1)
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &RemoteOrder{Reference: fmt.Sprintf("order_%d", 1000+g.seq.Add(1)), Status: "created"}, nil
}

func (g *fakeGateway) ClientParameters(o *order.Order) (map[string]string, error) {
	return map[string]string{
		"order_id": o.GatewayOrderRef,
		"amount":   strconv.FormatInt(o.Amount, 10),
	}, nil
}

func (g *fakeGateway) VerifyCallback(fields map[string]string) (*Notification, error) {
	orderRef, paymentRef := fields["order_id"], fields["payment_id"]
	if !signature.VerifyHMAC(fakeSecret, orderRef, paymentRef, fields["signature"]) {
		return nil, &VerificationError{OrderReference: orderRef, Reason: "callback signature mismatch"}
	}
	status := fields["status"]
	if status == "" {
		status = "captured"
	}
	n := &Notification{
		OrderReference:   orderRef,
		PaymentReference: paymentRef,
		RawStatus:        status,
		Fields:           fields,
	}
	if raw, ok := fields["amount"]; ok {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, ErrMalformedNotification
		}
		n.Amount, n.AmountReported = amount, true
	}
	return n, nil
}

type fakeWebhook struct {
	Event    string `json:"event"`
	EventID  string `json:"event_id"`
	OrderID  string `json:"order_id"`
	Payment  string `json:"payment_id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (g *fakeGateway) VerifyWebhook(body []byte, header http.Header) (*Notification, error) {
	if !signature.VerifyBodyHMAC(fakeSecret, body, header.Get("X-Fake-Signature")) {
		return nil, &VerificationError{Reason: "webhook signature mismatch"}
	}
	var wh fakeWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, ErrMalformedNotification
	}
	if wh.Event != "payment" {
		return nil, nil
	}
	return &Notification{
		OrderReference:   wh.OrderID,
		PaymentReference: wh.Payment,
		RawStatus:        wh.Status,
		Amount:           wh.Amount,
		AmountReported:   true,
		Currency:         wh.Currency,
		EventID:          wh.EventID,
	}, nil
}

func (g *fakeGateway) MapStatus(raw string) Settlement { return fakeStatuses.Map(raw) }

func signedCallback(orderRef, paymentRef, status string) map[string]string {
	fields := map[string]string{
		"order_id":   orderRef,
		"payment_id": paymentRef,
		"signature":  signature.SignHMAC(fakeSecret, orderRef, paymentRef),
	}
	if status != "" {
		fields["status"] = status
	}
	return fields
}

func signedWebhook(wh fakeWebhook) ([]byte, http.Header) {
	body, _ := json.Marshal(wh)
	h := http.Header{}
	h.Set("X-Fake-Signature", signature.SignBody(fakeSecret, body))
	return body, h
}

// recordingEffects counts enqueued orders.
type recordingEffects struct {
	mu     sync.Mutex
	orders []string
	err    error
}

func (r *recordingEffects) Enqueue(ctx context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o.ID)
	return r.err
}

func (r *recordingEffects) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memoryDeduper) Seen(ctx context.Context, gateway, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[gateway+":"+eventID], nil
}

func (d *memoryDeduper) Remember(ctx context.Context, gateway, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	d.seen[gateway+":"+eventID] = true
	return nil
}

func validCheckoutRequest() CheckoutRequest {
	return CheckoutRequest{
		Gateway:  "fakepay",
		Amount:   50000,
		Currency: "INR",
		Customer: order.Customer{Name: "Asha Rao", Email: "asha@example.com", Phone: "9876543210"},
		Items: []order.Item{
			{ProductID: "p1", Name: "Tea", Quantity: 2, UnitPrice: 15000},
			{ProductID: "p2", Name: "Mug", Quantity: 1, UnitPrice: 20000},
		},
	}
}
