package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/example/ec-payments/internal/domain/order"
)

// Settlement is the normalized meaning of a raw gateway status.
type Settlement string

const (
	SettlementPaid    Settlement = "paid"
	SettlementFailed  Settlement = "failed"
	SettlementPending Settlement = "pending"
	SettlementUnknown Settlement = "unknown"
)

// StatusTable maps raw gateway status strings (case-insensitive) to a
// Settlement. Every gateway keeps its table in one place.
type StatusTable map[string]Settlement

func NewStatusTable(paid, failed, pending []string) StatusTable {
	t := make(StatusTable)
	for _, group := range []struct {
		raws []string
		s    Settlement
	}{{paid, SettlementPaid}, {failed, SettlementFailed}, {pending, SettlementPending}} {
		for _, raw := range group.raws {
			t[strings.ToLower(raw)] = group.s
		}
	}
	return t
}

func (t StatusTable) Map(raw string) Settlement {
	if s, ok := t[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return SettlementUnknown
}

type CreateOrderRequest struct {
	LocalRef    string
	Amount      int64 // minor units
	Currency    string
	Customer    order.Customer
	Description string
	Notes       map[string]string
}

type RemoteOrder struct {
	Reference string
	Status    string
}

// Notification is a verified callback or webhook payload.
type Notification struct {
	OrderReference   string
	PaymentReference string
	RawStatus        string
	Amount           int64 // minor units, meaningful when AmountReported
	AmountReported   bool
	Currency         string
	FailureCode      string
	FailureReason    string
	EventID          string
	Fields           map[string]string
}

// Gateway adapts one payment provider.
type Gateway interface {
	Name() string
	SupportsCurrency(code string) bool

	// CreateOrder registers the payment with the provider and returns the
	// provider's order reference. Providers without remote creation return
	// the local receipt reference.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*RemoteOrder, error)

	// ClientParameters returns what the storefront needs to open the
	// provider's checkout for o.
	ClientParameters(o *order.Order) (map[string]string, error)

	// VerifyCallback authenticates a browser-delivered callback.
	VerifyCallback(fields map[string]string) (*Notification, error)

	// VerifyWebhook authenticates a server-to-server notification. A nil
	// notification with nil error means the event type is not relevant.
	VerifyWebhook(body []byte, header http.Header) (*Notification, error)

	MapStatus(raw string) Settlement
}

// Registry resolves gateways by name.
type Registry struct {
	gateways map[string]Gateway
	disabled map[string]bool
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{
		gateways: make(map[string]Gateway),
		disabled: make(map[string]bool),
	}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Disable marks known gateway names that are switched off by configuration.
// Requests for them fail with ErrConfiguration rather than ErrUnknownGateway.
func (r *Registry) Disable(names ...string) {
	for _, n := range names {
		if _, registered := r.gateways[n]; !registered {
			r.disabled[n] = true
		}
	}
}

func (r *Registry) Get(name string) (Gateway, error) {
	if g, ok := r.gateways[name]; ok {
		return g, nil
	}
	if r.disabled[name] {
		return nil, fmt.Errorf("%w: %s is disabled", ErrConfiguration, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FormFields keeps the first value of every form key. Gateways post callbacks
// as form bodies; VerifyCallback works on the flattened map.
func FormFields(values url.Values) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields
}
