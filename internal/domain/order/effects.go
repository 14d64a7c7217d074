package order

import (
	"fmt"
	"time"
)

type EffectState string

const (
	EffectClaimed EffectState = "claimed"
	EffectDone    EffectState = "done"
	EffectFailed  EffectState = "failed"
)

const (
	EffectCustomerEmail = "email:customer"
	EffectAdminEmail    = "email:admin"
	EffectEventPublish  = "event:published"
)

// StockEffect names the stock decrement side effect for the line item at index i.
func StockEffect(i int) string {
	return fmt.Sprintf("stock:%d", i)
}

// Effect is one entry of the per-order side-effect ledger.
type Effect struct {
	State     EffectState `json:"state"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Claimable reports whether an effect in this state may be (re)started.
func (e Effect) Claimable() bool {
	return e.State == "" || e.State == EffectFailed
}

// RequiredEffects lists every side effect a paid order needs.
func (o *Order) RequiredEffects() []string {
	effects := make([]string, 0, len(o.Items)+3)
	for i := range o.Items {
		effects = append(effects, StockEffect(i))
	}
	return append(effects, EffectCustomerEmail, EffectAdminEmail, EffectEventPublish)
}

// OutstandingEffects returns the required effects that are not done yet.
func (o *Order) OutstandingEffects() []string {
	var outstanding []string
	for _, name := range o.RequiredEffects() {
		if o.SideEffects[name].State != EffectDone {
			outstanding = append(outstanding, name)
		}
	}
	return outstanding
}
