package payment

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/example/ec-payments/internal/domain/order"
)

var (
	ErrSignatureVerificationFailed = errors.New("signature verification failed")
	ErrAmountMismatch              = fmt.Errorf("%w: amount does not match order", ErrSignatureVerificationFailed)
	ErrMalformedNotification       = errors.New("malformed gateway notification")
	ErrOrderNotFound               = order.ErrOrderNotFound
	ErrGatewayUnavailable          = errors.New("payment gateway unavailable")
	ErrGatewayRejected             = errors.New("payment gateway rejected the request")
	ErrConfiguration               = errors.New("payment gateway not configured")
	ErrUnknownGateway              = errors.New("unknown payment gateway")
	ErrCheckoutInProgress          = errors.New("checkout for this idempotency key is still in progress")
)

// ValidationError carries per-field messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

// Err returns nil when no field failed.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// VerificationError is returned by gateway adapters when a callback or
// webhook fails authentication. The reference is only for logging.
type VerificationError struct {
	OrderReference string
	Reason         string
}

func (e *VerificationError) Error() string {
	return "signature verification failed: " + e.Reason
}

func (e *VerificationError) Unwrap() error {
	return ErrSignatureVerificationFailed
}

// SideEffectError reports a failed post-payment effect.
type SideEffectError struct {
	Effect string
	Err    error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("side effect %s failed: %v", e.Effect, e.Err)
}

func (e *SideEffectError) Unwrap() error {
	return e.Err
}
