package razorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/ec-payments/internal/payment"
	"github.com/sony/gobreaker/v2"
)

const maxErrorBody = 4 << 10

// Client talks to the Razorpay Orders API. Transport failures and 5xx
// responses trip the breaker; 4xx responses do not.
type Client struct {
	keyID     string
	keySecret string
	baseURL   string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[*orderResponse]
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Entity   string `json:"entity"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func NewClient(keyID, keySecret, baseURL string, timeout time.Duration) *Client {
	return &Client{
		keyID:     keyID,
		keySecret: keySecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[*orderResponse](gobreaker.Settings{
			Name:        "razorpay-orders",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, payment.ErrGatewayRejected)
			},
		}),
	}
}

// CreateOrder registers an order and returns Razorpay's order entity.
func (c *Client) CreateOrder(ctx context.Context, req createOrderRequest) (*orderResponse, error) {
	if c.keyID == "" || c.keySecret == "" {
		return nil, fmt.Errorf("%w: razorpay key id/secret missing", payment.ErrConfiguration)
	}

	res, err := c.breaker.Execute(func() (*orderResponse, error) {
		return c.createOrder(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
	}
	return res, err
}

func (c *Client) createOrder(ctx context.Context, req createOrderRequest) (*orderResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.SetBasicAuth(c.keyID, c.keySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", payment.ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: razorpay returned %d", payment.ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Description != "" {
			return nil, fmt.Errorf("%w: %s: %s", payment.ErrGatewayRejected, apiErr.Error.Code, apiErr.Error.Description)
		}
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, fmt.Errorf("%w: razorpay returned %d: %s", payment.ErrGatewayRejected, resp.StatusCode, respBody)
	}

	var order orderResponse
	if err := json.Unmarshal(respBody, &order); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", payment.ErrGatewayUnavailable, err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("%w: response carried no order id", payment.ErrGatewayUnavailable)
	}
	return &order, nil
}

// State reports the breaker state for health output.
func (c *Client) State() string {
	return c.breaker.State().String()
}
