package payout

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

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// ErrPayoutRejected is returned on a definitive gateway rejection.
	// Retrying with the same idempotency key cannot succeed.
	ErrPayoutRejected = errors.New("payout: rejected by gateway")
	// ErrGatewayUnavailable is returned on transport failures and 5xx
	// responses. Safe to retry with the same idempotency key.
	ErrGatewayUnavailable = errors.New("payout: gateway unavailable")
)

// Adapter is the surface the settlement flow needs from the fiat gateway.
type Adapter interface {
	CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
}

// PayoutRequest describes one fiat disbursement. IdempotencyKey makes
// resubmission after an ambiguous failure safe: the gateway returns the
// original payout instead of creating a second one.
type PayoutRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	DestinationRef string          `json:"destination_ref"`
	IdempotencyKey string          `json:"-"`
}

// PayoutResult carries the gateway's reference for a created payout.
type PayoutResult struct {
	ReferenceID string `json:"reference_id"`
}

// BuyOrderRequest asks the gateway to convert fiat into stablecoin credited
// to the treasury before a buy settles on-chain.
type BuyOrderRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

// Client talks to the fiat payout gateway over HTTP.
type Client struct {
	baseURL  string
	apiKey   string
	currency string
	http     *http.Client
}

// NewClient builds a gateway client. currency is the default used when a
// request leaves it blank.
func NewClient(baseURL, apiKey, currency string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("payout: base url required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  trimmed,
		apiKey:   strings.TrimSpace(apiKey),
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// CreatePayout submits a fiat disbursement and returns the gateway
// reference id.
func (c *Client) CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	if req.Amount.Sign() <= 0 {
		return PayoutResult{}, fmt.Errorf("%w: amount must be positive", ErrPayoutRejected)
	}
	if strings.TrimSpace(req.DestinationRef) == "" {
		return PayoutResult{}, fmt.Errorf("%w: destination required", ErrPayoutRejected)
	}
	if req.Currency == "" {
		req.Currency = c.currency
	}
	var result PayoutResult
	if err := c.post(ctx, "/v1/payouts", req.IdempotencyKey, req, &result); err != nil {
		return PayoutResult{}, err
	}
	if strings.TrimSpace(result.ReferenceID) == "" {
		return PayoutResult{}, fmt.Errorf("%w: empty reference id", ErrGatewayUnavailable)
	}
	return result, nil
}

// CreateBuyOrder submits a fiat-to-stable conversion order.
func (c *Client) CreateBuyOrder(ctx context.Context, req BuyOrderRequest) (PayoutResult, error) {
	if req.Amount.Sign() <= 0 {
		return PayoutResult{}, fmt.Errorf("%w: amount must be positive", ErrPayoutRejected)
	}
	if req.Currency == "" {
		req.Currency = c.currency
	}
	var result PayoutResult
	if err := c.post(ctx, "/v1/buy-orders", req.IdempotencyKey, req, &result); err != nil {
		return PayoutResult{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("payout: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payout: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", ErrPayoutRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	default:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
}
