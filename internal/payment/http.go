package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

// HTTPConfig configures the provider client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGateway calls the provider's REST API behind a circuit breaker.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway builds the client.
func NewHTTPGateway(cfg HTTPConfig, logger *slog.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// provider rejections are answers, not outages
			var status *statusError
			return err == nil || (errors.As(err, &status) && status.code < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	return g
}

// Capture settles a hold.
func (g *HTTPGateway) Capture(ctx context.Context, req CaptureRequest) (Receipt, error) {
	var out Receipt
	err := g.do(ctx, "capture", http.MethodPost, "/v1/captures", req.IdempotencyKey, req, &out)
	return out, err
}

// Payout sends a withdrawal.
func (g *HTTPGateway) Payout(ctx context.Context, req PayoutRequest) (Receipt, error) {
	var out Receipt
	err := g.do(ctx, "payout", http.MethodPost, "/v1/payouts", req.IdempotencyKey, req, &out)
	return out, err
}

// Confirm looks up a completed top-up.
func (g *HTTPGateway) Confirm(ctx context.Context, paymentRef string) (Confirmation, error) {
	var out Confirmation
	err := g.do(ctx, "confirm", http.MethodGet, "/v1/payments/"+url.PathEscape(paymentRef), "", nil, &out)
	return out, err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.code, e.body)
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path, idemKey string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idemKey != "" {
			req.Header.Set("Idempotency-Key", idemKey)
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err == nil {
		return nil
	}

	var status *statusError
	switch {
	case errors.As(err, &status) && status.code == http.StatusNotFound && op == "confirm":
		return fmt.Errorf("%w: %w", shared.ErrValidation, ErrUnknownPayment)
	case errors.As(err, &status):
		return &shared.PaymentError{Op: op, Err: err, Retryable: status.code >= 500}
	default:
		// timeouts, transport failures and an open breaker are all safe to retry
		g.logger.Error("payment gateway call failed", slog.String("op", op), slog.Any("error", err))
		return &shared.PaymentError{Op: op, Err: err, Retryable: true}
	}
}
