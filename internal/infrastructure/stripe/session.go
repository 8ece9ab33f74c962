package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/farmgate/checkout-backend/internal/domain/payment"
)

// SessionClient opens checkout sessions against the processor's HTTP API.
// The checkout intent travels as metadata and must round-trip unchanged into
// the confirmation webhook.
type SessionClient struct {
	baseURL    string
	secretKey  string
	successURL string
	cancelURL  string
	currency   string
	httpClient *http.Client
}

type SessionClientConfig struct {
	BaseURL    string
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Currency   string
	Timeout    time.Duration
}

func NewSessionClient(cfg SessionClientConfig) *SessionClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SessionClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		currency:   cfg.Currency,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (c *SessionClient) Create(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("success_url", c.successURL)
	form.Set("cancel_url", c.cancelURL)
	form.Set("line_items[0][price_data][currency]", c.currency)
	form.Set("line_items[0][price_data][product_data][name]", req.ProductName)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.UnitPrice, 10))
	form.Set("line_items[0][quantity]", strconv.Itoa(req.Quantity))
	form.Set("metadata[userId]", req.BuyerID)
	form.Set("metadata[productId]", req.ProductID)
	form.Set("metadata[quantity]", strconv.Itoa(req.Quantity))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("stripe: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and transport failures are the caller's retry decision.
		return nil, fmt.Errorf("%w: %w", payment.ErrProcessorUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", payment.ErrProcessorUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stripe: create session: status %d", resp.StatusCode)
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("stripe: decode session: %w", err)
	}
	if session.URL == "" {
		return nil, errors.New("stripe: session response missing redirect url")
	}

	return &payment.Session{ID: session.ID, RedirectURL: session.URL}, nil
}
