// Package walletapi talks to the local wallet daemon that holds ecash balances at each mint and
// melts them over Lightning.
package walletapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/juno-intents/autowithdraw/internal/engine"
)

var ErrInvalidConfig = errors.New("walletapi: invalid config")

// APIError is a non-2xx response from the wallet daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("walletapi: status %d: %s", e.StatusCode, e.Message)
}

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		c.hc = &http.Client{Timeout: d}
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Client implements engine.BalanceSource and engine.PaymentGateway.
type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

var (
	_ engine.BalanceSource  = (*Client)(nil)
	_ engine.PaymentGateway = (*Client)(nil)
)

func New(baseURL, authToken string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    strings.TrimSpace(authToken),
		hc:           &http.Client{Timeout: 2 * time.Minute},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type balancesResponse struct {
	Balances []struct {
		Endpoint string `json:"endpoint"`
		Amount   int64  `json:"amount"`
	} `json:"balances"`
}

func (c *Client) Balances(ctx context.Context) ([]engine.Balance, error) {
	var resp balancesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/balances", nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]engine.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		if strings.TrimSpace(b.Endpoint) == "" {
			continue
		}
		out = append(out, engine.Balance{EndpointID: b.Endpoint, Amount: b.Amount})
	}
	return out, nil
}

type meltQuoteRequest struct {
	Endpoint   string `json:"endpoint"`
	Address    string `json:"address"`
	Unit       string `json:"unit"`
	Amount     int64  `json:"amount"`
	AmountMsat int64  `json:"amount_msat"`
}

type meltQuoteResponse struct {
	Quote      string `json:"quote"`
	Amount     int64  `json:"amount"`
	FeeReserve int64  `json:"fee_reserve"`
	Request    string `json:"request"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
}

// QuoteWithdrawal asks the mint for a melt quote paying amount sats to a Lightning address.
func (c *Client) QuoteWithdrawal(ctx context.Context, endpointID, address string, amount int64) (engine.Quote, error) {
	if amount <= 0 || amount > math.MaxInt64/1000 {
		return engine.Quote{}, fmt.Errorf("%w: amount %d out of range", ErrInvalidConfig, amount)
	}
	req := meltQuoteRequest{
		Endpoint:   endpointID,
		Address:    address,
		Unit:       "sat",
		Amount:     amount,
		AmountMsat: amount * 1000,
	}
	var resp meltQuoteResponse
	if err := c.do(ctx, http.MethodPost, "/v1/melt/quote", nil, req, &resp); err != nil {
		return engine.Quote{}, err
	}
	if resp.Quote == "" {
		return engine.Quote{}, errors.New("walletapi: melt quote response missing quote id")
	}
	if resp.Amount < 0 || resp.FeeReserve < 0 {
		return engine.Quote{}, fmt.Errorf("walletapi: melt quote has negative amounts (%d, %d)", resp.Amount, resp.FeeReserve)
	}

	q := engine.Quote{
		ID:         resp.Quote,
		Amount:     resp.Amount,
		FeeReserve: resp.FeeReserve,
		Request:    resp.Request,
		State:      engine.ParseQuoteState(resp.State),
	}
	if resp.Expiry > 0 {
		q.Expiry = time.Unix(resp.Expiry, 0).UTC()
	}
	return q, nil
}

type meltRequest struct {
	Endpoint string `json:"endpoint"`
	Quote    string `json:"quote"`
}

type meltResponse struct {
	State    string `json:"state"`
	FeePaid  int64  `json:"fee_paid"`
	Preimage string `json:"payment_preimage"`
}

func (c *Client) Pay(ctx context.Context, endpointID, quoteID string) (engine.PayResult, error) {
	var resp meltResponse
	if err := c.do(ctx, http.MethodPost, "/v1/melt", nil, meltRequest{Endpoint: endpointID, Quote: quoteID}, &resp); err != nil {
		return engine.PayResult{}, err
	}
	return engine.PayResult{
		State:    engine.ParseQuoteState(resp.State),
		FeePaid:  resp.FeePaid,
		Preimage: resp.Preimage,
	}, nil
}

func (c *Client) CheckQuoteState(ctx context.Context, endpointID, quoteID string) (engine.QuoteState, error) {
	if strings.TrimSpace(quoteID) == "" || strings.Contains(quoteID, "/") {
		return "", fmt.Errorf("%w: invalid quote id %q", ErrInvalidConfig, quoteID)
	}
	q := url.Values{}
	q.Set("endpoint", endpointID)

	var resp meltQuoteResponse
	if err := c.do(ctx, http.MethodGet, "/v1/melt/quote/"+quoteID, q, nil, &resp); err != nil {
		return "", err
	}
	if resp.State == "" {
		return "", errors.New("walletapi: melt quote response missing state")
	}
	return engine.ParseQuoteState(resp.State), nil
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, in, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, p)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("walletapi: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("walletapi: build request: %w", err)
	}
	r.Header.Set("Accept", "application/json")
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("walletapi: http do: %w", err)
	}
	defer resp.Body.Close()

	b, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(b))
		var er struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(b, &er) == nil {
			switch {
			case er.Error != "":
				msg = er.Error
			case er.Detail != "":
				msg = er.Detail
			}
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("walletapi: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("walletapi: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, errors.New("walletapi: response too large")
	}
	return b, nil
}
