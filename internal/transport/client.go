// Package transport is the only path from the checkout core to the ticketing
// backend. Every failure it returns is an *apperr.Error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout-core/internal/apperr"
	"checkout-core/internal/util"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 30 * time.Second

	headerIdempotencyKey = "Idempotency-Key"
	maxBodyBytes         = 4 << 20
)

// TokenSource returns the current bearer token, or "" when signed out.
type TokenSource func(ctx context.Context) (string, error)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client

	Token TokenSource
	// ClearToken and OnUnauthorized run, in that order, once per 401 response.
	ClearToken     func(ctx context.Context)
	OnUnauthorized func()

	// ReadBreaker guards idempotent reads. Nil uses defaults; writes never go
	// through it.
	ReadBreaker *gobreaker.Settings
}

// Client is the configured request pipeline.
type Client struct {
	baseURL        *url.URL
	timeout        time.Duration
	http           *http.Client
	token          TokenSource
	clearToken     func(ctx context.Context)
	onUnauthorized func()
	reads          *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewClient creates the backend client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := util.GetLogger()

	settings := gobreaker.Settings{
		Name:        "backend-reads",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	if opts.ReadBreaker != nil {
		settings = *opts.ReadBreaker
	}
	// Only connectivity and server faults count against the backend.
	settings.IsSuccessful = func(err error) bool {
		return err == nil || !apperr.OutcomeUnknown(err)
	}

	return &Client{
		baseURL:        base,
		timeout:        timeout,
		http:           httpClient,
		token:          opts.Token,
		clearToken:     opts.ClearToken,
		onUnauthorized: opts.OnUnauthorized,
		reads:          gobreaker.NewCircuitBreaker(settings),
		logger:         logger,
	}, nil
}

type requestOptions struct {
	idempotencyKey string
	query          url.Values
	idempotentRead bool
}

// RequestOption customises a single call.
type RequestOption func(*requestOptions)

// WithIdempotencyKey attaches the key so the backend can recognise a repeated
// write as the same logical operation.
func WithIdempotencyKey(key string) RequestOption {
	return func(o *requestOptions) { o.idempotencyKey = key }
}

func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) { o.query = q }
}

// IdempotentRead marks a non-GET call as a safe read, e.g. an availability
// check sent as POST.
func IdempotentRead() RequestOption {
	return func(o *requestOptions) { o.idempotentRead = true }
}

// IdempotencyKeyOf returns the key carried by opts, for Backend
// implementations that do not go over HTTP.
func IdempotencyKeyOf(opts ...RequestOption) string {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return ro.idempotencyKey
}

// Do sends the request and decodes the response into out (which may be nil).
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}, opts ...RequestOption) error {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	call := func() error { return c.do(ctx, method, path, body, out, &ro) }
	if method != http.MethodGet && !ro.idempotentRead {
		return call()
	}

	_, err := c.reads.Execute(func() (interface{}, error) {
		return nil, call()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Wrap(apperr.KindNetwork, "backend temporarily unavailable", err)
	}
	return err
}

func (c *Client) Get(ctx context.Context, path string, out interface{}, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, opts...)
}

func (c *Client) Post(ctx context.Context, path string, body, out interface{}, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, out, opts...)
}

func (c *Client) Put(ctx context.Context, path string, body, out interface{}, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPut, path, body, out, opts...)
}

func (c *Client) Delete(ctx context.Context, path string, out interface{}, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out, opts...)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, ro *requestOptions) (err error) {
	start := time.Now()
	defer func() {
		kind := "ok"
		if err != nil {
			kind = string(apperr.KindOf(err))
		}
		util.BackendRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		util.BackendRequestsTotal.WithLabelValues(method, kind).Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body, ro)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		e := apperr.Classify(err)
		util.Debug(ctx, c.logger, "Backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
		return e
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return apperr.Classify(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.handleUnauthorized(ctx)
		return apperr.FromResponse(resp.StatusCode, payload)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		e := apperr.FromResponse(resp.StatusCode, payload)
		util.Debug(ctx, c.logger, "Backend rejected request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(e.Kind)))
		return e
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := decodeBody(payload, out); err != nil {
		return apperr.Wrap(apperr.KindServer, "malformed response payload", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}, ro *requestOptions) (*http.Request, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if ro.query != nil {
		u.RawQuery = ro.query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "request body could not be encoded", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ro.idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, ro.idempotencyKey)
	}

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			c.logger.Warn("Token lookup failed, sending unauthenticated request", zap.Error(err))
		} else if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// handleUnauthorized is the only place transport mutates auth state.
func (c *Client) handleUnauthorized(ctx context.Context) {
	util.SessionExpiredTotal.Inc()
	util.Warn(ctx, c.logger, "Backend returned 401, clearing session")
	if c.clearToken != nil {
		c.clearToken(ctx)
	}
	if c.onUnauthorized != nil {
		c.onUnauthorized()
	}
}

// envelopeKeys are the fields the backend puts beside "data".
var envelopeKeys = map[string]bool{"success": true, "message": true, "status": true, "data": true}

// decodeBody accepts either a {success, data, message} envelope or a bare
// payload.
func decodeBody(payload []byte, out interface{}) error {
	trimmed := bytes.TrimSpace(payload)
	if trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return err
		}
		if data, ok := probe["data"]; ok && isEnvelope(probe) {
			return json.Unmarshal(data, out)
		}
	}
	return json.Unmarshal(trimmed, out)
}

func isEnvelope(probe map[string]json.RawMessage) bool {
	for k := range probe {
		if !envelopeKeys[k] {
			return false
		}
	}
	return true
}
