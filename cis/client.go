// Package cis implements identifier.Source against the Component Identifier
// Service, the remote system of record that mints and permanently reserves
// terminology identifiers through asynchronous, polled bulk jobs.
package cis

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
	"sync"
	"time"

	"github.com/izavyalov-dev/idcache/identifier"
	"github.com/izavyalov-dev/idcache/internal/observability"
	"github.com/izavyalov-dev/idcache/ledger"
)

const maxResponseBytes = 8 << 20

// JobRecorder persists bulk job submissions and outcomes. *ledger.Store implements it.
type JobRecorder interface {
	RecordBulkJob(ctx context.Context, job ledger.BulkJob) (ledger.BulkJob, error)
	TransitionBulkJob(ctx context.Context, jobID string, next ledger.JobState, detail string) error
}

// StatusError captures a non-2xx response from CIS.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cis: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to CIS. It is safe for concurrent use; one instance is shared
// by every stream cache.
type Client struct {
	baseURL      string
	username     string
	password     string
	softwareName string
	schemeName   string
	timeout      time.Duration
	pollInterval time.Duration
	maxBulkSize  int

	http     *http.Client
	logger   *slog.Logger
	metrics  *observability.Metrics
	recorder JobRecorder
	now      func() time.Time

	// backoff guards the whole client after login, authenticate or transport
	// failures; streams guards each stream after failures of its bulk jobs.
	backoff *backoff
	streams *streamBackoffs

	mu    sync.Mutex
	token string
}

// Option customises a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Client) { c.metrics = metrics }
}

// WithRecorder enables the bulk job ledger.
func WithRecorder(recorder JobRecorder) Option {
	return func(c *Client) { c.recorder = recorder }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New validates cfg, then logs in and authenticates so that bad credentials
// surface at startup rather than on the first reservation.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		username:     cfg.Username,
		password:     cfg.Password,
		softwareName: cfg.SoftwareName,
		schemeName:   strings.TrimSpace(cfg.SchemeName),
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		maxBulkSize:  cfg.MaxBulkSize,
		http:         &http.Client{Timeout: cfg.Timeout},
		logger:       observability.NewLogger("cis"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.backoff = newBackoff(cfg.BackoffLevels, c.now)
	c.streams = newStreamBackoffs(c.backoff.levels, c.now)

	if err := c.login(ctx); err != nil {
		return nil, err
	}
	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Status never fails; Running mirrors reservation availability.
func (c *Client) Status() identifier.Status {
	return identifier.Status{Running: c.IsReservationAvailable(), Version: "N/A"}
}

// IsReservationAvailable is false while CIS as a whole is in failure backoff.
// A single stream in backoff does not affect it.
func (c *Client) IsReservationAvailable() bool {
	_, active := c.backoff.until()
	return !active
}

// IsStreamAvailable is false while the client or the stream is in backoff.
func (c *Client) IsStreamAvailable(namespace int, partitionID string) bool {
	if !c.IsReservationAvailable() {
		return false
	}
	_, active := c.streams.until(identifier.Key{Namespace: namespace, PartitionID: partitionID})
	return !active
}

func (c *Client) login(ctx context.Context) error {
	c.logger.Info("logging in to cis", "event", "cis_login")

	var resp loginResponse
	err := c.doJSON(ctx, http.MethodPost, "/login", nil, loginRequest{Username: c.username, Password: c.password}, &resp)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return identifier.ContextError("login", "", ctxErr)
		}
		return &identifier.Error{Kind: identifier.KindAuthentication, Op: "login", Detail: "failed to login to CIS", Err: err}
	}
	if strings.TrimSpace(resp.Token) == "" {
		return &identifier.Error{Kind: identifier.KindAuthentication, Op: "login", Detail: "login response missing token"}
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

// authenticate validates the current token. A 401 triggers one re-login and
// one more authenticate; a second rejection is an authentication error.
func (c *Client) authenticate(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := c.doJSON(ctx, http.MethodPost, "/authenticate", nil, authenticateRequest{Token: c.currentToken()}, nil)
		if err == nil {
			return nil
		}
		if isUnauthorized(err) && attempt == 0 {
			c.logger.Info("cis token rejected, logging in again", "event", "cis_token_expired")
			if err := c.login(ctx); err != nil {
				return err
			}
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return identifier.ContextError("authenticate", "", ctxErr)
		}
		return &identifier.Error{Kind: identifier.KindAuthentication, Op: "authenticate", Detail: "failed to authenticate with CIS", Err: err}
	}
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// callWithToken issues a token-bearing request, re-logging in once on 401.
func (c *Client) callWithToken(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	for attempt := 0; ; attempt++ {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set(tokenParam, c.currentToken())

		err := c.doJSON(ctx, method, path, q, payload, out)
		if err != nil && isUnauthorized(err) && attempt == 0 {
			if err := c.login(ctx); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out != nil {
		if len(bytes.TrimSpace(respBody)) == 0 {
			return errors.New("cis: empty response body")
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("cis: decode %s response: %w", path, err)
		}
	}
	return nil
}

// isClientFailure reports whether err says CIS itself is unusable rather
// than that one stream's bulk job went wrong: rejected credentials or a
// request that never got an HTTP response.
func isClientFailure(err error) bool {
	if identifier.KindOf(err) == identifier.KindAuthentication {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}
