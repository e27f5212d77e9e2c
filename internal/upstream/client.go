// Package upstream implements the executor that forwards admitted requests to
// the answer backend over HTTP.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"paceq/internal/scheduler"
	"paceq/pkg/logx"
)

const maxResponseBytes = 4 << 20

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client posts one query per call and maps HTTP failures onto the scheduler's
// transient/permanent split. It is safe for concurrent use.
type Client struct {
	http *http.Client
	log  logx.Logger

	mu      sync.RWMutex
	baseURL string
}

func New(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		log:     log,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Apply swaps the target URL at runtime; in-flight calls keep the old one.
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	c.mu.Unlock()
}

type queryBody struct {
	Query   string            `json:"query"`
	Options map[string]string `json:"options,omitempty"`
	Account string            `json:"account"`
}

func (c *Client) Execute(ctx context.Context, account string, p scheduler.Payload) (scheduler.Result, error) {
	c.mu.RLock()
	base := c.baseURL
	c.mu.RUnlock()
	if base == "" {
		return nil, scheduler.Permanent(errors.New("upstream base_url not configured"))
	}

	body, err := json.Marshal(queryBody{Query: p.Query, Options: p.Options, Account: account})
	if err != nil {
		return nil, scheduler.Permanent(fmt.Errorf("encode query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, scheduler.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account", account)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// Context cancellation propagates as-is so the scheduler can tell a
		// cancelled call from a flaky network.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, scheduler.Transient(fmt.Errorf("upstream call: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, scheduler.Transient(fmt.Errorf("read response: %w", err))
	}
	c.log.Debug("upstream response",
		logx.String("account", account),
		logx.Int("status", resp.StatusCode),
		logx.Duration("elapsed", time.Since(start)))

	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, scheduler.Transient(errors.New("upstream returned malformed JSON"))
	}
	return scheduler.Result(data), nil
}

// classifyStatus folds the status code into the retry taxonomy. Server-side
// trouble and timeouts are worth retrying on another account; auth and quota
// rejections poison the account that made the call.
func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("upstream status %d: %s", code, msg)
	switch {
	case code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == http.StatusTooManyRequests:
		return scheduler.Permanent(err)
	case code == http.StatusRequestTimeout:
		return scheduler.Transient(err)
	case code >= 500:
		return scheduler.Transient(err)
	case code >= 400:
		return scheduler.Permanent(err)
	default:
		return scheduler.Transient(err)
	}
}
