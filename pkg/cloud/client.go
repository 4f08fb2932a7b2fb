package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/types"
)

// preferInsert requests duplicate-ignoring inserts. 409s can still surface
// on races; the client treats them as success.
const preferInsert = "resolution=ignore-duplicates,return=minimal"

const requestTimeout = 30 * time.Second

// retryDelays is the per-request retry schedule for 5xx and network
// failures. 4xx (other than 409) are not retried.
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Config carries the cloud endpoint settings.
type Config struct {
	BaseURL string
	APIKey  string
}

// ConfigFromEnv reads the endpoint from SUPABASE_URL and
// SUPABASE_SERVICE_KEY.
func ConfigFromEnv() Config {
	return Config{
		BaseURL: os.Getenv("SUPABASE_URL"),
		APIKey:  os.Getenv("SUPABASE_SERVICE_KEY"),
	}
}

// Client talks to the cloud's PostgREST-style row API. All calls pass
// through a circuit breaker so a dead uplink fails fast instead of
// stacking timeouts in every sync tick.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	sleep func(time.Duration)
}

// NewClient creates the cloud client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "cloud",
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: log.WithComponent("cloud"),
		sleep:  time.Sleep,
	}
}

// Configured reports whether a cloud endpoint is set. Sites can run
// air-gapped; callers skip sync entirely when not configured.
func (c *Client) Configured() bool { return c.cfg.BaseURL != "" }

// Insert posts rows to table with duplicate-ignoring semantics.
// onConflict names the table's natural key columns. A 409 response counts
// as success: the rows already exist upstream.
func (c *Client) Insert(ctx context.Context, table string, rows any, onConflict string) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal %s rows: %w", table, err)
	}

	endpoint := c.cfg.BaseURL + "/" + table
	if onConflict != "" {
		endpoint += "?on_conflict=" + url.QueryEscape(onConflict)
	}

	return c.do(ctx, "insert "+table, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", preferInsert)
		return req, nil
	}, nil)
}

// Patch updates rows of table matching the filters, PostgREST style
// (column=eq.value).
func (c *Client) Patch(ctx context.Context, table string, filters map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s patch: %w", table, err)
	}
	endpoint := c.cfg.BaseURL + "/" + table + filterQuery(filters)

	return c.do(ctx, "patch "+table, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=minimal")
		return req, nil
	}, nil)
}

// Get fetches rows of table matching the filters into out.
func (c *Client) Get(ctx context.Context, table string, filters map[string]string, out any) error {
	endpoint := c.cfg.BaseURL + "/" + table + filterQuery(filters)

	return c.do(ctx, "get "+table, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, out)
}

// filterQuery renders filters in a stable order so request logs and tests
// are deterministic.
func filterQuery(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		q.Set(k, filters[k])
	}
	return "?" + q.Encode()
}

// do executes the request through the breaker with the retry schedule.
// The request is rebuilt per attempt because bodies are single-read.
func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = c.once(op, build, out)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, types.ErrCircuitOpen) {
			return lastErr
		}
		var se *types.SyncError
		if errors.As(lastErr, &se) && se.Status >= 400 && se.Status < 500 {
			return lastErr
		}
		if attempt >= len(retryDelays) {
			return lastErr
		}

		c.logger.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Err(lastErr).
			Msg("cloud request failed, retrying")

		if ctx.Err() != nil {
			return &types.SyncError{Op: op, Err: ctx.Err()}
		}
		c.sleep(retryDelays[attempt])
	}
}

func (c *Client) once(op string, build func() (*http.Request, error), out any) error {
	result, err := c.breaker.Execute(func() (any, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &types.SyncError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				return nil, nil
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, &types.SyncError{Op: op, Err: err}
			}
			return data, nil
		case resp.StatusCode == http.StatusConflict:
			// The rows already exist upstream. Duplicate suppression is a
			// guarantee of the endpoint, not a failure.
			io.Copy(io.Discard, resp.Body)
			return nil, nil
		default:
			io.Copy(io.Discard, resp.Body)
			return nil, &types.SyncError{Op: op, Status: resp.StatusCode}
		}
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: %w", op, types.ErrCircuitOpen)
		}
		return err
	}

	if out != nil {
		if data, ok := result.([]byte); ok {
			if err := json.Unmarshal(data, out); err != nil {
				return &types.SyncError{Op: op, Err: err}
			}
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}
