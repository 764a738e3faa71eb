package influx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultPrecision  = "s"
	defaultTimeout    = 10 * time.Second
	defaultRetryDelay = time.Second
	maxErrorBody      = 4 << 10
)

var (
	ErrEmptyBatch = errors.New("influx: empty batch")
	ErrEmptyRange = errors.New("influx: empty delete range")
)

// Config selects the write target.
type Config struct {
	URL       string
	Token     string
	Org       string
	Bucket    string
	Precision string
	Timeout   time.Duration
}

// WriteError is a non-2xx response from the store.
type WriteError struct {
	StatusCode int
	Body       string
}

func (e *WriteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("influx: http %d", e.StatusCode)
	}
	return fmt.Sprintf("influx: http %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the request may succeed when repeated.
func (e *WriteError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Writer submits line protocol batches to the InfluxDB v2 HTTP API.
type Writer struct {
	baseURL    string
	token      string
	org        string
	bucket     string
	precision  string
	client     *http.Client
	retryDelay time.Duration
	onRetry    func(error)
	logger     *log.Logger
}

// Option configures the writer.
type Option func(*Writer)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Writer) {
		if client != nil {
			w.client = client
		}
	}
}

// WithRetryDelay sets the pause before the single retry.
func WithRetryDelay(delay time.Duration) Option {
	return func(w *Writer) {
		if delay >= 0 {
			w.retryDelay = delay
		}
	}
}

// WithRetryHook is called with the failure that triggered a retry.
func WithRetryHook(fn func(error)) Option {
	return func(w *Writer) {
		w.onRetry = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWriter constructs a writer.
func NewWriter(cfg Config, opts ...Option) (*Writer, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx: empty url")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx: org and bucket are required")
	}
	precision := cfg.Precision
	if precision == "" {
		precision = defaultPrecision
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	w := &Writer{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		org:        cfg.Org,
		bucket:     cfg.Bucket,
		precision:  precision,
		client:     &http.Client{Timeout: timeout},
		retryDelay: defaultRetryDelay,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Precision returns the configured timestamp precision.
func (w *Writer) Precision() string {
	return w.precision
}

// WriteBatch posts one line protocol batch. A transient failure is retried
// exactly once.
func (w *Writer) WriteBatch(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBatch
	}
	query := url.Values{}
	query.Set("org", w.org)
	query.Set("bucket", w.bucket)
	query.Set("precision", w.precision)
	path := "/api/v2/write?" + query.Encode()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(w.retryDelay), 1), ctx)
	return backoff.RetryNotify(func() error {
		err := w.do(ctx, path, "text/plain; charset=utf-8", []byte(body))
		if err == nil || isTransient(ctx, err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, _ time.Duration) {
		w.logger.Printf("influx: write failed, retrying: %v", err)
		if w.onRetry != nil {
			w.onRetry(err)
		}
	})
}

type deleteRequest struct {
	Start     string `json:"start"`
	Stop      string `json:"stop"`
	Predicate string `json:"predicate,omitempty"`
}

// DeleteRange removes points in [start, stop] matching predicate.
func (w *Writer) DeleteRange(ctx context.Context, start, stop time.Time, predicate string) error {
	if start.IsZero() || stop.IsZero() || stop.Before(start) {
		return ErrEmptyRange
	}
	payload, err := json.Marshal(deleteRequest{
		Start:     start.UTC().Format(time.RFC3339Nano),
		Stop:      stop.UTC().Format(time.RFC3339Nano),
		Predicate: predicate,
	})
	if err != nil {
		return err
	}
	query := url.Values{}
	query.Set("org", w.org)
	query.Set("bucket", w.bucket)
	return w.do(ctx, "/api/v2/delete?"+query.Encode(), "application/json", payload)
}

func (w *Writer) do(ctx context.Context, path, contentType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &WriteError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// isTransient reports whether a failed write may be retried. Client timeouts
// are transient; only the caller's own cancellation stops the retry.
func isTransient(ctx context.Context, err error) bool {
	var writeErr *WriteError
	if errors.As(err, &writeErr) {
		return writeErr.Transient()
	}
	return ctx.Err() == nil
}
