package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"evcc-ingest/internal/cache"
	"evcc-ingest/internal/observability/metrics"
	telemetry "evcc-ingest/internal/telemetry/domain"
)

var ErrEmptyInstance = errors.New("flusher: empty instance id")

// BatchWriter submits one encoded batch to the store.
type BatchWriter interface {
	WriteBatch(ctx context.Context, body string) error
}

// FlushResult summarizes one flush.
type FlushResult struct {
	Points  int
	Dropped int
}

// Flusher drains the staged writes of one instance into a single batch.
type Flusher struct {
	staged cache.Store
	router *telemetry.Router
	writer BatchWriter
	root   string
	coerce bool
	logger *log.Logger
}

// FlusherOption customizes the flusher.
type FlusherOption func(*Flusher)

// WithFlushRoot overrides the topic root.
func WithFlushRoot(root string) FlusherOption {
	return func(f *Flusher) {
		if root != "" {
			f.root = root
		}
	}
}

// WithValueCoercion encodes numeric and boolean payloads unquoted.
func WithValueCoercion(enabled bool) FlusherOption {
	return func(f *Flusher) {
		f.coerce = enabled
	}
}

// WithFlushLogger sets the logger.
func WithFlushLogger(logger *log.Logger) FlusherOption {
	return func(f *Flusher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFlusher constructs a flusher.
func NewFlusher(staged cache.Store, router *telemetry.Router, writer BatchWriter, opts ...FlusherOption) (*Flusher, error) {
	if staged == nil {
		return nil, errors.New("flusher: nil staged store")
	}
	if router == nil {
		return nil, errors.New("flusher: nil router")
	}
	if writer == nil {
		return nil, errors.New("flusher: nil writer")
	}
	f := &Flusher{
		staged: staged,
		router: router,
		writer: writer,
		root:   DefaultTopicRoot,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

type stagedPoint struct {
	key   string
	value string
}

// Flush writes every staged point of instanceID stamped with timestamp.
// Staged keys are deleted only after the store accepted the batch, and only
// when they were not restaged in the meantime.
func (f *Flusher) Flush(ctx context.Context, instanceID, timestamp string) (FlushResult, error) {
	start := time.Now()
	result, err := f.flush(ctx, instanceID, timestamp)
	switch {
	case err != nil:
		metrics.ObserveFlush(metrics.ResultError, time.Since(start))
	case result.Points == 0:
		metrics.ObserveFlush(metrics.ResultEmpty, time.Since(start))
	default:
		metrics.ObserveFlush(metrics.ResultSuccess, time.Since(start))
	}
	metrics.AddPointsDropped(result.Dropped)
	return result, err
}

func (f *Flusher) flush(ctx context.Context, instanceID, timestamp string) (FlushResult, error) {
	if instanceID == "" {
		return FlushResult{}, ErrEmptyInstance
	}
	prefix := telemetry.InstancePrefix(f.root, instanceID)
	keys, err := f.staged.Keys(ctx, prefix)
	if err != nil {
		return FlushResult{}, fmt.Errorf("flusher: list staged %s: %w", instanceID, err)
	}
	sort.Strings(keys)

	var result FlushResult
	lines := make([]string, 0, len(keys))
	included := make([]stagedPoint, 0, len(keys))
	var empty []stagedPoint
	for _, key := range keys {
		value, ok, err := f.staged.Get(ctx, key)
		if err != nil {
			return FlushResult{}, fmt.Errorf("flusher: read staged %s: %w", key, err)
		}
		if !ok {
			continue
		}
		if value == "" {
			result.Dropped++
			empty = append(empty, stagedPoint{key: key})
			continue
		}
		metric := f.router.Route(strings.TrimPrefix(key, prefix))
		if metric == nil {
			result.Dropped++
			continue
		}
		lines = append(lines, telemetry.EncodeLine(*metric, f.value(value), instanceID, timestamp))
		included = append(included, stagedPoint{key: key, value: value})
	}

	if len(lines) == 0 {
		f.clear(ctx, empty)
		return result, nil
	}
	body := strings.Join(lines, "\n") + "\n"
	if err := f.writer.WriteBatch(ctx, body); err != nil {
		f.logger.Printf("flusher: write %s: %v", instanceID, err)
		return result, fmt.Errorf("flusher: write %s: %w", instanceID, err)
	}
	result.Points = len(lines)
	metrics.AddPointsWritten(result.Points)

	f.clear(ctx, included)
	f.clear(ctx, empty)
	return result, nil
}

// clear deletes staged points whose value is still the one that was read, so
// a write restaged meanwhile survives.
func (f *Flusher) clear(ctx context.Context, points []stagedPoint) {
	for _, point := range points {
		current, ok, err := f.staged.Get(ctx, point.key)
		if err != nil {
			f.logger.Printf("flusher: recheck staged %s: %v", point.key, err)
			continue
		}
		if !ok || current != point.value {
			continue
		}
		if err := f.staged.Delete(ctx, point.key); err != nil {
			f.logger.Printf("flusher: clear staged %s: %v", point.key, err)
		}
	}
}

func (f *Flusher) value(payload string) telemetry.Value {
	if f.coerce {
		return telemetry.ParseValue(payload)
	}
	return telemetry.RawValue(payload)
}
