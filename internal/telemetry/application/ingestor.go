package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"evcc-ingest/internal/cache"
	"evcc-ingest/internal/observability/metrics"
	telemetry "evcc-ingest/internal/telemetry/domain"
)

const (
	DefaultTopicRoot   = "evcc"
	DefaultStaleWindow = 30 * time.Minute
)

// Outcome describes what happened to one inbound message.
type Outcome string

const (
	OutcomeFiltered        Outcome = "filtered"
	OutcomeInvalidInstance Outcome = "invalid_instance"
	OutcomeUnmatched       Outcome = "unmatched"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeStaged          Outcome = "staged"
	OutcomeError           Outcome = "error"
)

// FlushTrigger arms a delayed flush for an instance.
type FlushTrigger interface {
	Schedule(instanceID, timestamp string)
}

// Ingestor applies the filter, identity and change rules to inbound
// messages and stages the ones worth writing.
type Ingestor struct {
	ns          cache.Namespaces
	router      *telemetry.Router
	guard       *telemetry.InstanceGuard
	trigger     FlushTrigger
	root        string
	staleWindow time.Duration
	clock       Clock
	logger      *log.Logger
}

// IngestorOption customizes the ingestor.
type IngestorOption func(*Ingestor)

// WithGuard sets the instance identity guard.
func WithGuard(guard *telemetry.InstanceGuard) IngestorOption {
	return func(i *Ingestor) {
		i.guard = guard
	}
}

// WithFlushTrigger sets where heartbeats are forwarded.
func WithFlushTrigger(trigger FlushTrigger) IngestorOption {
	return func(i *Ingestor) {
		i.trigger = trigger
	}
}

// WithTopicRoot overrides the topic root.
func WithTopicRoot(root string) IngestorOption {
	return func(i *Ingestor) {
		if root != "" {
			i.root = root
		}
	}
}

// WithStaleWindow overrides how long an unchanged value may go unwritten.
func WithStaleWindow(window time.Duration) IngestorOption {
	return func(i *Ingestor) {
		if window > 0 {
			i.staleWindow = window
		}
	}
}

// WithIngestClock overrides the default clock.
func WithIngestClock(clock Clock) IngestorOption {
	return func(i *Ingestor) {
		if clock != nil {
			i.clock = clock
		}
	}
}

// WithIngestLogger sets the logger.
func WithIngestLogger(logger *log.Logger) IngestorOption {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIngestor constructs an ingestor.
func NewIngestor(ns cache.Namespaces, router *telemetry.Router, opts ...IngestorOption) (*Ingestor, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	if router == nil {
		return nil, errors.New("ingestor: nil router")
	}
	i := &Ingestor{
		ns:          ns,
		router:      router,
		root:        DefaultTopicRoot,
		staleWindow: DefaultStaleWindow,
		clock:       systemClock{},
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Root returns the topic root the ingestor accepts.
func (i *Ingestor) Root() string {
	return i.root
}

// Handle processes one message. Dropped messages are not errors; the
// returned error is limited to cache failures.
func (i *Ingestor) Handle(ctx context.Context, topic, payload string) (Outcome, error) {
	outcome, err := i.handle(ctx, topic, payload)
	if err != nil {
		metrics.IncMessage(string(OutcomeError))
		return OutcomeError, err
	}
	metrics.IncMessage(string(outcome))
	return outcome, nil
}

func (i *Ingestor) handle(ctx context.Context, topic, payload string) (Outcome, error) {
	if telemetry.IsExcluded(topic) {
		return OutcomeFiltered, nil
	}
	instanceID, path, ok := telemetry.SplitTopic(i.root, topic)
	if !ok {
		return OutcomeUnmatched, nil
	}
	if !i.guard.Allow(instanceID) {
		return OutcomeInvalidInstance, nil
	}
	if i.router.Route(path) == nil {
		return OutcomeUnmatched, nil
	}

	outcome, err := i.stage(ctx, topic, payload)
	if err != nil {
		return outcome, err
	}

	if path == telemetry.HeartbeatPath && i.trigger != nil {
		if payload == "" {
			i.logger.Printf("ingestor: empty heartbeat from %s, flush skipped", instanceID)
		} else {
			i.trigger.Schedule(instanceID, payload)
		}
	}
	return outcome, nil
}

func (i *Ingestor) stage(ctx context.Context, topic, payload string) (Outcome, error) {
	prev, hasPrev, err := i.ns.Cache.Get(ctx, topic)
	if err != nil {
		return OutcomeError, fmt.Errorf("ingestor: read cache %s: %w", topic, err)
	}
	meta, hasMeta, err := i.ns.Cache.GetMeta(ctx, topic)
	if err != nil {
		return OutcomeError, fmt.Errorf("ingestor: read cache meta %s: %w", topic, err)
	}

	now := i.clock.Now()
	changed := !hasPrev || prev != payload
	stale := hasMeta && now.Sub(meta.LastWriteAt) > i.staleWindow
	if !changed && !stale {
		return OutcomeUnchanged, nil
	}

	if err := i.ns.Write.Set(ctx, topic, payload); err != nil {
		return OutcomeError, fmt.Errorf("ingestor: stage %s: %w", topic, err)
	}
	if err := i.ns.Cache.Set(ctx, topic, payload); err != nil {
		return OutcomeError, fmt.Errorf("ingestor: update cache %s: %w", topic, err)
	}
	if err := i.ns.Cache.SetMeta(ctx, topic, cache.Meta{LastWriteAt: now}); err != nil {
		return OutcomeError, fmt.Errorf("ingestor: update cache meta %s: %w", topic, err)
	}
	return OutcomeStaged, nil
}
