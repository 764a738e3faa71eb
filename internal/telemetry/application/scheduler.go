package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"evcc-ingest/internal/observability/metrics"
)

const (
	DefaultSettleDelay  = 2 * time.Second
	defaultFlushTimeout = 30 * time.Second
)

var (
	ErrSchedulerClosed = errors.New("flush scheduler: closed")
	ErrNoTimestamp     = errors.New("flush scheduler: no heartbeat timestamp")
)

// InstanceFlusher drains one instance.
type InstanceFlusher interface {
	Flush(ctx context.Context, instanceID, timestamp string) (FlushResult, error)
}

type pendingFlush struct {
	timer     *time.Timer
	timestamp string
}

// FlushScheduler delays instance flushes so a burst of metrics can settle.
// At most one timer is armed per instance; a heartbeat arriving while one is
// armed only replaces the batch timestamp. Flush runs for one instance never
// overlap.
type FlushScheduler struct {
	flusher InstanceFlusher
	delay   time.Duration
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	pending map[string]*pendingFlush
	closed  bool
	wg      sync.WaitGroup
	group   singleflight.Group
}

// SchedulerOption customizes the scheduler.
type SchedulerOption func(*FlushScheduler)

// WithSettleDelay overrides the delay between heartbeat and flush.
func WithSettleDelay(delay time.Duration) SchedulerOption {
	return func(s *FlushScheduler) {
		if delay >= 0 {
			s.delay = delay
		}
	}
}

// WithFlushTimeout bounds a single timer-driven flush.
func WithFlushTimeout(timeout time.Duration) SchedulerOption {
	return func(s *FlushScheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *log.Logger) SchedulerOption {
	return func(s *FlushScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFlushScheduler constructs a scheduler.
func NewFlushScheduler(flusher InstanceFlusher, opts ...SchedulerOption) (*FlushScheduler, error) {
	if flusher == nil {
		return nil, errors.New("flush scheduler: nil flusher")
	}
	s := &FlushScheduler{
		flusher: flusher,
		delay:   DefaultSettleDelay,
		timeout: defaultFlushTimeout,
		logger:  log.Default(),
		pending: make(map[string]*pendingFlush),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Schedule arms a flush for instanceID after the settle delay.
func (s *FlushScheduler) Schedule(instanceID, timestamp string) {
	if s == nil || instanceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if existing, ok := s.pending[instanceID]; ok {
		existing.timestamp = timestamp
		return
	}
	s.wg.Add(1)
	p := &pendingFlush{timestamp: timestamp}
	p.timer = time.AfterFunc(s.delay, func() {
		defer s.wg.Done()
		s.fire(instanceID)
	})
	s.pending[instanceID] = p
	metrics.SetPendingFlushes(len(s.pending))
}

// FlushNow cancels any armed timer for instanceID and flushes immediately.
// An empty timestamp reuses the armed heartbeat timestamp.
func (s *FlushScheduler) FlushNow(ctx context.Context, instanceID, timestamp string) (FlushResult, error) {
	if instanceID == "" {
		return FlushResult{}, ErrEmptyInstance
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return FlushResult{}, ErrSchedulerClosed
	}
	if p, ok := s.pending[instanceID]; ok {
		if timestamp == "" {
			timestamp = p.timestamp
		}
		if p.timer.Stop() {
			delete(s.pending, instanceID)
			metrics.SetPendingFlushes(len(s.pending))
			s.wg.Done()
		}
	}
	s.mu.Unlock()
	if timestamp == "" {
		return FlushResult{}, fmt.Errorf("%w for instance %s", ErrNoTimestamp, instanceID)
	}
	return s.run(ctx, instanceID, timestamp)
}

// Pending reports how many instances have an armed timer.
func (s *FlushScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops armed timers and waits for running flushes.
func (s *FlushScheduler) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*pendingFlush)
	for _, p := range pending {
		if p.timer.Stop() {
			s.wg.Done()
		}
	}
	metrics.SetPendingFlushes(0)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *FlushScheduler) fire(instanceID string) {
	s.mu.Lock()
	p, ok := s.pending[instanceID]
	if ok {
		delete(s.pending, instanceID)
		metrics.SetPendingFlushes(len(s.pending))
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.run(ctx, instanceID, p.timestamp); err != nil {
		s.logger.Printf("flush scheduler: flush %s: %v", instanceID, err)
	}
}

// run flushes through the single-flight group. A caller that joined a flush
// already in progress flushes once more so writes staged after that flush
// listed its keys are not left behind.
func (s *FlushScheduler) run(ctx context.Context, instanceID, timestamp string) (FlushResult, error) {
	do := func() (FlushResult, bool, error) {
		led := false
		v, err, _ := s.group.Do(instanceID, func() (interface{}, error) {
			led = true
			return s.flusher.Flush(ctx, instanceID, timestamp)
		})
		result, _ := v.(FlushResult)
		return result, led, err
	}

	result, led, err := do()
	if led {
		return result, err
	}
	result, _, err = do()
	return result, err
}
