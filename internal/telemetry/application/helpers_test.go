package application

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

const instanceID = "019a4a2e-7c1b-7d3e-8f00-0123456789ab"

var quietLogger = log.New(io.Discard, "", 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingWriter struct {
	mu      sync.Mutex
	batches []string
	err     error
	hook    func()
}

func (w *recordingWriter) WriteBatch(ctx context.Context, body string) error {
	w.mu.Lock()
	hook := w.hook
	err := w.err
	w.batches = append(w.batches, body)
	w.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (w *recordingWriter) Batches() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.batches...)
}

type triggerCall struct {
	instanceID string
	timestamp  string
}

type recordingTrigger struct {
	calls []triggerCall
}

func (r *recordingTrigger) Schedule(instanceID, timestamp string) {
	r.calls = append(r.calls, triggerCall{instanceID: instanceID, timestamp: timestamp})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
