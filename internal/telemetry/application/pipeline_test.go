package application

import (
	"context"
	"strings"
	"testing"
	"time"

	"evcc-ingest/internal/cache/infrastructure/memory"
	telemetry "evcc-ingest/internal/telemetry/domain"
)

func TestPipelineHeartbeatFlushesStagedMetrics(t *testing.T) {
	ns := memory.NewNamespaces()
	router := telemetry.NewDefaultRouter()
	writer := &recordingWriter{}

	flusher, err := NewFlusher(ns.Write, router, writer, WithFlushLogger(quietLogger))
	if err != nil {
		t.Fatalf("new flusher: %v", err)
	}
	scheduler := newTestScheduler(t, flusher, 20*time.Millisecond)
	ingestor := newTestIngestor(t, ns, WithFlushTrigger(scheduler))

	ctx := context.Background()
	topic := "evcc/" + instanceID + "/loadpoints/1/chargePower"
	if _, err := ingestor.Handle(ctx, topic, "500"); err != nil {
		t.Fatalf("handle metric: %v", err)
	}
	if _, err := ingestor.Handle(ctx, "evcc/"+instanceID+"/site/forecast/solar", "{}"); err != nil {
		t.Fatalf("handle forecast: %v", err)
	}
	if _, err := ingestor.Handle(ctx, "evcc/"+instanceID+"/updated", "1762170321"); err != nil {
		t.Fatalf("handle heartbeat: %v", err)
	}
	if got := len(writer.Batches()); got != 0 {
		t.Fatalf("expected no write before the settle delay, got %d", got)
	}

	waitFor(t, time.Second, func() bool { return len(writer.Batches()) == 1 })
	waitFor(t, time.Second, func() bool {
		_, ok, _ := ns.Write.Get(ctx, topic)
		return !ok
	})

	batch := writer.Batches()[0]
	want := "loadpoints,instance=" + instanceID + ",componentId=1 chargePower=\"500\" 1762170321"
	lines := strings.Split(strings.TrimSuffix(batch, "\n"), "\n")
	found := false
	for _, line := range lines {
		if line == want {
			found = true
		}
		if strings.Contains(line, "forecast") {
			t.Fatalf("forecast leaked into batch: %q", line)
		}
	}
	if !found {
		t.Fatalf("expected line %q in batch %q", want, batch)
	}
	if !strings.HasSuffix(batch, "\n") {
		t.Fatalf("expected trailing newline, got %q", batch)
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(writer.Batches()); got != 1 {
		t.Fatalf("expected exactly one batch write, got %d", got)
	}
}
