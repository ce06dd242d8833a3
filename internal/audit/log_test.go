package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"otp-auth/internal/client"
	"otp-auth/internal/config"
	"otp-auth/internal/models"
)

type memorySink struct {
	mu       sync.Mutex
	events   []models.AuthEvent
	failures int
	block    chan struct{}
	closed   bool
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(ctx context.Context, events []models.AuthEvent) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink down")
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) snapshot() []models.AuthEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuthEvent(nil), s.events...)
}

func testConfig() config.AuditConfig {
	return config.AuditConfig{BufferSize: 100, BatchSize: 3, RetryBase: time.Millisecond, RetryMax: 5 * time.Millisecond}
}

func event(req string, i int) models.AuthEvent {
	return models.AuthEvent{RequestID: req, Action: models.ActionProviderRetry, Attempt: i, Outcome: models.OutcomeFailure}
}

func TestOrderSurvivesSinkFailures(t *testing.T) {
	sink := &memorySink{failures: 3}
	l := New(testConfig(), []Sink{sink}, nil, nil)

	for i := 1; i <= 10; i++ {
		l.Record(event("req-a", i))
		l.Record(event("req-b", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := sink.snapshot()
	if len(got) != 20 {
		t.Fatalf("expected 20 events, got %d", len(got))
	}
	last := map[string]int{}
	for _, ev := range got {
		if ev.Attempt != last[ev.RequestID]+1 {
			t.Fatalf("out of order for %s: %d after %d", ev.RequestID, ev.Attempt, last[ev.RequestID])
		}
		last[ev.RequestID] = ev.Attempt
		if ev.Timestamp.IsZero() {
			t.Fatalf("timestamp not stamped")
		}
	}
	if !sink.closed {
		t.Fatalf("sink not closed")
	}
}

func TestOverflowIsSpilledNotDropped(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	cfg := testConfig()
	cfg.BufferSize = 2
	cfg.BatchSize = 1
	l := New(cfg, []Sink{sink}, nil, nil)

	for i := 1; i <= 6; i++ {
		l.Record(event("req", i))
	}

	st := l.Stats()
	if st.Pending+int(st.Spilled) != 6 || st.Spilled < 3 {
		t.Fatalf("every event must be queued or spilled, got %+v", st)
	}

	close(sink.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.Close(ctx)

	if n := len(sink.snapshot()); int64(n)+l.Stats().Spilled != 6 {
		t.Fatalf("expected delivered+spilled=6, got %d+%d", n, l.Stats().Spilled)
	}
}

func TestCloseDeadlineSpillsBacklog(t *testing.T) {
	sink := &memorySink{failures: 1 << 30}
	l := New(testConfig(), []Sink{sink}, nil, nil)
	for i := 1; i <= 5; i++ {
		l.Record(event("req", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	l.Close(ctx)

	st := l.Stats()
	if st.Pending != 0 || st.Spilled != 5 {
		t.Fatalf("expected backlog spilled on shutdown, got %+v", st)
	}

	l.Record(event("late", 1))
	if l.Stats().Spilled != 6 {
		t.Fatalf("events after close must be spilled")
	}
}

func TestScrubRemovesPhoneNumbers(t *testing.T) {
	ev := scrub(models.AuthEvent{
		Reason: "invalid +14155550100",
		Client: models.ClientMeta{IP: "10.0.0.1", UserAgent: "app/1.0 (+1 415 555 0100)"},
	})
	if strings.Contains(ev.Reason, "4155550100") || strings.Contains(ev.Client.UserAgent, "555") {
		t.Fatalf("phone leaked: %+v", ev)
	}
	if ev.Client.IP != "10.0.0.1" {
		t.Fatalf("ip mangled: %q", ev.Client.IP)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByRequestID(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSink(w)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	err := s.Write(context.Background(), []models.AuthEvent{
		{RequestID: "req-1", Action: models.ActionSendOTP, Timestamp: ts, PhoneHash: "abc"},
		{RequestID: "req-2", Action: models.ActionVerifyOTP, Timestamp: ts},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.msgs) != 2 || string(w.msgs[0].Key) != "req-1" || string(w.msgs[1].Key) != "req-2" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	if !strings.Contains(string(w.msgs[0].Value), `"phone_hash":"abc"`) {
		t.Fatalf("value missing fields: %s", w.msgs[0].Value)
	}
}

type fakeBulk struct {
	index string
	docs  []client.BulkDoc
}

func (f *fakeBulk) Bulk(_ context.Context, index string, docs []client.BulkDoc) error {
	f.index = index
	f.docs = append(f.docs, docs...)
	return nil
}

func TestElasticsearchSinkUsesStableIDs(t *testing.T) {
	f := &fakeBulk{}
	s := NewElasticsearchSink(f, "otp-audit")
	ev := models.AuthEvent{RequestID: "req-1", Action: models.ActionProviderRetry, Attempt: 2, Timestamp: time.Unix(0, 42)}

	s.Write(context.Background(), []models.AuthEvent{ev})
	s.Write(context.Background(), []models.AuthEvent{ev})

	if f.index != "otp-audit" || len(f.docs) != 2 || f.docs[0].ID != f.docs[1].ID {
		t.Fatalf("retries must reuse the document id: %+v", f.docs)
	}
	if f.docs[0].ID != fmt.Sprintf("req-1-%s-2-42", models.ActionProviderRetry) {
		t.Fatalf("unexpected id %q", f.docs[0].ID)
	}
}
