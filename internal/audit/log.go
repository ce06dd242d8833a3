package audit

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"otp-auth/internal/config"
	"otp-auth/internal/metrics"
	"otp-auth/internal/models"
	"otp-auth/internal/util"
)

const writeTimeout = 10 * time.Second

// Sink durably stores batches of events. Write must be safe to repeat with
// the same batch.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.AuthEvent) error
	Close() error
}

// Stats is the backlog across all sinks.
type Stats struct {
	Pending int   `json:"pending"`
	Spilled int64 `json:"spilled"`
}

// Log fans events out to every sink. Each sink has its own FIFO queue and a
// single writer, so events keep their order per sink and a slow sink never
// holds up the others or the caller.
type Log struct {
	dispatchers []*dispatcher
	clock       util.Clock
	closeOnce   sync.Once
}

func New(cfg config.AuditConfig, sinks []Sink, clock util.Clock, m *metrics.Metrics) *Log {
	if clock == nil {
		clock = util.SystemClock()
	}
	l := &Log{clock: clock}
	for _, s := range sinks {
		d := newDispatcher(s, cfg, m)
		l.dispatchers = append(l.dispatchers, d)
		go d.run()
	}
	return l
}

// Record queues ev for every sink and returns immediately.
func (l *Log) Record(ev models.AuthEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now()
	}
	ev = scrub(ev)
	for _, d := range l.dispatchers {
		d.enqueue(ev)
	}
}

func (l *Log) Stats() Stats {
	var st Stats
	for _, d := range l.dispatchers {
		st.Pending += d.pending()
		st.Spilled += d.spilled.Load()
	}
	return st
}

// Close flushes every sink. Events still queued when ctx ends are spilled to
// the logger rather than lost.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		for _, d := range l.dispatchers {
			d.beginClose()
		}
		for _, d := range l.dispatchers {
			select {
			case <-d.done:
			case <-ctx.Done():
				d.abortClose()
				<-d.done
			}
			if err := d.sink.Close(); err != nil {
				util.Warn("Failed to close audit sink", zap.String("sink", d.sink.Name()), zap.Error(err))
			}
		}
	})
	return ctx.Err()
}

var phoneLike = regexp.MustCompile(`\+?\d[\d\s\-]{6,18}\d`)

// scrub strips anything phone-shaped from free-text fields.
func scrub(ev models.AuthEvent) models.AuthEvent {
	ev.Client.UserAgent = phoneLike.ReplaceAllString(util.SanitizeClientField(ev.Client.UserAgent), "[redacted]")
	ev.Client.IP = util.SanitizeClientField(ev.Client.IP)
	ev.Reason = phoneLike.ReplaceAllString(ev.Reason, "[redacted]")
	return ev
}

// ===================== DISPATCHER =====================

type dispatcher struct {
	sink      Sink
	limit     int
	batchSize int
	retryBase time.Duration
	retryMax  time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	queue   []models.AuthEvent
	closing bool

	wake    chan struct{}
	stop    chan struct{}
	abort   chan struct{}
	done    chan struct{}
	spilled atomic.Int64
}

func newDispatcher(s Sink, cfg config.AuditConfig, m *metrics.Metrics) *dispatcher {
	d := &dispatcher{
		sink:      s,
		limit:     cfg.BufferSize,
		batchSize: cfg.BatchSize,
		retryBase: cfg.RetryBase,
		retryMax:  cfg.RetryMax,
		metrics:   m,
		logger:    util.Named("audit").With(zap.String("sink", s.Name())),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	if d.limit <= 0 {
		d.limit = 10000
	}
	if d.batchSize <= 0 {
		d.batchSize = 100
	}
	if d.retryBase <= 0 {
		d.retryBase = 200 * time.Millisecond
	}
	if d.retryMax < d.retryBase {
		d.retryMax = d.retryBase
	}
	return d
}

func (d *dispatcher) enqueue(ev models.AuthEvent) {
	d.mu.Lock()
	if d.closing || len(d.queue) >= d.limit {
		d.mu.Unlock()
		d.spill([]models.AuthEvent{ev}, "overflow")
		return
	}
	d.queue = append(d.queue, ev)
	n := len(d.queue)
	d.mu.Unlock()

	d.metrics.AuditPending(d.sink.Name(), n)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *dispatcher) beginClose() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	close(d.stop)
}

func (d *dispatcher) abortClose() {
	close(d.abort)
}

// next copies up to batchSize events from the head of the queue.
func (d *dispatcher) next() (batch []models.AuthEvent, closing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	if n > d.batchSize {
		n = d.batchSize
	}
	if n > 0 {
		batch = make([]models.AuthEvent, n)
		copy(batch, d.queue[:n])
	}
	return batch, d.closing
}

func (d *dispatcher) ack(n int) {
	d.mu.Lock()
	d.queue = d.queue[n:]
	if len(d.queue) == 0 {
		d.queue = nil
	}
	left := len(d.queue)
	d.mu.Unlock()
	d.metrics.AuditPending(d.sink.Name(), left)
}

func (d *dispatcher) run() {
	defer close(d.done)

	failures := 0
	for {
		select {
		case <-d.abort:
			d.spillQueue()
			return
		default:
		}

		batch, closing := d.next()
		if len(batch) == 0 {
			if closing {
				return
			}
			select {
			case <-d.wake:
			case <-d.stop:
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := d.sink.Write(ctx, batch)
		cancel()
		if err == nil {
			d.ack(len(batch))
			failures = 0
			continue
		}

		failures++
		d.metrics.AuditFailure(d.sink.Name())
		wait := d.backoff(failures)
		d.logger.Warn("Audit sink write failed, retrying",
			zap.Int("batch", len(batch)),
			zap.Int("failures", failures),
			zap.Duration("retry_in", wait),
			zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-d.abort:
			t.Stop()
			d.spillQueue()
			return
		}
	}
}

func (d *dispatcher) backoff(failures int) time.Duration {
	wait := d.retryBase
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= d.retryMax {
			return d.retryMax
		}
	}
	return wait
}

func (d *dispatcher) spillQueue() {
	d.mu.Lock()
	rest := d.queue
	d.queue = nil
	d.mu.Unlock()
	if len(rest) > 0 {
		d.spill(rest, "shutdown")
	}
	d.metrics.AuditPending(d.sink.Name(), 0)
}

// spill writes events to the process log so they survive in the log
// pipeline when the sink cannot take them.
func (d *dispatcher) spill(events []models.AuthEvent, reason string) {
	for _, ev := range events {
		d.logger.Warn("Audit event spilled",
			zap.String("spill_reason", reason),
			zap.Any("event", ev))
	}
	d.spilled.Add(int64(len(events)))
	d.metrics.AuditSpilled(d.sink.Name(), len(events))
}
