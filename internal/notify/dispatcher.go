package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"civicflow/internal/config"
	"civicflow/internal/domain"
	"civicflow/internal/logx"
	"civicflow/internal/metrics"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// EventSource reads the outbox. repo.Repo satisfies it.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.OutboxEvent, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher polls the outbox and fans events out to sinks. Each sink keeps
// its own cursor, so a failing sink only delays itself.
type Dispatcher struct {
	Source   EventSource
	Sinks    []Sink
	Log      logx.Logger
	Interval time.Duration
	Batch    int
	// FromStart replays the whole outbox instead of starting at the newest event.
	FromStart bool

	mu      sync.Mutex
	cursors map[int]int64
}

// FromConfig builds the sinks described by cfg. The returned closer releases
// Kafka writers.
func FromConfig(cfg *config.Config, log logx.Logger) ([]Sink, io.Closer, error) {
	var sinks []Sink
	var closers closerList
	if cfg == nil {
		return []Sink{LogSink{Log: log}}, closers, nil
	}
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	if cfg.Kafka.Enabled() {
		k, err := NewKafkaSink(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, k)
		closers = append(closers, k)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, LogSink{Log: log})
	}
	return sinks, closers, nil
}

type closerList []io.Closer

func (l closerList) Close() error {
	var first error
	for _, c := range l {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce performs one pass over every sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, sink := range d.Sinks {
		d.dispatch(ctx, i, sink)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, sink Sink) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.Log.Warn(ctx, "notify_cursor_failed", "init cursor failed", slog.String("sink", sink.Name()), slog.String("error", err.Error()))
		return
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	events, err := d.Source.EventsAfter(ctx, batch, cursor)
	if err != nil {
		d.Log.Warn(ctx, "notify_fetch_failed", "fetch events failed", slog.String("error", err.Error()))
		return
	}
	for _, evt := range events {
		if !sink.Accepts(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := sink.Deliver(ctx, evt)
		metrics.ObserveDelivery(sinkKind(sink), err)
		if err != nil {
			d.Log.Warn(ctx, "notify_delivery_failed", "delivery failed",
				slog.String("sink", sink.Name()),
				slog.Int64("event_id", evt.ID),
				slog.String("error", err.Error()))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// Cursor reports the last event id delivered to sink idx.
func (d *Dispatcher) Cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	var cur int64
	if !d.FromStart {
		var err error
		if cur, err = d.Source.LatestEventID(ctx); err != nil {
			return 0, err
		}
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func sinkKind(s Sink) string {
	name := s.Name()
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}
