package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageEnumerate Stage = "enumerate"
	StageFetch     Stage = "fetch"
	StagePersist   Stage = "persist"
	StageDelete    Stage = "delete"
	StagePack      Stage = "pack"
)

type EventType string

const (
	EventTypeFound     EventType = "found"
	EventTypeFetched   EventType = "fetched"
	EventTypePersisted EventType = "persisted"
	EventTypeDeleted   EventType = "deleted"
	EventTypePacked    EventType = "packed"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Folder string
	UID    uint32
	Err    error
	Detail string
}

// Bus fans archive events out to subscribers. Every subscriber gets its
// own channel and sees every event; Emit never blocks after the context
// is cancelled.
type Bus struct {
	ctx context.Context

	mu   sync.Mutex
	subs []chan Event

	subWG     sync.WaitGroup
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func NewBus(ctx context.Context) *Bus {
	return &Bus{ctx: ctx}
}

func (b *Bus) Emit(evt Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case <-b.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

func (b *Bus) Subscribe(name string, fn func(context.Context, <-chan Event) error) {
	ch := make(chan Event, 128)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	b.subWG.Add(1)
	go func() {
		defer b.subWG.Done()
		if err := fn(b.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			b.errMu.Lock()
			if b.err == nil {
				b.err = fmt.Errorf("%s subscriber: %w", name, err)
			}
			b.errMu.Unlock()
		}
	}()
}

// Close stops the event stream and waits for subscribers to drain it.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		for _, ch := range b.subs {
			close(ch)
		}
		b.mu.Unlock()
	})
	b.subWG.Wait()

	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

type Summary struct {
	Found     int
	Fetched   int
	Persisted int
	Deleted   int
	Packed    int
	Errors    int
	LastError error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"found", s.Found,
		"fetched", s.Fetched,
		"persisted", s.Persisted,
		"deleted", s.Deleted,
		"packed", s.Packed,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFound:
		c.summary.Found++
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypePersisted:
		c.summary.Persisted++
	case EventTypeDeleted:
		c.summary.Deleted++
	case EventTypePacked:
		c.summary.Packed++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	Subscribe(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.Subscribe("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
