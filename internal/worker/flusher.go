package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/bahtman/litellm/internal/cache"
)

const (
	flushChanSize  = 1000
	flushDrainTime = 10 * time.Second
)

// batch is one scheduled counter write.
type batch struct {
	items []cache.Item
	ttl   time.Duration
}

// Flusher applies counter writes in the background so admission never
// blocks on the store. Batches are dropped if the channel is full
// (back-pressure on a slow shared store); admission stays correct because
// counters are advisory until the next successful write or TTL expiry.
type Flusher struct {
	ch    chan batch
	store cache.Store
}

// NewFlusher creates a Flusher backed by store.
func NewFlusher(store cache.Store) *Flusher {
	return &Flusher{
		ch:    make(chan batch, flushChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (f *Flusher) Name() string { return "counter_flusher" }

// Dispatch enqueues a batch write. It never blocks; drops on full channel.
func (f *Flusher) Dispatch(items []cache.Item, ttl time.Duration) {
	select {
	case f.ch <- batch{items: items, ttl: ttl}:
	default:
		slog.Warn("counter batch dropped, channel full", "items", len(items))
	}
}

// Run applies batches until ctx is cancelled, then drains the channel with
// a timeout.
func (f *Flusher) Run(ctx context.Context) error {
	for {
		select {
		case b := <-f.ch:
			f.apply(ctx, b)
		case <-ctx.Done():
			f.drain()
			return nil
		}
	}
}

func (f *Flusher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), flushDrainTime)
	defer cancel()

	for {
		select {
		case b := <-f.ch:
			f.apply(ctx, b)
		default:
			return
		}
	}
}

func (f *Flusher) apply(ctx context.Context, b batch) {
	if err := f.store.BatchSet(ctx, b.items, b.ttl); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "counter batch write failed",
			slog.Int("items", len(b.items)),
			slog.String("error", err.Error()),
		)
	}
}
