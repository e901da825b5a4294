package sso

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// SyncFunc sends one batch of buffered categories to the server.
type SyncFunc func(ctx context.Context, batch map[string]map[string]any) error

// MergeFunc folds src into dst in place.
type MergeFunc func(dst, src map[string]any)

// ShallowMerge copies every field of src over dst. Fields absent from
// src are left alone.
func ShallowMerge(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// AdditiveMerge sums numeric fields present in both maps and otherwise
// behaves like ShallowMerge. Signs are not checked.
func AdditiveMerge(dst, src map[string]any) {
	for k, v := range src {
		if cur, ok := dst[k]; ok {
			a, aok := toFloat(cur)
			b, bok := toFloat(v)
			if aok && bok {
				dst[k] = a + b
				continue
			}
		}
		dst[k] = v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// BatcherConfig configures a Batcher.
type BatcherConfig struct {
	Sync     SyncFunc
	Debounce time.Duration
	// Merge defaults to ShallowMerge.
	Merge  MergeFunc
	Clock  Clock
	Logger *slog.Logger
	// Name labels log lines.
	Name string
}

// Batcher coalesces many small Queue calls into one SyncFunc call per
// quiet period. Queue never blocks on I/O.
type Batcher struct {
	mu       sync.Mutex
	syncFn   SyncFunc
	merge    MergeFunc
	clock    Clock
	logger   *slog.Logger
	debounce time.Duration

	pending  map[string]map[string]any
	timer    Timer
	flushing bool

	// gen invalidates timers that fire after being superseded.
	gen uint64
	// epoch changes on Clear so an in-flight failed flush does not
	// resurrect abandoned data.
	epoch uint64
}

// NewBatcher returns an idle Batcher.
func NewBatcher(cfg BatcherConfig) *Batcher {
	if cfg.Merge == nil {
		cfg.Merge = ShallowMerge
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultSyncDebounce
	}
	if cfg.Name != "" {
		cfg.Logger = cfg.Logger.With(slog.String("batcher", cfg.Name))
	}

	return &Batcher{
		syncFn:   cfg.Sync,
		merge:    cfg.Merge,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		debounce: cfg.Debounce,
		pending:  make(map[string]map[string]any),
	}
}

// Queue merges data into the buffered entry for category and restarts
// the debounce timer.
func (b *Batcher) Queue(category string, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.pending[category]
	if !ok {
		entry = make(map[string]any, len(data))
		b.pending[category] = entry
	}
	b.merge(entry, data)

	b.armLocked()
}

// armLocked replaces any pending timer with a fresh one.
func (b *Batcher) armLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.debounce, func() { b.fire(gen) })
}

func (b *Batcher) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.mu.Unlock()

	if err := b.Flush(context.Background()); err != nil {
		b.logger.Warn("scheduled sync failed, data re-queued", slog.String("error", err.Error()))
	}
}

// Flush sends everything buffered now. It is a no-op when the buffer is
// empty or another flush is running. On failure the sent batch is merged
// back underneath anything queued meanwhile and the error is returned.
// Flush never retries on its own.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.flushing = true
	batch := b.pending
	b.pending = make(map[string]map[string]any)
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	epoch := b.epoch
	b.mu.Unlock()

	b.logger.Debug("flushing sync batch", slog.Int("categories", len(batch)))
	err := b.syncFn(ctx, batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushing = false

	if err != nil {
		if epoch == b.epoch {
			for category, newer := range b.pending {
				base, ok := batch[category]
				if !ok {
					batch[category] = newer
					continue
				}
				b.merge(base, newer)
			}
			b.pending = batch
		}
		return err
	}

	// Data queued while the flush was running may have had its timer
	// fire into the flushing guard. Give it a timer of its own.
	if len(b.pending) > 0 && b.timer == nil {
		b.armLocked()
	}
	return nil
}

// Clear cancels the timer and discards buffered data without sending it.
func (b *Batcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()
	b.pending = make(map[string]map[string]any)
	b.epoch++
}

// Stop cancels the pending timer but keeps buffered data for an explicit Flush.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopLocked()
	b.mu.Unlock()
}

func (b *Batcher) stopLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

// Pending returns a copy of the buffered data.
func (b *Batcher) Pending() map[string]map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]map[string]any, len(b.pending))
	for category, entry := range b.pending {
		c := make(map[string]any, len(entry))
		for k, v := range entry {
			c[k] = v
		}
		out[category] = c
	}
	return out
}

// Flushing reports whether a flush is in progress.
func (b *Batcher) Flushing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushing
}
