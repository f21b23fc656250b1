// Copyright 2025 Certen Protocol
//
// Size-bounded bundle factory with backpressure.
//
// Buffers rollup actions into size-bounded bundles and hands finished
// bundles off through a bounded FIFO queue. Grounded on the bundle
// factory of the composer this core's submission path is modeled on,
// adapted to the mutex-guarded, logger-carrying, UUID-identified shape
// the rest of this codebase uses for long-lived stateful components.

package bundle

import (
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/certen-validator/rollup-sequencer/pkg/metrics"
)

// RollupIDLen and FeeAssetIDLen are the fixed-width overheads added to
// an action's payload size when it is wrapped for sequencing, mirroring
// the wire overhead of a rollup id and fee asset id alongside the data.
const (
	RollupIDLen   = 32
	FeeAssetIDLen = 32
)

// Action is a single rollup action to be bundled for submission to the
// sequencer.
type Action struct {
	RollupID string
	Data     []byte
}

func estimateActionSize(a Action) int {
	size := len(a.Data) + RollupIDLen + FeeAssetIDLen
	if size < len(a.Data) {
		return int(^uint(0) >> 1) // saturate on overflow
	}
	return size
}

// sizedBundle accumulates actions up to maxSize bytes.
type sizedBundle struct {
	id           uuid.UUID
	buffer       []Action
	currSize     int
	maxSize      int
	rollupCounts map[string]int
}

func newSizedBundle(maxSize int) *sizedBundle {
	return &sizedBundle{
		id:           uuid.New(),
		maxSize:      maxSize,
		rollupCounts: make(map[string]int),
	}
}

// tryPush appends action if it fits. It returns *ActionTooLargeError if
// the action alone exceeds maxSize, or (false, nil) if it merely doesn't
// fit in the remaining space (the bundle is otherwise untouched).
func (b *sizedBundle) tryPush(a Action) (fits bool, err error) {
	size := estimateActionSize(a)

	if size > b.maxSize {
		return false, &ActionTooLargeError{Size: size, MaxSize: b.maxSize}
	}
	if b.currSize+size > b.maxSize {
		return false, nil
	}

	b.rollupCounts[a.RollupID]++
	b.buffer = append(b.buffer, a)
	b.currSize += size
	return true, nil
}

func (b *sizedBundle) flush() *sizedBundle {
	old := &sizedBundle{
		id:           b.id,
		buffer:       b.buffer,
		currSize:     b.currSize,
		maxSize:      b.maxSize,
		rollupCounts: b.rollupCounts,
	}
	*b = *newSizedBundle(b.maxSize)
	return old
}

func (b *sizedBundle) isEmpty() bool { return len(b.buffer) == 0 }

// Bundle is a finished, immutable bundle of actions ready for submission.
type Bundle struct {
	ID           uuid.UUID
	Actions      []Action
	Size         int
	RollupCounts map[string]int
}

func (b *sizedBundle) toBundle() *Bundle {
	return &Bundle{
		ID:           b.id,
		Actions:      b.buffer,
		Size:         b.currSize,
		RollupCounts: b.rollupCounts,
	}
}

// Config configures a Factory.
type Config struct {
	MaxBundleSize         int
	FinishedQueueCapacity int
	Logger                *log.Logger
}

// DefaultConfig returns sensible defaults: a 256KiB bundle cap and room
// for 16 finished bundles awaiting submission.
func DefaultConfig() Config {
	return Config{
		MaxBundleSize:         256 * 1024,
		FinishedQueueCapacity: 16,
		Logger:                log.New(os.Stderr, "[BundleFactory] ", log.LstdFlags),
	}
}

// Factory buffers actions into SizedBundles and exposes finished bundles
// through a bounded FIFO queue. Safe for concurrent use by one producer
// goroutine (Push) and one consumer goroutine (PeekNextFinished/PopNow).
type Factory struct {
	mu       sync.Mutex
	curr     *sizedBundle
	finished []*Bundle
	capacity int
	logger   *log.Logger
}

// NewFactory creates a Factory from cfg, filling in defaults for zero values.
func NewFactory(cfg Config) *Factory {
	if cfg.MaxBundleSize <= 0 {
		cfg.MaxBundleSize = DefaultConfig().MaxBundleSize
	}
	if cfg.FinishedQueueCapacity <= 0 {
		cfg.FinishedQueueCapacity = DefaultConfig().FinishedQueueCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}

	return &Factory{
		curr:     newSizedBundle(cfg.MaxBundleSize),
		capacity: cfg.FinishedQueueCapacity,
		logger:   cfg.Logger,
	}
}

// Push buffers action into the current bundle. If it doesn't fit, the
// current bundle is flushed onto the finished queue and a new one is
// started, unless the finished queue is already at capacity.
func (f *Factory) Push(a Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fits, err := f.curr.tryPush(a)
	if err != nil {
		metrics.BundlePushRejections.WithLabelValues("action_too_large").Inc()
		return err
	}
	if fits {
		metrics.BundleCurrentSize.Set(float64(f.curr.currSize))
		return nil
	}

	if len(f.finished) >= f.capacity {
		metrics.BundlePushRejections.WithLabelValues("finished_queue_full").Inc()
		return &FinishedQueueFullError{
			CurrBundleSize:        f.curr.currSize,
			FinishedQueueCapacity: f.capacity,
			ActionSize:            estimateActionSize(a),
			Action:                a,
		}
	}

	finished := f.curr.flush()
	f.finished = append(f.finished, finished.toBundle())
	metrics.BundleFinishedQueueDepth.Set(float64(len(f.finished)))

	if ok, pushErr := f.curr.tryPush(a); !ok || pushErr != nil {
		// The action was already validated to fit within maxSize above;
		// failing here against a freshly flushed bundle is a logic bug.
		panic("bundle: action should fit in a freshly flushed bundle")
	}
	metrics.BundleCurrentSize.Set(float64(f.curr.currSize))

	f.logger.Printf("flushed bundle %s (%d bytes, %d actions), finished queue depth %d",
		finished.id, finished.currSize, len(finished.buffer), len(f.finished))

	return nil
}

// NextFinishedBundle is a handle to the front of the finished queue.
// Nothing is removed from the queue until Pop is called, so a caller
// that decides not to consume the bundle after all (e.g. on context
// cancellation) leaves the factory state untouched.
type NextFinishedBundle struct {
	factory *Factory
}

// PeekNextFinished returns a handle to the next finished bundle, or nil
// if the finished queue is empty.
func (f *Factory) PeekNextFinished() *NextFinishedBundle {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.finished) == 0 {
		return nil
	}
	return &NextFinishedBundle{factory: f}
}

// Pop removes and returns the bundle this handle was created for. Pop
// must not be called more than once per handle.
func (h *NextFinishedBundle) Pop() *Bundle {
	h.factory.mu.Lock()
	defer h.factory.mu.Unlock()

	if len(h.factory.finished) == 0 {
		panic("bundle: next finished bundle popped twice, this is a bug")
	}
	b := h.factory.finished[0]
	h.factory.finished = h.factory.finished[1:]
	metrics.BundleFinishedQueueDepth.Set(float64(len(h.factory.finished)))
	return b
}

// PopNow immediately removes and returns a bundle: the front of the
// finished queue if one exists, otherwise the current in-progress
// bundle (which may be empty).
func (f *Factory) PopNow() *Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.finished) > 0 {
		b := f.finished[0]
		f.finished = f.finished[1:]
		metrics.BundleFinishedQueueDepth.Set(float64(len(f.finished)))
		return b
	}

	flushed := f.curr.flush()
	metrics.BundleCurrentSize.Set(0)
	return flushed.toBundle()
}

// IsFull reports whether the finished queue is at capacity.
func (f *Factory) IsFull() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finished) >= f.capacity
}
