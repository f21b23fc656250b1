// Copyright 2025 Certen Protocol
//
// DA reader pipeline.
//
// Reader polls a data-availability source for its latest height, fetches
// sequencer blobs as new heights appear, verifies each one's commit
// quorum and rollup inclusion proofs, and forwards each assembled block
// to its output channel as soon as it is ready. No interleaving order
// is guaranteed across heights at the output — a height whose commit or
// inclusion proof never verifies is logged and dropped rather than
// blocking every height after it. Grounded on the conductor's
// single-threaded data-availability event loop this core's ingest path
// is modeled on (cooperative select over a poll ticker, an in-flight
// "get latest height" task, and per-height fetch/verify tasks), and on
// the poll-ticker-plus-WaitGroup lifecycle of this repo's own contract
// event watcher. tokio::select!/JoinMap/JoinSet become goroutines
// reporting onto small typed result channels consumed by one select
// loop.

package dareader

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/certen-validator/rollup-sequencer/pkg/merkle"
	"github.com/certen-validator/rollup-sequencer/pkg/metrics"
	"github.com/certen-validator/rollup-sequencer/pkg/quorum"
)

// SequencerBlock is a single height's worth of data fetched from the DA source.
type SequencerBlock struct {
	Height               int64
	ChainID              string
	Commit               *cmttypes.Commit
	ValidatorSet         *cmttypes.ValidatorSet
	RollupDataRoot       []byte
	RollupBlobs          map[string][]byte
	RollupInclusionProof map[string]merkle.Proof
}

// AssembledBlock is the verified, assembled result for one height, ready
// for a rollup execution layer to consume.
type AssembledBlock struct {
	Height      int64
	ChainID     string
	RollupBlobs map[string][]byte
}

// DataSource fetches sequencer blobs from the DA layer (e.g. a Celestia
// or CometBFT light client).
type DataSource interface {
	LatestHeight(ctx context.Context) (int64, error)
	FetchSequencerBlob(ctx context.Context, height int64) (*SequencerBlock, error)
}

// Checkpoint durably persists the last verified height so a restart
// resumes near where it left off instead of at the DA source's current head.
type Checkpoint interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, height int64) error
}

// Config configures a Reader.
type Config struct {
	ChainID       string
	PollInterval  time.Duration
	MaxInFlight   int
	OutBufferSize int
	ErrBufferSize int
	Logger        *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		MaxInFlight:   8,
		OutBufferSize: 64,
		ErrBufferSize: 32,
		Logger:        log.New(os.Stderr, "[DAReader] ", log.LstdFlags),
	}
}

// Reader drives the fetch/verify/assemble pipeline for one DA source.
type Reader struct {
	cfg        Config
	source     DataSource
	checkpoint Checkpoint

	out  chan *AssembledBlock
	errs chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	currentHeight int64
	running       bool
}

// New creates a Reader. If checkpoint is non-nil and loads a height
// greater than zero, that height is used as the starting point on Start;
// otherwise (no checkpoint, a load error, or nothing saved yet) Start
// queries source for its current head and begins there, matching the DA-tip-first
// initialization of the reference pipeline rather than a genesis backfill.
func New(cfg Config, source DataSource, checkpoint Checkpoint) *Reader {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.OutBufferSize <= 0 {
		cfg.OutBufferSize = DefaultConfig().OutBufferSize
	}
	if cfg.ErrBufferSize <= 0 {
		cfg.ErrBufferSize = DefaultConfig().ErrBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}

	return &Reader{
		cfg:        cfg,
		source:     source,
		checkpoint: checkpoint,
		out:        make(chan *AssembledBlock, cfg.OutBufferSize),
		errs:       make(chan error, cfg.ErrBufferSize),
	}
}

// Blocks returns the channel of assembled blocks. No ordering across
// heights is guaranteed; consumers reconcile heights themselves.
func (r *Reader) Blocks() <-chan *AssembledBlock { return r.out }

// Errors returns the channel of non-fatal pipeline errors.
func (r *Reader) Errors() <-chan error { return r.errs }

// CurrentHeight returns the highest height successfully fetched so far
// (or the starting height, before the first fetch completes). This is
// the reader's fetch frontier, not an emission watermark: verify
// outcomes are forwarded independently and may complete out of order
// relative to this value.
func (r *Reader) CurrentHeight() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentHeight
}

// Start begins polling and fetching. It returns once the reader has
// determined its starting height; the pipeline itself runs in background
// goroutines until the given context is canceled or Stop is called.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("dareader: already running")
	}
	r.running = true
	r.mu.Unlock()

	r.ctx, r.cancel = context.WithCancel(ctx)

	start, err := r.initialHeight(r.ctx)
	if err != nil {
		return fmt.Errorf("dareader: determine initial height: %w", err)
	}
	r.currentHeight = start
	metrics.DAReaderCurrentHeight.Set(float64(start))

	r.wg.Add(1)
	go r.run()

	r.cfg.Logger.Printf("starting from height %d", start)
	return nil
}

// Stop cancels the pipeline and waits for it to exit.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	close(r.out)
	close(r.errs)
	r.cfg.Logger.Printf("stopped")
}

func (r *Reader) initialHeight(ctx context.Context) (int64, error) {
	if r.checkpoint != nil {
		h, err := r.checkpoint.Load(ctx)
		if err == nil && h > 0 {
			return h, nil
		}
	}
	return r.source.LatestHeight(ctx)
}

type latestHeightResult struct {
	height int64
	err    error
}

type fetchResult struct {
	height int64
	block  *SequencerBlock
	err    error
}

type verifyResult struct {
	height    int64
	assembled *AssembledBlock
	err       error
}

// run is the single-threaded event loop multiplexing the poll ticker
// against in-flight fetch and verify tasks, exactly one select
// statement owning all pipeline state so no locking is needed for the
// bookkeeping maps below.
func (r *Reader) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	latestHeightCh := make(chan latestHeightResult, 1)
	fetchCh := make(chan fetchResult, r.cfg.MaxInFlight)
	verifyCh := make(chan verifyResult, r.cfg.MaxInFlight)

	var (
		latestHeight         int64
		latestHeightInFlight bool
		fetching             = make(map[int64]bool)
		verifying            = make(map[int64]bool)
	)

	scheduleFetches := func() {
		active := len(fetching)
		for h := r.currentHeight + 1; h <= latestHeight && active < r.cfg.MaxInFlight; h++ {
			if fetching[h] || verifying[h] {
				continue
			}
			fetching[h] = true
			active++
			r.wg.Add(1)
			go func(height int64) {
				defer r.wg.Done()
				block, err := r.source.FetchSequencerBlob(r.ctx, height)
				select {
				case fetchCh <- fetchResult{height: height, block: block, err: err}:
				case <-r.ctx.Done():
				}
			}(h)
		}
		metrics.DAReaderHeightsInFlight.Set(float64(len(fetching) + len(verifying)))
	}

	// emit forwards a verified block immediately, with no contiguity
	// requirement against r.currentHeight: a height that never verifies
	// is dropped (see the verifyCh case below), and gating emission on
	// strict ordering would let that single height block every height
	// after it forever.
	emit := func(res verifyResult) (ok bool) {
		if r.checkpoint != nil {
			if err := r.checkpoint.Save(r.ctx, res.height); err != nil {
				r.reportError(fmt.Errorf("checkpoint save at height %d: %w", res.height, err))
			}
		}
		select {
		case r.out <- res.assembled:
			return true
		case <-r.ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			if !latestHeightInFlight {
				latestHeightInFlight = true
				r.wg.Add(1)
				go func() {
					defer r.wg.Done()
					h, err := r.source.LatestHeight(r.ctx)
					select {
					case latestHeightCh <- latestHeightResult{height: h, err: err}:
					case <-r.ctx.Done():
					}
				}()
			}

		case res := <-latestHeightCh:
			latestHeightInFlight = false
			if res.err != nil {
				r.reportError(fmt.Errorf("get latest height: %w", res.err))
				continue
			}
			if res.height > latestHeight {
				latestHeight = res.height
			}
			scheduleFetches()

		case res := <-fetchCh:
			delete(fetching, res.height)
			if res.err != nil {
				r.reportError(fmt.Errorf("fetch height %d: %w", res.height, res.err))
				metrics.DAReaderFetchErrors.WithLabelValues("fetch").Inc()
				metrics.DAReaderHeightsInFlight.Set(float64(len(fetching) + len(verifying)))
				continue
			}
			if res.height > r.currentHeight {
				r.currentHeight = res.height
				metrics.DAReaderCurrentHeight.Set(float64(r.currentHeight))
			}
			verifying[res.height] = true
			r.wg.Add(1)
			go func(block *SequencerBlock) {
				defer r.wg.Done()
				assembled, err := verifyAndAssemble(r.cfg.ChainID, block)
				select {
				case verifyCh <- verifyResult{height: block.Height, assembled: assembled, err: err}:
				case <-r.ctx.Done():
				}
			}(res.block)
			scheduleFetches()

		case res := <-verifyCh:
			delete(verifying, res.height)
			if res.err != nil {
				r.reportError(fmt.Errorf("verify height %d: %w", res.height, res.err))
				metrics.DAReaderFetchErrors.WithLabelValues("verify").Inc()
				metrics.DAReaderHeightsInFlight.Set(float64(len(fetching) + len(verifying)))
				continue
			}
			if !emit(res) {
				return
			}
			scheduleFetches()
		}
	}
}

func (r *Reader) reportError(err error) {
	r.cfg.Logger.Printf("%v", err)
	select {
	case r.errs <- err:
	default:
	}
}

// verifyAndAssemble checks the block's commit quorum and each rollup's
// inclusion proof against RollupDataRoot, then assembles the per-rollup
// blobs for delivery.
func verifyAndAssemble(chainID string, block *SequencerBlock) (*AssembledBlock, error) {
	start := time.Now()
	defer func() { metrics.DAReaderVerifyLatency.Observe(time.Since(start).Seconds()) }()

	if err := quorum.VerifyCommitQuorum(chainID, block.Height, block.ValidatorSet, block.Commit); err != nil {
		return nil, fmt.Errorf("commit quorum: %w", err)
	}

	var root [32]byte
	copy(root[:], block.RollupDataRoot)

	for rollupID, blob := range block.RollupBlobs {
		proof, ok := block.RollupInclusionProof[rollupID]
		if !ok {
			return nil, fmt.Errorf("missing inclusion proof for rollup %q", rollupID)
		}
		if !proof.Verify(blob, root) {
			return nil, fmt.Errorf("inclusion proof failed for rollup %q", rollupID)
		}
	}

	return &AssembledBlock{
		Height:      block.Height,
		ChainID:     block.ChainID,
		RollupBlobs: block.RollupBlobs,
	}, nil
}
