// Copyright 2025 Certen Protocol

package dareader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	cmted25519 "github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/cometbft/cometbft/libs/protoio"
	cmtproto "github.com/cometbft/cometbft/proto/tendermint/types"
	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/certen-validator/rollup-sequencer/pkg/merkle"
)

const testChainID = "test-chain"

// canonicalVoteSignBytes mirrors pkg/quorum's unexported helper of the
// same name so these fixtures sign exactly what VerifyCommitQuorum checks.
func canonicalVoteSignBytes(chainID string, height int64, round int32, blockID cmttypes.BlockID, timestamp time.Time) ([]byte, error) {
	pbBlockID := blockID.ToProto()
	cv := cmtproto.CanonicalVote{
		Type:   cmtproto.PrecommitType,
		Height: height,
		Round:  int64(round),
		BlockID: &cmtproto.CanonicalBlockID{
			Hash: pbBlockID.Hash,
			PartSetHeader: cmtproto.CanonicalPartSetHeader{
				Total: pbBlockID.PartSetHeader.Total,
				Hash:  pbBlockID.PartSetHeader.Hash,
			},
		},
		ChainID:   chainID,
		Timestamp: timestamp,
	}
	return protoio.MarshalDelimited(&cv)
}

func signedCommit(t *testing.T, height int64) (*cmttypes.ValidatorSet, *cmttypes.Commit) {
	t.Helper()

	priv := cmted25519.GenPrivKey()
	val := cmttypes.NewValidator(priv.PubKey(), 10)
	valSet := cmttypes.NewValidatorSet([]*cmttypes.Validator{val})

	blockID := cmttypes.BlockID{
		Hash: make([]byte, 32),
		PartSetHeader: cmttypes.PartSetHeader{
			Total: 1,
			Hash:  make([]byte, 32),
		},
	}
	timestamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	signBytes, err := canonicalVoteSignBytes(testChainID, height, 0, blockID, timestamp)
	if err != nil {
		t.Fatalf("canonicalVoteSignBytes: %v", err)
	}
	sig, err := priv.Sign(signBytes)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	commit := &cmttypes.Commit{
		Height:  height,
		Round:   0,
		BlockID: blockID,
		Signatures: []cmttypes.CommitSig{
			{
				BlockIDFlag:      cmttypes.BlockIDFlagCommit,
				ValidatorAddress: val.Address,
				Timestamp:        timestamp,
				Signature:        sig,
			},
		},
	}
	return valSet, commit
}

func buildBlock(t *testing.T, height int64, rollupID string, blob []byte) *SequencerBlock {
	t.Helper()

	valSet, commit := signedCommit(t, height)

	leafHash := merkle.LeafHash(blob)
	tree, err := merkle.BuildTree([][]byte{leafHash})
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	proof, err := merkle.ProofFromTree(tree, 0)
	if err != nil {
		t.Fatalf("proof from tree: %v", err)
	}

	return &SequencerBlock{
		Height:         height,
		ChainID:        testChainID,
		Commit:         commit,
		ValidatorSet:   valSet,
		RollupDataRoot: tree.Root(),
		RollupBlobs: map[string][]byte{
			rollupID: blob,
		},
		RollupInclusionProof: map[string]merkle.Proof{
			rollupID: proof,
		},
	}
}

// buildBlockWithBadCommit returns a block whose commit signature cannot
// verify against its validator set, so verifyAndAssemble permanently
// fails it regardless of how many times it is retried.
func buildBlockWithBadCommit(t *testing.T, height int64, rollupID string, blob []byte) *SequencerBlock {
	t.Helper()

	block := buildBlock(t, height, rollupID, blob)
	bad := append([]byte(nil), block.Commit.Signatures[0].Signature...)
	bad[0] ^= 0xFF
	block.Commit.Signatures[0].Signature = bad
	return block
}

// fakeSource serves a fixed set of heights in memory and reports the
// highest height it has as its latest.
type fakeSource struct {
	mu     sync.Mutex
	blocks map[int64]*SequencerBlock
	latest int64
}

func newFakeSource() *fakeSource { return &fakeSource{blocks: make(map[int64]*SequencerBlock)} }

func (s *fakeSource) addBlock(b *SequencerBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.Height] = b
	if b.Height > s.latest {
		s.latest = b.Height
	}
}

func (s *fakeSource) LatestHeight(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *fakeSource) FetchSequencerBlob(ctx context.Context, height int64) (*SequencerBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[height]
	if !ok {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	return b, nil
}

func TestReader_EmitsAllFetchedHeights(t *testing.T) {
	source := newFakeSource()

	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	cfg.PollInterval = 10 * time.Millisecond

	r := New(cfg, source, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Start begins at the source's current head (0 here), so the blocks
	// are added afterwards to appear as new heights.
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	source.addBlock(buildBlock(t, 1, "rollup-a", []byte("blob-1")))
	source.addBlock(buildBlock(t, 2, "rollup-a", []byte("blob-2")))
	source.addBlock(buildBlock(t, 3, "rollup-a", []byte("blob-3")))

	got := make(map[int64]bool)
	for len(got) < 3 {
		select {
		case b := <-r.Blocks():
			got[b.Height] = true
		case err := <-r.Errors():
			t.Fatalf("unexpected pipeline error: %v", err)
		case <-ctx.Done():
			t.Fatalf("timed out, got heights %v", got)
		}
	}

	// No ordering guarantee is made across heights: the spec forwards
	// each verify result independently, so only set membership matters.
	for _, h := range []int64{1, 2, 3} {
		if !got[h] {
			t.Fatalf("expected height %d to be emitted, got %v", h, got)
		}
	}
}

// TestReader_SkipsPermanentlyFailingHeight verifies that a height whose
// commit can never verify is logged and dropped without blocking later
// heights from being fetched, verified, and emitted.
func TestReader_SkipsPermanentlyFailingHeight(t *testing.T) {
	source := newFakeSource()

	cfg := DefaultConfig()
	cfg.ChainID = testChainID
	cfg.PollInterval = 10 * time.Millisecond

	r := New(cfg, source, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	source.addBlock(buildBlock(t, 1, "rollup-a", []byte("blob-1")))
	source.addBlock(buildBlockWithBadCommit(t, 2, "rollup-a", []byte("blob-2")))
	source.addBlock(buildBlock(t, 3, "rollup-a", []byte("blob-3")))

	got := make(map[int64]bool)
	sawVerifyErrForHeight2 := false
	for len(got) < 2 {
		select {
		case b := <-r.Blocks():
			if b.Height == 2 {
				t.Fatalf("height 2 has an invalid commit and must never be emitted")
			}
			got[b.Height] = true
		case err := <-r.Errors():
			if err != nil {
				sawVerifyErrForHeight2 = true
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for heights 1 and 3, got %v (saw verify error: %v)", got, sawVerifyErrForHeight2)
		}
	}

	if !got[1] || !got[3] {
		t.Fatalf("expected heights 1 and 3 to be emitted despite height 2 permanently failing, got %v", got)
	}
	if !sawVerifyErrForHeight2 {
		t.Fatalf("expected a reported verify error for height 2")
	}
}

func TestReader_StartUsesCheckpoint(t *testing.T) {
	source := newFakeSource()
	source.addBlock(buildBlock(t, 5, "rollup-a", []byte("blob-5")))
	source.latest = 5

	checkpoint := &memCheckpoint{height: 4}

	cfg := DefaultConfig()
	cfg.ChainID = testChainID

	r := New(cfg, source, checkpoint)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	if got := r.CurrentHeight(); got != 4 {
		t.Fatalf("expected reader to resume from checkpoint height 4, got %d", got)
	}
}

type memCheckpoint struct {
	mu     sync.Mutex
	height int64
}

func (c *memCheckpoint) Load(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *memCheckpoint) Save(ctx context.Context, height int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = height
	return nil
}
