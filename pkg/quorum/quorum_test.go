// Copyright 2025 Certen Protocol

package quorum

import (
	"errors"
	"testing"
	"time"

	cmted25519 "github.com/cometbft/cometbft/crypto/ed25519"
	cmttypes "github.com/cometbft/cometbft/types"
)

func TestHasQuorum_BoundaryValues(t *testing.T) {
	cases := []struct {
		committed, total int64
		want             bool
	}{
		{2, 3, false},
		{3, 3, true},
		{3, 4, true},
		{100, 150, false},
		{101, 150, true},
		{0, 0, false},
	}

	for _, c := range cases {
		if got := HasQuorum(c.committed, c.total); got != c.want {
			t.Errorf("HasQuorum(%d, %d) = %v, want %v", c.committed, c.total, got, c.want)
		}
	}
}

// buildSignedCommit creates a validator set of n validators with equal
// voting power, signs a precommit from the first k of them, and returns
// both for use in VerifyCommitQuorum tests.
func buildSignedCommit(t *testing.T, n, k int, chainID string, height int64) (*cmttypes.ValidatorSet, *cmttypes.Commit) {
	t.Helper()

	blockID := cmttypes.BlockID{
		Hash: make([]byte, 32),
		PartSetHeader: cmttypes.PartSetHeader{
			Total: 1,
			Hash:  make([]byte, 32),
		},
	}
	timestamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var privKeys []cmted25519.PrivKey
	var validators []*cmttypes.Validator
	for i := 0; i < n; i++ {
		pk := cmted25519.GenPrivKey()
		privKeys = append(privKeys, pk)
		validators = append(validators, cmttypes.NewValidator(pk.PubKey(), 100))
	}
	valSet := cmttypes.NewValidatorSet(validators)

	sigs := make([]cmttypes.CommitSig, n)
	for i := 0; i < n; i++ {
		if i >= k {
			sigs[i] = cmttypes.NewCommitSigAbsent()
			continue
		}
		signBytes, err := canonicalVoteSignBytes(chainID, height, 0, blockID, timestamp)
		if err != nil {
			t.Fatalf("canonicalVoteSignBytes: %v", err)
		}
		sig, err := privKeys[i].Sign(signBytes)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		sigs[i] = cmttypes.CommitSig{
			BlockIDFlag:      cmttypes.BlockIDFlagCommit,
			ValidatorAddress: validators[i].Address,
			Timestamp:        timestamp,
			Signature:        sig,
		}
	}

	commit := &cmttypes.Commit{
		Height:     height,
		Round:      0,
		BlockID:    blockID,
		Signatures: sigs,
	}

	return valSet, commit
}

func TestVerifyCommitQuorum_Succeeds(t *testing.T) {
	chainID := "test-chain"
	valSet, commit := buildSignedCommit(t, 4, 3, chainID, 10)

	if err := VerifyCommitQuorum(chainID, 10, valSet, commit); err != nil {
		t.Fatalf("expected quorum, got error: %v", err)
	}
}

func TestVerifyCommitQuorum_FailsWithoutQuorum(t *testing.T) {
	chainID := "test-chain"
	valSet, commit := buildSignedCommit(t, 4, 2, chainID, 10)

	if err := VerifyCommitQuorum(chainID, 10, valSet, commit); err == nil {
		t.Fatal("expected quorum failure, got nil error")
	}
}

func TestVerifyCommitQuorum_HeightMismatch(t *testing.T) {
	chainID := "test-chain"
	valSet, commit := buildSignedCommit(t, 4, 3, chainID, 10)

	err := VerifyCommitQuorum(chainID, 11, valSet, commit)
	if err == nil {
		t.Fatal("expected height mismatch error")
	}
}

func TestVerifyCommitQuorum_RejectsTamperedSignature(t *testing.T) {
	chainID := "test-chain"
	valSet, commit := buildSignedCommit(t, 4, 3, chainID, 10)
	commit.Signatures[0].Signature[0] ^= 0xff

	if err := VerifyCommitQuorum(chainID, 10, valSet, commit); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestVerifyCommitQuorum_RejectsEmptySignature(t *testing.T) {
	chainID := "test-chain"
	valSet, commit := buildSignedCommit(t, 4, 3, chainID, 10)
	commit.Signatures[0].Signature = nil

	err := VerifyCommitQuorum(chainID, 10, valSet, commit)
	if err == nil {
		t.Fatal("expected empty signature to be rejected")
	}
	if !errors.Is(err, ErrEmptySignature) {
		t.Fatalf("expected ErrEmptySignature, got: %v", err)
	}
	var valErr *ValidatorError
	if !errors.As(err, &valErr) || valErr.Reason != "EmptySignature" {
		t.Fatalf("expected ValidatorError with Reason EmptySignature, got: %v", err)
	}
}

func TestVerifyCommitQuorum_WrongChainIDFailsVerification(t *testing.T) {
	valSet, commit := buildSignedCommit(t, 4, 3, "test-chain", 10)

	if err := VerifyCommitQuorum("other-chain", 10, valSet, commit); err == nil {
		t.Fatal("expected signature verification failure for mismatched chain id")
	}
}
