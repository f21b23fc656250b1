// Copyright 2025 Certen Protocol
//
// Commit Quorum Verification
//
// Verifies that a CometBFT commit carries more than 2/3 of a validator
// set's voting power in valid precommit signatures, independent of any
// running consensus engine. Grounded on the canonical-vote verification
// performed manually against a custom Tendermint-adjacent wire format in
// the reference conductor this core's data-availability pipeline is
// modeled on, translated here to operate on real CometBFT types since
// this repo already depends on github.com/cometbft/cometbft.

package quorum

import (
	"errors"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/libs/protoio"
	cmtproto "github.com/cometbft/cometbft/proto/tendermint/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

// Sentinel errors returned by VerifyCommitQuorum. Use errors.Is to test
// for a specific condition, or errors.As for *ValidatorError to recover
// the offending validator address.
var (
	ErrCommitHeightMismatch          = errors.New("quorum: commit height does not match validator set height")
	ErrTotalVotingPowerOverflow      = errors.New("quorum: total voting power overflowed int64")
	ErrCommitVotingPowerExceedsTotal = errors.New("quorum: commit voting power exceeds total voting power")
	ErrNoQuorum                      = errors.New("quorum: commit does not carry 2/3+ voting power")
	ErrEmptySignature                = errors.New("quorum: commit-flagged signature is empty")
)

// ValidatorError wraps a quorum verification failure tied to a specific
// validator's signature, carrying the offending address for diagnostics.
type ValidatorError struct {
	Address []byte
	Reason  string
	Err     error
}

func (e *ValidatorError) Error() string {
	return fmt.Sprintf("quorum: validator %X: %s", e.Address, e.Reason)
}

func (e *ValidatorError) Unwrap() error { return e.Err }

// HasQuorum reports whether committed voting power clears the 2/3
// threshold of total voting power. It uses the same two-branch
// formulation as the reference implementation this is grounded on to
// avoid integer-division edge cases for tiny validator sets:
// for total < 3, a strict majority-of-thirds comparison using
// multiplication instead of division; for total >= 3, floor(total/3)*2
// is exact enough that an equivalent multiplication isn't needed.
func HasQuorum(committed, total int64) bool {
	if total < 3 {
		return committed*3 > total*2
	}
	return committed > total/3*2
}

// VerifyCommitQuorum checks that commit is for the given height, that
// every counted precommit signature verifies against the named
// validator in valSet, and that the aggregate voting power behind those
// signatures clears HasQuorum. chainID must match the chain ID the
// validators actually signed against.
func VerifyCommitQuorum(chainID string, height int64, valSet *cmttypes.ValidatorSet, commit *cmttypes.Commit) error {
	if commit.Height != height {
		return fmt.Errorf("%w: commit height %d, expected %d", ErrCommitHeightMismatch, commit.Height, height)
	}

	var totalVotingPower int64
	for _, v := range valSet.Validators {
		next := totalVotingPower + v.VotingPower
		if next < totalVotingPower {
			return ErrTotalVotingPowerOverflow
		}
		totalVotingPower = next
	}

	byAddress := make(map[string]*cmttypes.Validator, len(valSet.Validators))
	for _, v := range valSet.Validators {
		byAddress[string(v.Address)] = v
	}

	var commitVotingPower int64
	for _, sig := range commit.Signatures {
		if sig.BlockIDFlag != cmttypes.BlockIDFlagCommit {
			continue
		}

		val, ok := byAddress[string(sig.ValidatorAddress)]
		if !ok {
			return &ValidatorError{Address: sig.ValidatorAddress, Reason: "not present in validator set"}
		}

		if addr := val.PubKey.Address(); string(addr) != string(val.Address) {
			return &ValidatorError{Address: sig.ValidatorAddress, Reason: "recorded address does not match public key"}
		}

		if len(sig.Signature) == 0 {
			return &ValidatorError{Address: sig.ValidatorAddress, Reason: "EmptySignature", Err: ErrEmptySignature}
		}

		signBytes, err := canonicalVoteSignBytes(chainID, commit.Height, commit.Round, commit.BlockID, sig.Timestamp)
		if err != nil {
			return fmt.Errorf("quorum: building canonical vote for %X: %w", sig.ValidatorAddress, err)
		}

		if !val.PubKey.VerifySignature(signBytes, sig.Signature) {
			return &ValidatorError{Address: sig.ValidatorAddress, Reason: "signature verification failed"}
		}

		next := commitVotingPower + val.VotingPower
		if next < commitVotingPower {
			return ErrTotalVotingPowerOverflow
		}
		commitVotingPower = next
	}

	if commitVotingPower > totalVotingPower {
		return ErrCommitVotingPowerExceedsTotal
	}
	if !HasQuorum(commitVotingPower, totalVotingPower) {
		return fmt.Errorf("%w: %d/%d", ErrNoQuorum, commitVotingPower, totalVotingPower)
	}

	return nil
}

// canonicalVoteSignBytes reconstructs the exact bytes a validator signs
// for a precommit vote: a length-delimited protobuf encoding of
// CanonicalVote, matching CometBFT's wire format bit for bit.
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
