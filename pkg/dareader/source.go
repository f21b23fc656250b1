// Copyright 2025 Certen Protocol
//
// CometBFT RPC backed DataSource, grounded on this repo's own BFT
// consensus engine, which drives a cmthttp.HTTP client against a remote
// CometBFT full node's RPC endpoint the same way.

package dareader

import (
	"context"
	"fmt"

	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/certen-validator/rollup-sequencer/pkg/merkle"
)

// RPCDataSource implements DataSource against a CometBFT full node's
// RPC endpoint, treating each block's transaction set as the rollup
// blob for a single configured rollup ID.
type RPCDataSource struct {
	client   *cmthttp.HTTP
	rollupID string
}

// NewRPCDataSource dials a CometBFT full node's RPC endpoint (for
// example "http://localhost:26657").
func NewRPCDataSource(rpcAddr, rollupID string) (*RPCDataSource, error) {
	client, err := cmthttp.New(rpcAddr, "/websocket")
	if err != nil {
		return nil, fmt.Errorf("dareader: connect to %s: %w", rpcAddr, err)
	}
	return &RPCDataSource{client: client, rollupID: rollupID}, nil
}

// LatestHeight returns the full node's latest synced block height.
func (s *RPCDataSource) LatestHeight(ctx context.Context) (int64, error) {
	status, err := s.client.Status(ctx)
	if err != nil {
		return 0, fmt.Errorf("dareader: status: %w", err)
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

// FetchSequencerBlob retrieves the block, its commit, and its validator
// set at height, and assembles them into a SequencerBlock whose rollup
// blob is the block's concatenated transaction data, committed under a
// single-leaf Merkle tree whose one leaf is the hash of that blob.
func (s *RPCDataSource) FetchSequencerBlob(ctx context.Context, height int64) (*SequencerBlock, error) {
	h := height

	blockResult, err := s.client.Block(ctx, &h)
	if err != nil {
		return nil, fmt.Errorf("dareader: fetch block %d: %w", height, err)
	}
	commitResult, err := s.client.Commit(ctx, &h)
	if err != nil {
		return nil, fmt.Errorf("dareader: fetch commit %d: %w", height, err)
	}
	valResult, err := s.client.Validators(ctx, &h, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("dareader: fetch validators %d: %w", height, err)
	}
	valSet := cmttypes.NewValidatorSet(valResult.Validators)

	txs := blockResult.Block.Data.Txs
	if len(txs) == 0 {
		return &SequencerBlock{
			Height:               height,
			ChainID:              blockResult.Block.ChainID,
			Commit:               commitResult.Commit,
			ValidatorSet:         valSet,
			RollupBlobs:          map[string][]byte{},
			RollupInclusionProof: map[string]merkle.Proof{},
		}, nil
	}

	blob := concatTxs(txs)
	tree, err := merkle.BuildTree([][]byte{merkle.LeafHash(blob)})
	if err != nil {
		return nil, fmt.Errorf("dareader: build tree for height %d: %w", height, err)
	}
	proof, err := merkle.ProofFromTree(tree, 0)
	if err != nil {
		return nil, fmt.Errorf("dareader: inclusion proof for height %d: %w", height, err)
	}

	return &SequencerBlock{
		Height:         height,
		ChainID:        blockResult.Block.ChainID,
		Commit:         commitResult.Commit,
		ValidatorSet:   valSet,
		RollupDataRoot: tree.Root(),
		RollupBlobs: map[string][]byte{
			s.rollupID: blob,
		},
		RollupInclusionProof: map[string]merkle.Proof{
			s.rollupID: proof,
		},
	}, nil
}

func concatTxs(txs cmttypes.Txs) []byte {
	out := make([]byte, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx...)
	}
	return out
}
