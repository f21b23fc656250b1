// Copyright 2025 Certen Protocol
//
// Streaming leaf construction and position-free audit path verification,
// translated from the typestate LeafBuilder/Audit API of the reference
// Merkle crate this package's construction rules are grounded on.

package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// LeafBuilder hashes a leaf incrementally without buffering the leaf
// bytes in memory. Call Write any number of times, then Finish exactly
// once. Calling either method after Finish panics, matching the
// builder's single-use contract.
type LeafBuilder struct {
	h        interface{ Write([]byte) (int, error) }
	finished bool
}

// NewLeafBuilder starts a new leaf hash, pre-seeding it with the RFC
// 6962 leaf domain separator.
func NewLeafBuilder() *LeafBuilder {
	h := sha256.New()
	h.Write([]byte{0x00})
	return &LeafBuilder{h: h}
}

// Write feeds more leaf bytes into the hash.
func (b *LeafBuilder) Write(p []byte) {
	if b.finished {
		panic("merkle: LeafBuilder used after Finish")
	}
	b.h.Write(p)
}

// Finish returns the completed leaf hash. Calling Finish a second time panics.
func (b *LeafBuilder) Finish() [32]byte {
	if b.finished {
		panic("merkle: LeafBuilder.Finish called twice")
	}
	b.finished = true
	sum := b.h.(interface{ Sum([]byte) []byte }).Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}

// InvalidProofKind enumerates why a raw audit path failed structural validation.
type InvalidProofKind int

const (
	// AuditPathNotMultipleOf32 means the audit path length is not a multiple of 32 bytes.
	AuditPathNotMultipleOf32 InvalidProofKind = iota
	// LeafIndexOutsideTree means the leaf index is not less than the tree size.
	LeafIndexOutsideTree
	// ZeroTreeSize means the tree size was reported as zero, which is never valid.
	ZeroTreeSize
)

// InvalidProofError describes why UncheckedProof.Validate rejected a raw audit path.
type InvalidProofError struct {
	Kind      InvalidProofKind
	Len       int
	LeafIndex int
	TreeSize  int
}

func (e *InvalidProofError) Error() string {
	switch e.Kind {
	case AuditPathNotMultipleOf32:
		return fmt.Sprintf("audit path length %d is not a multiple of 32", e.Len)
	case LeafIndexOutsideTree:
		return fmt.Sprintf("leaf index %d is outside tree of size %d", e.LeafIndex, e.TreeSize)
	case ZeroTreeSize:
		return "tree size must not be zero"
	default:
		return "invalid merkle proof"
	}
}

// UncheckedProof is the wire form of a Proof before its structural
// invariants have been validated: audit path length a multiple of 32,
// non-zero tree size, leaf index within the tree.
type UncheckedProof struct {
	AuditPath []byte
	LeafIndex int
	TreeSize  int
}

// Validate checks structural invariants and returns a Proof.
func (u UncheckedProof) Validate() (Proof, error) {
	if u.TreeSize == 0 {
		return Proof{}, &InvalidProofError{Kind: ZeroTreeSize}
	}
	if len(u.AuditPath)%32 != 0 {
		return Proof{}, &InvalidProofError{Kind: AuditPathNotMultipleOf32, Len: len(u.AuditPath)}
	}
	if u.LeafIndex >= u.TreeSize {
		return Proof{}, &InvalidProofError{Kind: LeafIndexOutsideTree, LeafIndex: u.LeafIndex, TreeSize: u.TreeSize}
	}
	return Proof{auditPath: u.AuditPath, leafIndex: u.LeafIndex, treeSize: u.TreeSize}, nil
}

// Proof is a validated, flat Merkle audit path: the ordered concatenation
// of 32-byte sibling hashes from leaf to root, together with the leaf
// index and tree size needed to determine each sibling's side without
// holding the tree in memory.
type Proof struct {
	auditPath []byte
	leafIndex int
	treeSize  int
}

// Unchecked returns the raw wire form of the proof.
func (p Proof) Unchecked() UncheckedProof {
	return UncheckedProof{AuditPath: p.auditPath, LeafIndex: p.leafIndex, TreeSize: p.treeSize}
}

// AuditPath returns the flat sibling hash bytes.
func (p Proof) AuditPath() []byte { return p.auditPath }

// LeafIndex returns the index of the leaf this proof is for.
func (p Proof) LeafIndex() int { return p.leafIndex }

// TreeSize returns the number of leaves in the tree the proof was taken from.
func (p Proof) TreeSize() int { return p.treeSize }

// Len returns the number of sibling hashes in the proof.
func (p Proof) Len() int { return len(p.auditPath) / 32 }

// IsEmpty reports whether the proof carries no sibling hashes, which is
// only valid for a single-leaf tree.
func (p Proof) IsEmpty() bool { return len(p.auditPath) == 0 }

// ToInclusionProof converts a flat Proof into the position-annotated
// InclusionProof form, deriving each sibling's side from leafIndex and
// treeSize with the same RFC 6962 boundary walk
// ReconstructRootWithLeafHash uses.
func (p Proof) ToInclusionProof(leafHash, root []byte) *InclusionProof {
	nodeIdx := p.leafIndex
	lastNode := p.treeSize - 1

	path := make([]ProofNode, 0, p.Len())
	for i := 0; i < p.Len(); i++ {
		sibling := p.auditPath[i*32 : i*32+32]
		if nodeIdx%2 == 1 || nodeIdx == lastNode {
			path = append(path, ProofNode{Hash: hexString(sibling), Position: Left})
			for nodeIdx%2 == 0 && nodeIdx != 0 {
				nodeIdx >>= 1
				lastNode >>= 1
			}
		} else {
			path = append(path, ProofNode{Hash: hexString(sibling), Position: Right})
		}
		nodeIdx >>= 1
		lastNode >>= 1
	}

	return &InclusionProof{
		LeafHash:   hexString(leafHash),
		LeafIndex:  p.leafIndex,
		MerkleRoot: hexString(root),
		Path:       path,
		TreeSize:   p.treeSize,
	}
}

// ReconstructRootWithLeafHash replays the RFC 6962 Merkle audit path
// verification algorithm: walk the proof bottom-up, deriving each
// sibling's side from whether the current node index is odd or equals
// the last node index at that level (the "complete parent" rule for
// trees that are not a power of two), without ever materializing the
// tree.
func (p Proof) ReconstructRootWithLeafHash(leafHash [32]byte) [32]byte {
	node := p.leafIndex
	lastNode := p.treeSize - 1
	acc := leafHash

	for i := 0; i < p.Len(); i++ {
		sibling := p.auditPath[i*32 : i*32+32]
		if node%2 == 1 || node == lastNode {
			acc = combineArr(sibling, acc[:])
			for node%2 == 0 && node != 0 {
				node >>= 1
				lastNode >>= 1
			}
		} else {
			acc = combineArr(acc[:], sibling)
		}
		node >>= 1
		lastNode >>= 1
	}

	return acc
}

// ReconstructRootWithLeaf hashes leaf with LeafHash before reconstructing.
func (p Proof) ReconstructRootWithLeaf(leaf []byte) [32]byte {
	var h [32]byte
	copy(h[:], LeafHash(leaf))
	return p.ReconstructRootWithLeafHash(h)
}

// Verify reports whether the proof reconstructs rootHash for leaf.
func (p Proof) Verify(leaf []byte, rootHash [32]byte) bool {
	return p.ReconstructRootWithLeaf(leaf) == rootHash
}

func combineArr(left, right []byte) [32]byte {
	var out [32]byte
	copy(out[:], combine(left, right))
	return out
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}

// ProofFromTree extracts a flat Proof for leafIndex from a built tree,
// suitable for wire transmission via Proof.Unchecked.
func ProofFromTree(t *Tree, leafIndex int) (Proof, error) {
	ip, err := t.GenerateProof(leafIndex)
	if err != nil {
		return Proof{}, err
	}
	path := make([]byte, 0, len(ip.Path)*32)
	for _, node := range ip.Path {
		b, err := hex.DecodeString(node.Hash)
		if err != nil {
			return Proof{}, fmt.Errorf("decode proof sibling: %w", err)
		}
		path = append(path, b...)
	}
	return UncheckedProof{AuditPath: path, LeafIndex: leafIndex, TreeSize: t.LeafCount()}.Validate()
}
