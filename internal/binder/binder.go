// Package binder implements the time-anchor binder (C9): on each
// successful ledger commit it fuses a TimeProof for the entry's hash,
// appends the hash as a leaf into the tree, and produces inclusion
// proofs against the current tree head on demand.
package binder

import (
	"context"
	"fmt"
	"sync"

	"github.com/capturemesh/captureproof/internal/anchors"
	"github.com/capturemesh/captureproof/internal/fuser"
	"github.com/capturemesh/captureproof/internal/mmr"
)

// Binder couples the triple-anchor fuser to the inclusion-proof tree.
// It is the only writer of the tree and the only owner of the
// seq->leaf-index and seq->TimeProof maps.
type Binder struct {
	mu      sync.Mutex
	clients map[anchors.Source]anchors.Client
	tree    *mmr.MMR

	leafIndexBySeq map[uint64]uint64
	proofBySeq     map[uint64]*fuser.TimeProof
}

// New creates a Binder backed by tree and the given set of time-anchor
// clients.
func New(tree *mmr.MMR, clients map[anchors.Source]anchors.Client) *Binder {
	return &Binder{
		clients:        clients,
		tree:           tree,
		leafIndexBySeq: make(map[uint64]uint64),
		proofBySeq:     make(map[uint64]*fuser.TimeProof),
	}
}

// Bind fuses a TimeProof for dataHash, appends it as a leaf, and records
// both keyed by seq. Intended to be called once per successful ledger
// commit, with seq taken from the committed LedgerEntry.
func (b *Binder) Bind(ctx context.Context, seq uint64, dataHash [32]byte, nowNS uint64) (*fuser.TimeProof, error) {
	proof, err := fuser.Fuse(ctx, b.clients, dataHash, nowNS)
	if err != nil {
		return nil, fmt.Errorf("binder: fuse seq %d: %w", seq, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	leafIndex, err := b.tree.Append(dataHash[:])
	if err != nil {
		return nil, fmt.Errorf("binder: append leaf seq %d: %w", seq, err)
	}

	b.leafIndexBySeq[seq] = leafIndex
	b.proofBySeq[seq] = proof

	return proof, nil
}

// TimeProofFor returns the TimeProof bound to seq, if any.
func (b *Binder) TimeProofFor(seq uint64) (*fuser.TimeProof, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	proof, ok := b.proofBySeq[seq]
	return proof, ok
}

// InclusionProof produces a fresh witness from seq's entry to the
// current tree head. It is independently verifiable given only the
// tree-head mixer and the returned proof.
func (b *Binder) InclusionProof(seq uint64) (*mmr.InclusionProof, error) {
	b.mu.Lock()
	leafIndex, ok := b.leafIndexBySeq[seq]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("binder: no bound entry for seq %d", seq)
	}
	return b.tree.GenerateProof(leafIndex)
}

// SignedTreeHead returns the current bagged root of the tree, the value
// that gets signed by the device's long-term key before it is embedded
// in a provenance bundle.
func (b *Binder) SignedTreeHead() ([32]byte, error) {
	return b.tree.GetRoot()
}
