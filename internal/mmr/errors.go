package mmr

import "errors"

var (
	// ErrInvalidNodeData indicates corrupted or truncated record data.
	ErrInvalidNodeData = errors.New("mmr: invalid node data")

	// ErrIndexOutOfRange indicates an attempt to access a node beyond the
	// tree's current size, or an out-of-sequence append.
	ErrIndexOutOfRange = errors.New("mmr: index out of range")

	// ErrEmptyMMR indicates an operation on an empty tree that requires
	// at least one committed leaf.
	ErrEmptyMMR = errors.New("mmr: empty mmr")

	// ErrCorruptedStore indicates the backing store's file length is not
	// a whole number of records.
	ErrCorruptedStore = errors.New("mmr: corrupted store")

	// ErrInvalidProof indicates a proof failed structural or bagging
	// verification.
	ErrInvalidProof = errors.New("mmr: invalid proof")

	// ErrHashMismatch indicates the leaf data presented to Verify doesn't
	// hash to the value the proof was generated for.
	ErrHashMismatch = errors.New("mmr: hash mismatch")
)
