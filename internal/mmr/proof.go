package mmr

import (
	"encoding/binary"
	"fmt"
)

const proofFormatVersion = 1
const proofTypeInclusion byte = 0x01

// InclusionProof is everything needed to verify that a specific leaf is
// committed by a specific root, without holding the rest of the tree:
// the sibling path up to the leaf's mountain peak, every current peak
// (so the verifier can re-derive the bagged root), and which of those
// peaks the path leads to.
type InclusionProof struct {
	LeafIndex    uint64
	LeafHash     [hashSize]byte
	MerklePath   []ProofElement
	Peaks        [][hashSize]byte
	PeakPosition int
	MMRSize      uint64
	Root         [hashSize]byte
}

// ProofElement is one sibling hash on the path from a leaf to its peak.
type ProofElement struct {
	Hash   [hashSize]byte
	IsLeft bool // true if the sibling sits to the left of the accumulated hash
}

// Verify recomputes leafData's hash, walks it up the Merkle path, and
// checks the result against the claimed peak and bagged root.
func (p *InclusionProof) Verify(leafData []byte) error {
	if hashLeaf(leafData) != p.LeafHash {
		return ErrHashMismatch
	}

	current := p.LeafHash
	for _, step := range p.MerklePath {
		if step.IsLeft {
			current = hashInternal(step.Hash, current)
		} else {
			current = hashInternal(current, step.Hash)
		}
	}

	if p.PeakPosition < 0 || p.PeakPosition >= len(p.Peaks) {
		return ErrInvalidProof
	}
	if current != p.Peaks[p.PeakPosition] {
		return ErrInvalidProof
	}

	if bagPeaks(p.Peaks) != p.Root {
		return ErrInvalidProof
	}
	return nil
}

// bagPeaks folds a peak list right to left into the single root value a
// signed tree head commits to.
func bagPeaks(peaks [][hashSize]byte) [hashSize]byte {
	root := peaks[len(peaks)-1]
	for i := len(peaks) - 2; i >= 0; i-- {
		root = hashInternal(peaks[i], root)
	}
	return root
}

// Serialize packs an InclusionProof into a compact, versioned binary
// form suitable for embedding in a provenance bundle:
//
//	[1B version][1B type][8B LeafIndex][32B LeafHash]
//	[2B pathLen][pathLen * 33B (32B hash + 1B isLeft)]
//	[2B peaksLen][peaksLen * 32B][2B PeakPosition][8B MMRSize][32B Root]
func (p *InclusionProof) Serialize() []byte {
	pathSize := len(p.MerklePath) * 33
	peaksSize := len(p.Peaks) * hashSize
	buf := make([]byte, 1+1+8+hashSize+2+pathSize+2+peaksSize+2+8+hashSize)

	offset := 0
	buf[offset] = proofFormatVersion
	offset++
	buf[offset] = proofTypeInclusion
	offset++

	binary.BigEndian.PutUint64(buf[offset:], p.LeafIndex)
	offset += 8
	copy(buf[offset:], p.LeafHash[:])
	offset += hashSize

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(p.MerklePath)))
	offset += 2
	for _, step := range p.MerklePath {
		copy(buf[offset:], step.Hash[:])
		offset += hashSize
		if step.IsLeft {
			buf[offset] = 1
		}
		offset++
	}

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(p.Peaks)))
	offset += 2
	for _, peak := range p.Peaks {
		copy(buf[offset:], peak[:])
		offset += hashSize
	}

	binary.BigEndian.PutUint16(buf[offset:], uint16(p.PeakPosition))
	offset += 2
	binary.BigEndian.PutUint64(buf[offset:], p.MMRSize)
	offset += 8
	copy(buf[offset:], p.Root[:])

	return buf
}

// DeserializeInclusionProof reverses Serialize, validating every length
// field against the remaining buffer before trusting it.
func DeserializeInclusionProof(data []byte) (*InclusionProof, error) {
	const minSize = 1 + 1 + 8 + hashSize + 2 + 2 + 2 + 8 + hashSize
	if len(data) < minSize {
		return nil, ErrInvalidNodeData
	}

	offset := 0
	version := data[offset]
	offset++
	if version != proofFormatVersion {
		return nil, fmt.Errorf("mmr: unsupported proof version: %d", version)
	}
	proofType := data[offset]
	offset++
	if proofType != proofTypeInclusion {
		return nil, fmt.Errorf("mmr: expected inclusion proof, got type %d", proofType)
	}

	p := &InclusionProof{}
	p.LeafIndex = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	copy(p.LeafHash[:], data[offset:offset+hashSize])
	offset += hashSize

	if offset+2 > len(data) {
		return nil, ErrInvalidNodeData
	}
	pathLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+pathLen*33 > len(data) {
		return nil, ErrInvalidNodeData
	}
	p.MerklePath = make([]ProofElement, pathLen)
	for i := 0; i < pathLen; i++ {
		copy(p.MerklePath[i].Hash[:], data[offset:offset+hashSize])
		offset += hashSize
		p.MerklePath[i].IsLeft = data[offset] == 1
		offset++
	}

	if offset+2 > len(data) {
		return nil, ErrInvalidNodeData
	}
	peaksLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if offset+peaksLen*hashSize > len(data) {
		return nil, ErrInvalidNodeData
	}
	p.Peaks = make([][hashSize]byte, peaksLen)
	for i := 0; i < peaksLen; i++ {
		copy(p.Peaks[i][:], data[offset:offset+hashSize])
		offset += hashSize
	}

	if offset+2 > len(data) {
		return nil, ErrInvalidNodeData
	}
	p.PeakPosition = int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if peaksLen == 0 {
		return nil, fmt.Errorf("mmr: invalid proof: no peaks")
	}
	if p.PeakPosition < 0 || p.PeakPosition >= peaksLen {
		return nil, fmt.Errorf("mmr: invalid proof: peak position %d out of range (0-%d)", p.PeakPosition, peaksLen-1)
	}

	if offset+8 > len(data) {
		return nil, ErrInvalidNodeData
	}
	p.MMRSize = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	if offset+hashSize > len(data) {
		return nil, ErrInvalidNodeData
	}
	copy(p.Root[:], data[offset:offset+hashSize])

	return p, nil
}
