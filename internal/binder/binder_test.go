package binder

import (
	"context"
	"testing"

	"github.com/capturemesh/captureproof/internal/anchors"
	"github.com/capturemesh/captureproof/internal/mmr"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	evidence anchors.TimeEvidence
}

func (s stubClient) Request(ctx context.Context, hash [32]byte) (anchors.TimeEvidence, error) {
	return s.evidence, nil
}

func unc(n uint64) *uint64 { return &n }

func testClients() map[anchors.Source]anchors.Client {
	return map[anchors.Source]anchors.Client{
		anchors.SourceTSA:       stubClient{evidence: anchors.TimeEvidence{Source: anchors.SourceTSA, TimeNS: 1000, Status: anchors.StatusVerified}},
		anchors.SourceRoughtime: stubClient{evidence: anchors.TimeEvidence{Source: anchors.SourceRoughtime, TimeNS: 1005, UncertaintyNS: unc(50), Status: anchors.StatusVerified}},
		anchors.SourceCalendar:  stubClient{evidence: anchors.TimeEvidence{Source: anchors.SourceCalendar, TimeNS: 990, UncertaintyNS: unc(100), Status: anchors.StatusVerified}},
	}
}

func TestBindProducesTimeProofAndInclusionProof(t *testing.T) {
	tree, err := mmr.New(mmr.NewMemoryStore())
	require.NoError(t, err)

	b := New(tree, testClients())

	proof, err := b.Bind(context.Background(), 0, [32]byte{0xAA}, 42)
	require.NoError(t, err)
	require.Len(t, proof.Included, 3)

	got, ok := b.TimeProofFor(0)
	require.True(t, ok)
	require.Equal(t, proof, got)

	incl, err := b.InclusionProof(0)
	require.NoError(t, err)
	dataHash := [32]byte{0xAA}
	require.NoError(t, incl.Verify(dataHash[:]))
}

func TestInclusionProofUnknownSeqErrors(t *testing.T) {
	tree, err := mmr.New(mmr.NewMemoryStore())
	require.NoError(t, err)
	b := New(tree, testClients())

	_, err = b.InclusionProof(99)
	require.Error(t, err)
}

func TestMultipleBindsAdvanceTreeHead(t *testing.T) {
	tree, err := mmr.New(mmr.NewMemoryStore())
	require.NoError(t, err)
	b := New(tree, testClients())

	_, err = b.Bind(context.Background(), 0, [32]byte{1}, 1)
	require.NoError(t, err)
	head1, err := b.SignedTreeHead()
	require.NoError(t, err)

	_, err = b.Bind(context.Background(), 1, [32]byte{2}, 2)
	require.NoError(t, err)
	head2, err := b.SignedTreeHead()
	require.NoError(t, err)

	require.NotEqual(t, head1, head2)
}
