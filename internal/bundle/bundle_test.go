package bundle

import (
	"context"
	"testing"

	"github.com/capturemesh/captureproof/internal/anchors"
	"github.com/capturemesh/captureproof/internal/binder"
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

func newTestBuilder(t *testing.T) (*Builder, *binder.Binder) {
	t.Helper()
	tree, err := mmr.New(mmr.NewMemoryStore())
	require.NoError(t, err)
	bi := binder.New(tree, testClients())

	bu, err := NewBuilder(bi, DefaultSchema, "captureproof-test/0.1")
	require.NoError(t, err)
	return bu, bi
}

func TestBuildAndCanonicalizeRoundTrip(t *testing.T) {
	bu, bi := newTestBuilder(t)

	_, err := bi.Bind(context.Background(), 0, [32]byte{0xAA}, 42)
	require.NoError(t, err)

	b, err := bu.Build(0, "capturemesh-bundle", "1", 1700000000, nil, true)
	require.NoError(t, err)
	require.NotNil(t, b.SignedTreeHead)
	require.NotNil(t, b.TimeProof)
	require.NotNil(t, b.InclusionProof)
	require.Nil(t, b.DeviceAttestation)

	bytes1, hash1, err := bu.Canonicalize(b)
	require.NoError(t, err)
	require.NotEmpty(t, bytes1)

	bytes2, hash2, err := bu.Canonicalize(b)
	require.NoError(t, err)
	require.Equal(t, bytes1, bytes2)
	require.Equal(t, hash1, hash2)
}

func TestOptionalFieldsOmittedNotNull(t *testing.T) {
	bu, _ := newTestBuilder(t)

	b, err := bu.Build(0, "capturemesh-bundle", "1", 1700000000, nil, false)
	require.NoError(t, err)
	require.Nil(t, b.TimeProof)
	require.Nil(t, b.InclusionProof)
	require.Nil(t, b.DeviceAttestation)

	canonicalBytes, _, err := bu.Canonicalize(b)
	require.NoError(t, err)

	s := string(canonicalBytes)
	require.NotContains(t, s, "time_proof")
	require.NotContains(t, s, "inclusion_proof")
	require.NotContains(t, s, "device_attestation")
	require.Contains(t, s, "manifest")
}

func TestDeviceAttestationIncluded(t *testing.T) {
	bu, _ := newTestBuilder(t)

	att := &DeviceAttestation{ProviderID: "tpm-software", Evidence: []byte{0x01, 0x02, 0x03}}
	b, err := bu.Build(0, "capturemesh-bundle", "1", 1700000000, att, false)
	require.NoError(t, err)
	require.NotNil(t, b.DeviceAttestation)

	canonicalBytes, _, err := bu.Canonicalize(b)
	require.NoError(t, err)
	require.Contains(t, string(canonicalBytes), "device_attestation")
	require.Contains(t, string(canonicalBytes), "tpm-software")
}

func TestBuildInclusionProofErrorsForUnknownSeq(t *testing.T) {
	bu, _ := newTestBuilder(t)

	_, err := bu.Build(99, "capturemesh-bundle", "1", 1700000000, nil, true)
	require.Error(t, err)
}

func TestManifestAlwaysPresentEvenWhenNothingBound(t *testing.T) {
	bu, _ := newTestBuilder(t)

	b, err := bu.Build(0, "capturemesh-bundle", "1", 1700000000, nil, false)
	require.NoError(t, err)
	require.Equal(t, "capturemesh-bundle", b.Manifest.Format)
	require.Equal(t, "captureproof-test/0.1", b.Manifest.ExporterVersion)
}
