package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestPinEvaluatorMatchesPinnedDigest(t *testing.T) {
	cert := selfSignedCert(t, "pinned")
	digest, err := SPKIDigest(cert)
	require.NoError(t, err)

	ev := NewPinEvaluator(digest)
	ok, err := ev.Evaluate([]*x509.Certificate{cert})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPinEvaluatorRejectsUnpinnedChain(t *testing.T) {
	pinned := selfSignedCert(t, "pinned")
	other := selfSignedCert(t, "other")

	pinnedDigest, err := SPKIDigest(pinned)
	require.NoError(t, err)

	ev := NewPinEvaluator(pinnedDigest)
	_, err = ev.Evaluate([]*x509.Certificate{other})
	require.ErrorIs(t, err, ErrPinMismatch)
}

func TestPinEvaluatorRotation(t *testing.T) {
	oldCert := selfSignedCert(t, "old")
	newCert := selfSignedCert(t, "new")
	oldDigest, err := SPKIDigest(oldCert)
	require.NoError(t, err)
	newDigest, err := SPKIDigest(newCert)
	require.NoError(t, err)

	ev := NewPinEvaluator(oldDigest)
	ev.AddPin(newDigest)
	require.Len(t, ev.Pins(), 2)

	ok, err := ev.Evaluate([]*x509.Certificate{newCert})
	require.NoError(t, err)
	require.True(t, ok)

	ev.RemovePin(oldDigest)
	_, err = ev.Evaluate([]*x509.Certificate{oldCert})
	require.ErrorIs(t, err, ErrPinMismatch)
}
