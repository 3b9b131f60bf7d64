package anchors

import (
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// buildGrantedResponse constructs a minimal well-formed TSA response for
// the given request hash and nonce, granted with no certificate chain.
func buildGrantedResponse(t *testing.T, hash []byte, nonce *big.Int, genTime time.Time) []byte {
	t.Helper()

	tst := tstInfo{
		Version: 1,
		Policy:  oidSHA256,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{Algorithm: oidSHA256},
			HashedMessage: hash,
		},
		GenTime: genTime,
		Nonce:   nonce,
	}
	tstBytes, err := asn1.Marshal(tst)
	require.NoError(t, err)

	sd := signedData{
		Version: 3,
		EncapContentInfo: encapContentInfo{
			ContentType: oidTSTInfo,
			Content:     asn1.RawValue{FullBytes: mustMarshalOctetString(t, tstBytes)},
		},
	}
	sdBytes, err := asn1.Marshal(sd)
	require.NoError(t, err)

	ci := contentInfo{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{FullBytes: mustWrapExplicit(t, sdBytes)},
	}
	ciBytes, err := asn1.Marshal(ci)
	require.NoError(t, err)

	resp := tsResponseWire{
		Status:         pkiStatusInfo{Status: pkiStatusGranted},
		TimeStampToken: asn1.RawValue{FullBytes: ciBytes},
	}
	respBytes, err := asn1.Marshal(resp)
	require.NoError(t, err)
	return respBytes
}

func mustMarshalOctetString(t *testing.T, data []byte) []byte {
	t.Helper()
	b, err := asn1.Marshal(data)
	require.NoError(t, err)
	return b
}

func mustWrapExplicit(t *testing.T, inner []byte) []byte {
	t.Helper()
	raw := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner}
	b, err := asn1.Marshal(raw)
	require.NoError(t, err)
	return b
}

func TestTSAClientRequestRoundTrip(t *testing.T) {
	hash := sha256.Sum256([]byte("artifact"))
	genTime := time.Now().UTC().Truncate(time.Second)

	var capturedNonce *big.Int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tsRequest
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, err = asn1.Unmarshal(body, &req)
		require.NoError(t, err)
		capturedNonce = req.Nonce

		resp := buildGrantedResponse(t, hash[:], req.Nonce, genTime)
		w.Header().Set("Content-Type", "application/timestamp-reply")
		_, _ = w.Write(resp)
	}))
	defer server.Close()

	client := NewTSAClient(server.URL)
	evidence, err := client.Request(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, SourceTSA, evidence.Source)
	require.Equal(t, StatusVerified, evidence.Status)
	require.NotNil(t, capturedNonce)
}

func TestTSAClientRejectsMismatchedHash(t *testing.T) {
	hash := sha256.Sum256([]byte("artifact"))
	otherHash := sha256.Sum256([]byte("different"))
	genTime := time.Now().UTC()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tsRequest
		body, _ := io.ReadAll(r.Body)
		_, _ = asn1.Unmarshal(body, &req)

		resp := buildGrantedResponse(t, otherHash[:], req.Nonce, genTime)
		_, _ = w.Write(resp)
	}))
	defer server.Close()

	client := NewTSAClient(server.URL)
	_, err := client.Request(context.Background(), hash)
	require.Error(t, err)
}
