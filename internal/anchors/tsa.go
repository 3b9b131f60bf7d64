package anchors

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// RFC 3161 object identifiers. The request/response codec is self
// contained: no general-purpose ASN.1/PKCS library is assumed, so these
// structures are marshalled directly with encoding/asn1, the one ASN.1
// facility present anywhere in this module's dependency graph.
var (
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidTSTInfo       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
)

const (
	pkiStatusGranted         = 0
	pkiStatusGrantedWithMods = 1
)

// TSAError is the typed failure taxonomy for the timestamp-authority
// client.
type TSAError struct {
	Kind    string
	Status  int
	Message string
	Reason  string
}

func (e *TSAError) Error() string {
	switch e.Kind {
	case "http_error":
		return fmt.Sprintf("anchors/tsa: http error: status %d", e.Status)
	case "server_rejected":
		return fmt.Sprintf("anchors/tsa: server rejected: status %d: %s", e.Status, e.Message)
	case "invalid_response":
		return fmt.Sprintf("anchors/tsa: invalid response: %s", e.Reason)
	case "verification_failed":
		return fmt.Sprintf("anchors/tsa: verification failed: %s", e.Reason)
	case "encoding_error":
		return fmt.Sprintf("anchors/tsa: encoding error: %s", e.Reason)
	case "timeout":
		return "anchors/tsa: timeout"
	default:
		return "anchors/tsa: " + e.Kind
	}
}

// TSAClient implements the RFC 3161 Time-Stamp Protocol client of
// spec §4.3.
type TSAClient struct {
	Endpoint string
	HTTP     *http.Client
	Timeout  time.Duration
}

// NewTSAClient returns a client pointed at endpoint with sane defaults.
func NewTSAClient(endpoint string) *TSAClient {
	return &TSAClient{
		Endpoint: endpoint,
		HTTP:     &http.Client{},
		Timeout:  30 * time.Second,
	}
}

// Request implements Client.
func (c *TSAClient) Request(ctx context.Context, hash [32]byte) (TimeEvidence, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	nonce, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return TimeEvidence{}, &TSAError{Kind: "encoding_error", Reason: err.Error()}
	}

	reqBytes, err := buildTSRequest(hash[:], nonce)
	if err != nil {
		return TimeEvidence{}, &TSAError{Kind: "encoding_error", Reason: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return TimeEvidence{}, &TSAError{Kind: "encoding_error", Reason: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TimeEvidence{}, &TSAError{Kind: "timeout"}
		}
		return TimeEvidence{}, &TSAError{Kind: "http_error", Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TimeEvidence{}, &TSAError{Kind: "http_error", Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return TimeEvidence{}, &TSAError{Kind: "invalid_response", Reason: err.Error()}
	}

	token, err := parseTSResponse(body)
	if err != nil {
		return TimeEvidence{}, &TSAError{Kind: "invalid_response", Reason: err.Error()}
	}

	if token.status != pkiStatusGranted && token.status != pkiStatusGrantedWithMods {
		return TimeEvidence{}, &TSAError{Kind: "server_rejected", Status: token.status, Message: token.statusString}
	}

	if token.nonce == nil || nonce.Cmp(token.nonce) != 0 {
		return TimeEvidence{}, &TSAError{Kind: "verification_failed", Reason: "nonce mismatch"}
	}
	if !bytes.Equal(hash[:], token.messageHash) {
		return TimeEvidence{}, &TSAError{Kind: "verification_failed", Reason: "message imprint mismatch"}
	}

	return TimeEvidence{
		Source:   SourceTSA,
		TimeNS:   uint64(token.genTime.UnixNano()),
		Status:   StatusVerified,
		RawProof: body,
	}, nil
}

// tsToken is the subset of a parsed RFC 3161 response this client needs.
type tsToken struct {
	status      int
	statusString string
	genTime     time.Time
	nonce       *big.Int
	messageHash []byte
	certificates []*x509.Certificate
}

type tsRequest struct {
	Version        int
	MessageImprint messageImprint
	Nonce          *big.Int `asn1:"optional"`
	CertReq        bool     `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type tsResponseWire struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	EncapContentInfo encapContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type encapContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

type signerInfo struct {
	Version            int
	SignerIdentifier   asn1.RawValue
	DigestAlgorithm    algorithmIdentifier
	SignedAttrs        []asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm algorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []asn1.RawValue `asn1:"optional,tag:1"`
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       accuracy        `asn1:"optional"`
	Ordering       bool            `asn1:"optional"`
	Nonce          *big.Int        `asn1:"optional"`
	TSA            asn1.RawValue   `asn1:"optional,tag:0"`
	Extensions     []asn1.RawValue `asn1:"optional,tag:1"`
}

type accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
	Micros  int `asn1:"optional,tag:1"`
}

func buildTSRequest(hash []byte, nonce *big.Int) ([]byte, error) {
	req := tsRequest{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{Algorithm: oidSHA256},
			HashedMessage: hash,
		},
		Nonce:   nonce,
		CertReq: true,
	}
	return asn1.Marshal(req)
}

func parseTSResponse(data []byte) (*tsToken, error) {
	var resp tsResponseWire
	if _, err := asn1.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	token := &tsToken{status: resp.Status.Status}
	if len(resp.Status.StatusString) > 0 {
		token.statusString = resp.Status.StatusString[0]
	}
	if token.status != pkiStatusGranted && token.status != pkiStatusGrantedWithMods {
		return token, nil
	}
	if len(resp.TimeStampToken.Bytes) == 0 {
		return token, nil
	}

	var ci contentInfo
	if _, err := asn1.Unmarshal(resp.TimeStampToken.Bytes, &ci); err != nil || !ci.ContentType.Equal(oidSignedData) {
		return token, nil
	}

	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return token, nil
	}

	if sd.EncapContentInfo.ContentType.Equal(oidTSTInfo) && len(sd.EncapContentInfo.Content.Bytes) > 0 {
		var tstBytes []byte
		raw := sd.EncapContentInfo.Content.Bytes
		if _, err := asn1.Unmarshal(raw, &tstBytes); err != nil {
			tstBytes = raw
		}
		var tst tstInfo
		if _, err := asn1.Unmarshal(tstBytes, &tst); err == nil {
			token.genTime = tst.GenTime
			token.nonce = tst.Nonce
			token.messageHash = tst.MessageImprint.HashedMessage
		}
	}

	return token, nil
}

// sha256Sum is a small helper kept local to avoid importing crypto/sha256
// into callers that only need the 32-byte zero-value check.
func sha256Sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}
