//go:build linux

package attest

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// NV index for this module's boot-counter, in the user-defined NV
// space (0x01500000-0x01FFFFFF per the TPM 2.0 spec).
const (
	nvCounterIndex = 0x01500002
	nvCounterSize  = 8
)

var (
	errTPMNotOpen    = errors.New("attest: TPM not open")
	errTPMAlreadyOpen = errors.New("attest: TPM already open")
)

// HardwareProvider implements Provider against a real TPM 2.0 device,
// grounded on the teacher's internal/tpm HardwareProvider: same device
// discovery order, same NV-counter and Quote call shapes.
type HardwareProvider struct {
	mu         sync.Mutex
	devicePath string
	transport  transport.TPM
	isOpen     bool
	akHandle   tpm2.TPMHandle
	akPublic   *rsa.PublicKey
	counterOK  bool
}

func detectHardwareProvider() Provider {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()

		h := &HardwareProvider{devicePath: path}
		if err := h.open(); err != nil {
			continue
		}
		return h
	}
	return nil
}

func (h *HardwareProvider) Available() bool {
	if h.devicePath == "" {
		return false
	}
	_, err := os.Stat(h.devicePath)
	return err == nil
}

func (h *HardwareProvider) open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isOpen {
		return errTPMAlreadyOpen
	}

	tr, err := transport.OpenTPM(h.devicePath)
	if err != nil {
		return fmt.Errorf("attest: open %s: %w", h.devicePath, err)
	}
	h.transport = tr
	h.isOpen = true

	if err := h.initializeAK(); err != nil {
		h.transport.Close()
		h.isOpen = false
		return fmt.Errorf("attest: initialize attestation key: %w", err)
	}
	return nil
}

func (h *HardwareProvider) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isOpen {
		return nil
	}
	if h.akHandle != 0 {
		tpm2.FlushContext{FlushHandle: h.akHandle}.Execute(h.transport)
	}
	if h.transport != nil {
		h.transport.Close()
	}
	h.isOpen = false
	h.akHandle = 0
	return nil
}

func (h *HardwareProvider) DeviceID() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return nil, errTPMNotOpen
	}

	ekPub, err := h.createEK()
	if err != nil {
		return nil, fmt.Errorf("attest: get EK public: %w", err)
	}
	pubBytes, err := ekPub.Marshal()
	if err != nil {
		return nil, fmt.Errorf("attest: marshal EK public: %w", err)
	}
	hash := sha256.Sum256(pubBytes)
	return hash[:], nil
}

func (h *HardwareProvider) PublicKey() (crypto.PublicKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return nil, errTPMNotOpen
	}
	return h.akPublic, nil
}

func (h *HardwareProvider) IncrementCounter() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return 0, errTPMNotOpen
	}
	return h.incrementCounterLocked()
}

func (h *HardwareProvider) GetCounter() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return 0, errTPMNotOpen
	}
	if err := h.ensureCounter(); err != nil {
		return 0, err
	}
	return h.readCounterLocked()
}

func (h *HardwareProvider) GetClock() (*ClockInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return nil, errTPMNotOpen
	}
	return h.readClockLocked()
}

// Quote creates a TPM quote over data, binding it to the attestation
// key and the current PCR bank, per the teacher's QuoteWithPCRs shape.
func (h *HardwareProvider) Quote(data []byte) (*Attestation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return nil, errTPMNotOpen
	}

	qualifyingData := data
	if len(qualifyingData) > 64 {
		hash := sha256.Sum256(data)
		qualifyingData = hash[:]
	}

	pcrSel := tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: tpm2.PCClientCompatible.PCRs(0, 1, 2, 3, 7),
			},
		},
	}

	quoteCmd := tpm2.Quote{
		SignHandle: tpm2.AuthHandle{
			Handle: h.akHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		QualifyingData: tpm2.TPM2BData{Buffer: qualifyingData},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgRSASSA,
			Details: tpm2.NewTPMUSigScheme(
				tpm2.TPMAlgRSASSA,
				&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
		PCRSelect: pcrSel,
	}

	rsp, err := quoteCmd.Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("attest: Quote failed: %w", err)
	}

	clockInfo, err := h.readClockLocked()
	if err != nil {
		return nil, fmt.Errorf("attest: read clock: %w", err)
	}

	counter, err := h.incrementCounterLocked()
	if err != nil {
		counter = 0
	}

	quoted, err := rsp.Quoted.Contents()
	if err != nil {
		return nil, fmt.Errorf("attest: get quote contents: %w", err)
	}
	attestData, err := quoted.Marshal()
	if err != nil {
		return nil, fmt.Errorf("attest: marshal quote: %w", err)
	}
	sigData, err := rsp.Signature.Marshal()
	if err != nil {
		return nil, fmt.Errorf("attest: marshal signature: %w", err)
	}

	deviceID, _ := h.DeviceID()

	return &Attestation{
		DeviceID:         deviceID,
		MonotonicCounter: counter,
		ClockInfo:        *clockInfo,
		Data:             data,
		Signature:        sigData,
		Quote:            attestData,
		CreatedAt:        time.Now(),
	}, nil
}

func (h *HardwareProvider) initializeAK() error {
	createAKCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgRSA,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Restricted:          true,
				SignEncrypt:         true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgRSA,
				&tpm2.TPMSRSAParms{
					Scheme: tpm2.TPMTRSAScheme{
						Scheme: tpm2.TPMAlgRSASSA,
						Details: tpm2.NewTPMUAsymScheme(
							tpm2.TPMAlgRSASSA,
							&tpm2.TPMSSigSchemeRSASSA{HashAlg: tpm2.TPMAlgSHA256},
						),
					},
					KeyBits: 2048,
				},
			),
		}),
	}

	akRsp, err := createAKCmd.Execute(h.transport)
	if err != nil {
		return fmt.Errorf("create attestation key: %w", err)
	}
	h.akHandle = akRsp.ObjectHandle

	akPub, err := akRsp.OutPublic.Contents()
	if err != nil {
		return fmt.Errorf("read attestation key public contents: %w", err)
	}
	rsaParms, err := akPub.Parameters.RSADetail()
	if err != nil {
		return fmt.Errorf("read RSA parameters: %w", err)
	}
	rsaUnique, err := akPub.Unique.RSA()
	if err != nil {
		return fmt.Errorf("read RSA unique: %w", err)
	}

	n := new(big.Int).SetBytes(rsaUnique.Buffer)
	exponent := int(rsaParms.Exponent)
	if exponent == 0 {
		exponent = 65537
	}
	h.akPublic = &rsa.PublicKey{N: n, E: exponent}
	return nil
}

func (h *HardwareProvider) createEK() (*tpm2.TPM2BPublic, error) {
	createEKCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}
	rsp, err := createEKCmd.Execute(h.transport)
	if err != nil {
		return nil, err
	}
	defer tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}.Execute(h.transport)
	return &rsp.OutPublic, nil
}

func (h *HardwareProvider) ensureCounter() error {
	if h.counterOK {
		return nil
	}

	readPubCmd := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(nvCounterIndex)}
	if _, err := readPubCmd.Execute(h.transport); err == nil {
		h.counterOK = true
		return nil
	}

	defineCmd := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		Auth:       tpm2.TPM2BAuth{Buffer: nil},
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex:    tpm2.TPMHandle(nvCounterIndex),
			NameAlg:    tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{NT: tpm2.TPMNTCounter},
			DataSize:   nvCounterSize,
		}),
	}
	if _, err := defineCmd.Execute(h.transport); err != nil {
		return fmt.Errorf("NVDefineSpace: %w", err)
	}
	h.counterOK = true
	return nil
}

func (h *HardwareProvider) readCounterLocked() (uint64, error) {
	readCmd := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(nvCounterIndex),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(nvCounterIndex),
		Size:    nvCounterSize,
	}
	rsp, err := readCmd.Execute(h.transport)
	if err != nil {
		return 0, fmt.Errorf("NVRead: %w", err)
	}
	if len(rsp.Data.Buffer) < 8 {
		return 0, errors.New("attest: counter data too short")
	}
	return bigEndianUint64(rsp.Data.Buffer), nil
}

func (h *HardwareProvider) incrementCounterLocked() (uint64, error) {
	if err := h.ensureCounter(); err != nil {
		return 0, err
	}
	incCmd := tpm2.NVIncrement{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(nvCounterIndex),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(nvCounterIndex),
	}
	if _, err := incCmd.Execute(h.transport); err != nil {
		return 0, fmt.Errorf("NVIncrement: %w", err)
	}
	return h.readCounterLocked()
}

func (h *HardwareProvider) readClockLocked() (*ClockInfo, error) {
	rsp, err := (tpm2.ReadClock{}).Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("ReadClock: %w", err)
	}
	return &ClockInfo{
		Clock:        rsp.CurrentTime.ClockInfo.Clock,
		ResetCount:   rsp.CurrentTime.ClockInfo.ResetCount,
		RestartCount: rsp.CurrentTime.ClockInfo.RestartCount,
		Safe:         rsp.CurrentTime.ClockInfo.Safe == tpm2.TPMYes,
	}, nil
}

func bigEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

var _ Provider = (*HardwareProvider)(nil)
