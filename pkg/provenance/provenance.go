// Package provenance is the public facade over C1-C13: it wires the
// clock, signer, ledger/WAL, quality state machine, gate, drift
// tracker, time-anchor binder, bundle builder, embedding adapters,
// upload-resume manager and security guards into a single per-capture
// Pipeline, the way cmd/provctl and cmd/provverify are meant to consume
// them. Nothing in this package contains algorithm logic of its own;
// every operation is a thin, ordered call into the C1-C13 packages, so
// it stays the one place a caller needs to read to understand how a
// capture session's evidence flows from a frame to an exported bundle.
package provenance

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/capturemesh/captureproof/internal/anchors"
	"github.com/capturemesh/captureproof/internal/attest"
	"github.com/capturemesh/captureproof/internal/binder"
	"github.com/capturemesh/captureproof/internal/bundle"
	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/capturemesh/captureproof/internal/config"
	"github.com/capturemesh/captureproof/internal/drift"
	"github.com/capturemesh/captureproof/internal/embed"
	"github.com/capturemesh/captureproof/internal/fuser"
	"github.com/capturemesh/captureproof/internal/gate"
	"github.com/capturemesh/captureproof/internal/ledger"
	"github.com/capturemesh/captureproof/internal/logging"
	"github.com/capturemesh/captureproof/internal/mmr"
	"github.com/capturemesh/captureproof/internal/quality"
	"github.com/capturemesh/captureproof/internal/security"
	"github.com/capturemesh/captureproof/internal/signer"
	"github.com/capturemesh/captureproof/internal/store"
	"github.com/capturemesh/captureproof/internal/triplehash"
	"github.com/capturemesh/captureproof/internal/upload"
)

// Options lets a caller override the pieces that otherwise have no
// sensible zero-configuration default: which time-anchor clients to
// fuse against, which attestation provider backs the boot gate, and the
// clock source (tests inject clock.NewFake; production leaves this nil
// to get clock.NewSystem()).
type Options struct {
	AnchorClients  map[anchors.Source]anchors.Client
	AttestProvider attest.Provider
	Clock          clock.Source
	ExporterVersion string
}

// Pipeline is a single capture session's worth of wired-together state.
// It owns the ledger's WAL and SQLite tables, the MMR inclusion-proof
// tree, and the upload-resume store; nothing else in the process should
// open those files directly (spec.md §5's shared-resources rule).
type Pipeline struct {
	cfg      *config.Config
	tunables config.Tunables
	clk      clock.Source
	signer   signer.Signer

	sessionID [32]byte

	quality *quality.Machine
	gate    *gate.Gate
	drift   *drift.Tracker

	ledgerStore *store.Store
	ledger      *ledger.Ledger

	uploadStore *store.Store
	upload      *upload.Manager

	tree    *mmr.MMR
	treeDB  *mmr.FileStore
	binder  *binder.Binder
	builder *bundle.Builder

	boot    *attest.BootGate
	watcher *attest.FileIntegrityWatcher
	nonces  *security.NonceRegistry

	log   *logging.Logger
	audit *logging.AuditLogger

	tamperEvents chan attest.TamperEvent
	tamperWG     sync.WaitGroup
}

// CommitResult is returned by Commit: the newly appended ledger entry
// plus the TimeProof the binder fused for it.
type CommitResult struct {
	Entry     *ledger.LedgerEntry
	TimeProof *fuser.TimeProof
}

// Open wires a full Pipeline from a resolved Config. sessionID
// identifies this capture session in the ledger's WAL header and entry
// rows; the WAL HMAC key and the signed-request nonce registry key are
// both derived from the signer's public key, not from sessionID.
// Callers typically derive sessionID from a random UUID or
// device-session identifier hashed to 32 bytes.
func Open(cfg *config.Config, sessionID [32]byte, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("provenance: invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("provenance: ensure directories: %w", err)
	}

	tunables, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("provenance: resolve profile: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	sig, err := signer.LoadFileSigner(cfg.Paths.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("provenance: load signing key: %w", err)
	}

	log, err := logging.New(&logging.Config{
		Level:      cfg.ResolvedLogLevel(),
		Format:     logging.FormatJSON,
		Output:     "file",
		FilePath:   cfg.Paths.LogPath,
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "captureproof",
	})
	if err != nil {
		return nil, fmt.Errorf("provenance: open logger: %w", err)
	}

	auditCfg := logging.DefaultAuditConfig()
	auditCfg.FilePath = cfg.Paths.AuditLogPath
	audit, err := logging.NewAuditLogger(auditCfg)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("provenance: open audit logger: %w", err)
	}

	p := &Pipeline{
		cfg:       cfg,
		tunables:  tunables,
		clk:       clk,
		signer:    sig,
		sessionID: sessionID,
		quality:   quality.New(clk, tunables.Quality),
		gate:      gate.New(clk, tunables.Gate),
		drift:     drift.New(clk, 0.15),
		log:       log,
		audit:     audit,
		nonces:    security.NewNonceRegistry(clk, hmacKeyFromSigner(sig)),
	}

	if err := p.openLedger(); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.openUpload(); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.openTree(opts); err != nil {
		p.Close()
		return nil, err
	}

	if err := p.openBootGate(opts); err != nil {
		p.Close()
		return nil, err
	}

	watchDirs := append([]string{}, cfg.WatchDirs...)
	watchDirs = append(watchDirs,
		dirOf(cfg.Paths.SigningKeyPath),
		dirOf(cfg.Paths.WALPath),
		dirOf(cfg.Paths.LedgerDBPath),
	)
	watcher, err := attest.NewFileIntegrityWatcher(dedupe(watchDirs))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("provenance: open file-integrity watcher: %w", err)
	}
	p.watcher = watcher
	if err := p.watcher.Start(); err != nil {
		p.Close()
		return nil, fmt.Errorf("provenance: start file-integrity watcher: %w", err)
	}
	p.tamperEvents = make(chan attest.TamperEvent, 32)
	p.tamperWG.Add(1)
	go p.relayTamperEvents()

	exporterVersion := opts.ExporterVersion
	if exporterVersion == "" {
		exporterVersion = "captureproof/0"
	}
	builder, err := bundle.NewBuilder(p.binder, bundle.DefaultSchema, exporterVersion)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("provenance: compile bundle schema: %w", err)
	}
	p.builder = builder

	sessionIDHex := fmt.Sprintf("%x", sessionID[:8])
	p.log.Info("pipeline opened", "session_id", sessionIDHex)
	p.audit.LogSessionStart(context.Background(), sessionIDHex, map[string]interface{}{
		"exporter_version": exporterVersion,
	})

	return p, nil
}

// relayTamperEvents is the watcher's only internal consumer: it audits
// every unexpected write and forwards it on the buffered channel
// TamperEvents returns, so a caller can still react to detections
// synchronously (e.g. forcing an immediate boot-gate re-check) without
// also having to remember to audit-log them itself. It exits once Stop
// closes the watcher's own event channel.
func (p *Pipeline) relayTamperEvents() {
	defer p.tamperWG.Done()
	defer close(p.tamperEvents)

	for event := range p.watcher.Events() {
		p.log.Error("unexpected write to security-sensitive file",
			"path", event.Path, "size", event.Size)
		p.audit.LogTamperDetected(context.Background(), event.Path)
		p.tamperEvents <- event
	}
}

func (p *Pipeline) openLedger() error {
	st, err := store.Open(p.cfg.Paths.LedgerDBPath)
	if err != nil {
		return fmt.Errorf("provenance: open ledger store: %w", err)
	}
	p.ledgerStore = st

	hmacKey := hmacKeyFromSigner(p.signer)
	l, err := ledger.Open(p.cfg.Paths.WALPath, st.DB(), p.sessionID, hmacKey, p.clk)
	if err != nil {
		return fmt.Errorf("provenance: open ledger: %w", err)
	}
	p.ledger = l
	return nil
}

func (p *Pipeline) openUpload() error {
	st, err := store.Open(p.cfg.Paths.UploadStorePath)
	if err != nil {
		return fmt.Errorf("provenance: open upload store: %w", err)
	}
	p.uploadStore = st
	p.upload = upload.New(st, p.clk)
	return nil
}

func (p *Pipeline) openTree(opts Options) error {
	treePath := p.cfg.Paths.LedgerDBPath + ".mmr"
	fs, err := mmr.OpenFileStore(treePath)
	if err != nil {
		return fmt.Errorf("provenance: open inclusion-proof tree: %w", err)
	}
	p.treeDB = fs

	tree, err := mmr.New(fs)
	if err != nil {
		return fmt.Errorf("provenance: init inclusion-proof tree: %w", err)
	}
	p.tree = tree

	clients := opts.AnchorClients
	if clients == nil {
		clients = map[anchors.Source]anchors.Client{}
	}
	p.binder = binder.New(tree, clients)
	return nil
}

func (p *Pipeline) openBootGate(opts Options) error {
	provider := opts.AttestProvider
	if provider == nil {
		if detected := attest.DetectProvider(); detected != nil {
			provider = detected
		} else {
			provider = attest.NoOpProvider{}
		}
	}

	interval := time.Duration(p.cfg.VerificationIntervalSeconds) * time.Second
	p.boot = attest.New(attest.Config{
		Provider:             provider,
		VerificationInterval: interval,
		MinOSVersion:         p.cfg.MinOSVersion,
		RequireHardware:      p.cfg.RequireHardwareAttestation,
		OnFailure: func(res attest.Result) {
			p.audit.LogBootGateFailure(context.Background(), describeFailure(res))
		},
	})
	return nil
}

// Frame feeds one quality/confidence sample through the C5 state
// machine.
func (p *Pipeline) Frame(q, confidence float64, emergency bool) quality.Outcome {
	return p.quality.Frame(q, confidence, emergency)
}

// AdmitFrame runs the C6 frame gate for a candidate frame.
func (p *Pipeline) AdmitFrame(frameID string, q float64) gate.FrameOutcome {
	return p.gate.Frame(frameID, q)
}

// ConfirmPatch runs the C6 patch gate for a previously admitted frame.
func (p *Pipeline) ConfirmPatch(decisionID string, qPrime float64) gate.PatchOutcome {
	return p.gate.Patch(decisionID, qPrime)
}

// UpdateDrift feeds a fresh sensor/anchor value through the C7 drift
// tracker.
func (p *Pipeline) UpdateDrift(value float64, frameID string) *drift.Event {
	return p.drift.Update(value, frameID)
}

// IngestChunk performs the C2 triple-hash read over the chunk at
// [offset, offset+length) of the file at path.
func (p *Pipeline) IngestChunk(path string, offset, length int64) (triplehash.Result, error) {
	return triplehash.Read(path, offset, length)
}

// RunBootCheck performs an immediate, synchronous boot-gate check (C13)
// without starting the periodic loop.
func (p *Pipeline) RunBootCheck() attest.Result {
	return p.boot.Check()
}

// StartBootGate launches the periodic boot-gate loop for the life of
// ctx.
func (p *Pipeline) StartBootGate(ctx context.Context) {
	p.boot.Start(ctx)
}

// Commit signs dataHash, appends it to the C8 ledger, and binds a C3/C4
// fused TimeProof plus C9 inclusion-tree leaf for it. The ledger commit
// happens before fusion begins, matching spec.md's ordering: a
// successful WAL append is never rolled back by a slow or failed
// time-anchor round.
func (p *Pipeline) Commit(ctx context.Context, dataHash [32]byte) (*CommitResult, error) {
	sig, err := p.signer.Sign(dataHash[:])
	if err != nil {
		return nil, fmt.Errorf("provenance: sign commit: %w", err)
	}

	entry, err := p.ledger.Append(dataHash, sig)
	if err != nil {
		p.log.Error("ledger append failed", "error", err)
		p.audit.LogCheckpoint(ctx, fmt.Sprintf("seq-unknown-hash-%x", dataHash[:8]), false)
		return nil, fmt.Errorf("provenance: append ledger entry: %w", err)
	}

	proof, err := p.binder.Bind(ctx, entry.Seq, dataHash, p.clk.NowNS())
	if err != nil {
		p.log.Error("time-proof binding failed", "seq", entry.Seq, "error", err)
		p.audit.LogCheckpoint(ctx, fmt.Sprintf("seq-%d", entry.Seq), false)
		return nil, fmt.Errorf("provenance: bind time proof: %w", err)
	}

	p.audit.LogCheckpoint(ctx, fmt.Sprintf("seq-%d", entry.Seq), true)
	return &CommitResult{Entry: entry, TimeProof: proof}, nil
}

// ExportedBundle is the canonicalized bundle plus the container-ready
// file image produced by one of the Embed* helpers.
type ExportedBundle struct {
	Bundle    *bundle.Bundle
	Canonical []byte
	Hash      [32]byte
}

// Export assembles and canonicalizes the C10 provenance bundle for a
// committed ledger entry. Pass the result's Canonical bytes as the
// bundle string to an Embed* call to produce the final container file.
func (p *Pipeline) Export(ctx context.Context, seq uint64, format, formatVersion string, exportedAtUnix int64, attestation *bundle.DeviceAttestation, includeInclusionProof bool) (*ExportedBundle, error) {
	b, err := p.builder.Build(seq, format, formatVersion, exportedAtUnix, attestation, includeInclusionProof)
	if err != nil {
		p.log.Error("bundle build failed", "seq", seq, "format", format, "error", err)
		p.audit.LogExport(ctx, format, fmt.Sprintf("seq-%d", seq))
		return nil, fmt.Errorf("provenance: build bundle: %w", err)
	}

	canonical, hash, err := p.builder.Canonicalize(b)
	if err != nil {
		return nil, fmt.Errorf("provenance: canonicalize bundle: %w", err)
	}

	p.audit.LogExport(ctx, format, fmt.Sprintf("seq-%d-%x", seq, hash[:4]))
	return &ExportedBundle{Bundle: b, Canonical: canonical, Hash: hash}, nil
}

// EmbedGLTF splices an exported bundle into a glTF/GLB container.
func (p *Pipeline) EmbedGLTF(payload []byte, exported *ExportedBundle, opts embed.Options) ([]byte, error) {
	return embed.GLTF(payload, string(exported.Canonical), opts)
}

// EmbedUSD splices an exported bundle into a USD container.
func (p *Pipeline) EmbedUSD(payload []byte, exported *ExportedBundle, opts embed.Options) ([]byte, error) {
	return embed.USD(payload, string(exported.Canonical), opts)
}

// EmbedTiles3D splices an exported bundle into a 3D Tiles tileset.
func (p *Pipeline) EmbedTiles3D(payload []byte, exported *ExportedBundle, opts embed.Options) ([]byte, error) {
	return embed.Tiles3D(payload, string(exported.Canonical), opts)
}

// EmbedE57 splices an exported bundle into an E57 container.
func (p *Pipeline) EmbedE57(payload []byte, exported *ExportedBundle, opts embed.Options) ([]byte, error) {
	return embed.E57(payload, string(exported.Canonical), opts)
}

// SaveUploadSession persists a C12 upload-resume snapshot.
func (p *Pipeline) SaveUploadSession(snap upload.Snapshot) error {
	return p.upload.Save(snap)
}

// LoadUploadSession reads back the most recently persisted snapshot.
func (p *Pipeline) LoadUploadSession(sessionID string) (*upload.Snapshot, error) {
	return p.upload.Load(sessionID)
}

// ResumeUploadSession loads a snapshot and records the outcome in the
// audit trail, matching spec.md's C12 resume flow.
func (p *Pipeline) ResumeUploadSession(ctx context.Context, sessionID string) (*upload.Snapshot, error) {
	snap, err := p.upload.Load(sessionID)
	p.audit.LogUploadResume(ctx, sessionID, err == nil)
	return snap, err
}

// CleanupExpiredUploads deletes every upload-resume snapshot older than
// the profile-resolved TTL.
func (p *Pipeline) CleanupExpiredUploads() error {
	return p.upload.CleanupExpired(p.tunables.UploadSessionMaxAgeNS)
}

// VerifySignedRequest checks a C13 signed-request envelope: timestamp
// skew, nonce reuse, and HMAC signature.
func (p *Pipeline) VerifySignedRequest(req security.SignedRequest, signature string) error {
	return p.nonces.Verify(req, signature)
}

// TamperEvents returns the channel every file-integrity detection is
// forwarded to after it has already been written to the audit trail,
// so a caller can additionally route detections into its own handling
// (e.g. forcing an immediate boot-gate re-check).
func (p *Pipeline) TamperEvents() <-chan attest.TamperEvent {
	return p.tamperEvents
}

// AcknowledgeWrite marks an upcoming write to path as the pipeline's
// own, so the file-integrity watcher does not misreport it as tamper.
func (p *Pipeline) AcknowledgeWrite(path string) {
	p.watcher.Acknowledge(path)
}

// SignedTreeHead returns the current bagged root of the inclusion-proof
// tree.
func (p *Pipeline) SignedTreeHead() ([32]byte, error) {
	return p.binder.SignedTreeHead()
}

// InclusionProof produces a fresh witness for seq against the current
// tree head.
func (p *Pipeline) InclusionProof(seq uint64) (*mmr.InclusionProof, error) {
	return p.binder.InclusionProof(seq)
}

// PublicKey returns the session signer's verification key.
func (p *Pipeline) PublicKey() ed25519.PublicKey {
	return p.signer.Public()
}

// LogFiles lists the session's structured log file plus every rotated
// generation still on disk.
func (p *Pipeline) LogFiles() ([]string, error) {
	return p.log.LogFiles()
}

// Close releases every resource Open acquired. It tolerates partially
// initialized Pipelines so Open can call it on its own error paths.
func (p *Pipeline) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if p.boot != nil {
		p.boot.Stop()
	}
	if p.watcher != nil {
		note(p.watcher.Stop())
		p.tamperWG.Wait()
	}
	if p.upload != nil {
		p.upload.Close()
	}
	if p.ledger != nil {
		note(p.ledger.Close())
	}
	if p.treeDB != nil {
		note(p.treeDB.Close())
	}
	if p.ledgerStore != nil {
		note(p.ledgerStore.Close())
	}
	if p.uploadStore != nil {
		note(p.uploadStore.Close())
	}
	if p.audit != nil {
		note(p.audit.LogSessionEnd(context.Background(), map[string]interface{}{
			"error": errString(firstErr),
		}))
		note(p.audit.Close())
	}
	if p.log != nil {
		p.log.Info("pipeline closed", "error", errString(firstErr))
		note(p.log.Close())
	}
	return firstErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func hmacKeyFromSigner(s signer.Signer) []byte {
	pub := s.Public()
	return []byte(pub)
}

func dirOf(path string) string {
	i := lastSlash(path)
	if i < 0 {
		return "."
	}
	return path[:i]
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func describeFailure(res attest.Result) string {
	for _, c := range res.Checks {
		if !c.Passed {
			return fmt.Sprintf("%s: %s", c.Name, c.Detail)
		}
	}
	return "boot gate failed"
}
