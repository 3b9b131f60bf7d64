// Package upload implements the upload resume manager (C12): persistent
// chunk-state snapshots for resumable uploads and crash recovery of
// in-flight sessions. Every operation, reads included, is serialized
// through a single goroutine draining a buffered request channel,
// mirroring the teacher's internal/wal/heartbeat.go single-goroutine
// ticker-plus-channel shape generalized from a timer source to a
// request queue: reads answer from the goroutine's own in-memory state
// (always the most recently persisted value), writes are durable before
// their caller's request returns, and no two operations ever touch the
// SQLite connection concurrently.
package upload

import (
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/capturemesh/captureproof/internal/canon"
	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/capturemesh/captureproof/internal/store"
)

// ChunkStatus is the per-chunk upload state within a session.
type ChunkStatus string

const (
	ChunkPending  ChunkStatus = "pending"
	ChunkUploaded ChunkStatus = "uploaded"
	ChunkFailed   ChunkStatus = "failed"
)

// SessionState is the overall upload-session state.
type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateUploading    SessionState = "uploading"
	StatePaused       SessionState = "paused"
	StateCompleted    SessionState = "completed"
	StateFailed       SessionState = "failed"
)

// Chunk describes one chunk's range and status within a session.
type Chunk struct {
	Index     int
	ByteStart int64
	ByteEnd   int64
	Status    ChunkStatus
	Hash      [32]byte
}

// Snapshot is the persistent UploadSessionSnapshot: everything needed to
// resume an interrupted upload after a crash.
type Snapshot struct {
	SessionID     string
	FileName      string
	FileSize      int64
	Chunks        []Chunk
	UploadedBytes int64
	CreatedAtNS   uint64
	State         SessionState
}

const defaultMaxAgeNS = uint64(6 * 3600 * 1e9) // multi-hour default, profile-driven

type opKind int

const (
	opSave opKind = iota
	opLoad
	opDelete
	opListAll
	opCleanup
)

type request struct {
	op       opKind
	snapshot Snapshot
	sessionID string
	maxAgeNS uint64
	resp     chan response
}

type response struct {
	snapshot *Snapshot
	ids      []string
	err      error
}

// Manager is the upload resume manager. Construct with New and Close it
// when the owning session ends; Close drains and stops the single
// writer goroutine.
type Manager struct {
	db    *sql.DB
	clk   clock.Source
	reqs  chan request
	done  chan struct{}
	cache map[string]*Snapshot
}

// New creates a Manager backed by st's upload_sessions table. clk
// supplies created_at/updated_at/expires_at timestamps.
func New(st *store.Store, clk clock.Source) *Manager {
	m := &Manager{
		db:    st.DB(),
		clk:   clk,
		reqs:  make(chan request, 64),
		done:  make(chan struct{}),
		cache: make(map[string]*Snapshot),
	}
	go m.run()
	return m
}

// Close stops accepting new requests and waits for the writer goroutine
// to drain any already-queued ones.
func (m *Manager) Close() {
	close(m.reqs)
	<-m.done
}

func (m *Manager) call(req request) response {
	req.resp = make(chan response, 1)
	m.reqs <- req
	return <-req.resp
}

// Save persists snapshot, keyed by prefix-style session_id, with
// max_age defaulted from defaultMaxAgeNS for expiry purposes. The write
// is durable (fsynced by SQLite's WAL journal mode) before Save returns.
func (m *Manager) Save(snapshot Snapshot) error {
	resp := m.call(request{op: opSave, snapshot: snapshot})
	return resp.err
}

// Load returns the most recently persisted snapshot for sessionID.
func (m *Manager) Load(sessionID string) (*Snapshot, error) {
	resp := m.call(request{op: opLoad, sessionID: sessionID})
	return resp.snapshot, resp.err
}

// Delete removes the snapshot for sessionID, if any.
func (m *Manager) Delete(sessionID string) error {
	resp := m.call(request{op: opDelete, sessionID: sessionID})
	return resp.err
}

// ListAll returns every known session ID.
func (m *Manager) ListAll() ([]string, error) {
	resp := m.call(request{op: opListAll})
	return resp.ids, resp.err
}

// CleanupExpired deletes every snapshot whose age (now - created_at)
// exceeds maxAgeNS.
func (m *Manager) CleanupExpired(maxAgeNS uint64) error {
	resp := m.call(request{op: opCleanup, maxAgeNS: maxAgeNS})
	return resp.err
}

func (m *Manager) run() {
	defer close(m.done)
	for req := range m.reqs {
		switch req.op {
		case opSave:
			req.resp <- response{err: m.applySave(req.snapshot)}
		case opLoad:
			snap, err := m.applyLoad(req.sessionID)
			req.resp <- response{snapshot: snap, err: err}
		case opDelete:
			req.resp <- response{err: m.applyDelete(req.sessionID)}
		case opListAll:
			ids, err := m.applyListAll()
			req.resp <- response{ids: ids, err: err}
		case opCleanup:
			req.resp <- response{err: m.applyCleanup(req.maxAgeNS)}
		}
	}
}

func (m *Manager) applySave(snap Snapshot) error {
	// created_at/expiry use wall-clock nanoseconds, not clock.Source's
	// monotonic counter: upload sessions must survive a process
	// restart, and a monotonic reading anchored at process start is
	// not comparable across restarts the way it is within a single
	// session's dwell/cooldown timers.
	now := uint64(m.clk.WallNow().UnixNano())
	if snap.CreatedAtNS == 0 {
		snap.CreatedAtNS = now
	}
	expiresAt := snap.CreatedAtNS + defaultMaxAgeNS

	canonicalBytes, err := canon.Encode(toCanonValue(&snap))
	if err != nil {
		return fmt.Errorf("upload: canonicalize snapshot %s: %w", snap.SessionID, err)
	}

	var contentHash []byte
	if len(snap.Chunks) > 0 {
		h := snap.Chunks[len(snap.Chunks)-1].Hash
		contentHash = h[:]
	}

	_, err = m.db.Exec(`
		INSERT INTO upload_sessions
			(upload_id, file_path, total_size, bytes_uploaded, chunk_size, content_hash, state, snapshot_bytes, created_at_ns, updated_at_ns, expires_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(upload_id) DO UPDATE SET
			file_path = excluded.file_path,
			total_size = excluded.total_size,
			bytes_uploaded = excluded.bytes_uploaded,
			chunk_size = excluded.chunk_size,
			content_hash = excluded.content_hash,
			state = excluded.state,
			snapshot_bytes = excluded.snapshot_bytes,
			updated_at_ns = excluded.updated_at_ns,
			expires_at_ns = excluded.expires_at_ns
	`, snap.SessionID, snap.FileName, snap.FileSize, snap.UploadedBytes, chunkSizeOf(snap), contentHash, string(snap.State), canonicalBytes, snap.CreatedAtNS, now, expiresAt)
	if err != nil {
		return fmt.Errorf("upload: persist snapshot %s: %w", snap.SessionID, err)
	}

	cached := snap
	m.cache[snap.SessionID] = &cached
	return nil
}

func (m *Manager) applyLoad(sessionID string) (*Snapshot, error) {
	if cached, ok := m.cache[sessionID]; ok {
		snap := *cached
		return &snap, nil
	}

	var snapshotBytes []byte
	err := m.db.QueryRow(`SELECT snapshot_bytes FROM upload_sessions WHERE upload_id = ?`, sessionID).Scan(&snapshotBytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upload: load snapshot %s: %w", sessionID, err)
	}

	snap, err := fromCanonicalBytes(snapshotBytes)
	if err != nil {
		return nil, fmt.Errorf("upload: decode snapshot %s: %w", sessionID, err)
	}
	m.cache[sessionID] = snap
	out := *snap
	return &out, nil
}

func (m *Manager) applyDelete(sessionID string) error {
	if _, err := m.db.Exec(`DELETE FROM upload_sessions WHERE upload_id = ?`, sessionID); err != nil {
		return fmt.Errorf("upload: delete snapshot %s: %w", sessionID, err)
	}
	delete(m.cache, sessionID)
	return nil
}

func (m *Manager) applyListAll() ([]string, error) {
	rows, err := m.db.Query(`SELECT upload_id FROM upload_sessions`)
	if err != nil {
		return nil, fmt.Errorf("upload: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("upload: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m *Manager) applyCleanup(maxAgeNS uint64) error {
	if maxAgeNS == 0 {
		maxAgeNS = defaultMaxAgeNS
	}
	cutoff := uint64(m.clk.WallNow().UnixNano()) - maxAgeNS

	rows, err := m.db.Query(`SELECT upload_id FROM upload_sessions WHERE created_at_ns < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("upload: query expired sessions: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("upload: scan expired session id: %w", err)
		}
		expired = append(expired, id)
	}
	rows.Close()

	if _, err := m.db.Exec(`DELETE FROM upload_sessions WHERE created_at_ns < ?`, cutoff); err != nil {
		return fmt.Errorf("upload: cleanup expired sessions: %w", err)
	}
	for _, id := range expired {
		delete(m.cache, id)
	}
	return nil
}

func chunkSizeOf(snap Snapshot) int64 {
	if len(snap.Chunks) == 0 {
		return 0
	}
	first := snap.Chunks[0]
	return first.ByteEnd - first.ByteStart
}

func toCanonValue(snap *Snapshot) *canon.Object {
	chunks := make([]canon.Value, len(snap.Chunks))
	for i, c := range snap.Chunks {
		chunks[i] = canon.NewObject().
			Set("index", int64(c.Index)).
			Set("byte_start", c.ByteStart).
			Set("byte_end", c.ByteEnd).
			Set("status", string(c.Status)).
			Set("hash", c.Hash[:])
	}

	return canon.NewObject().
		Set("session_id", snap.SessionID).
		Set("file_name", snap.FileName).
		Set("file_size", snap.FileSize).
		Set("chunks", chunks).
		Set("uploaded_bytes", snap.UploadedBytes).
		Set("created_at", int64(snap.CreatedAtNS)).
		Set("state", string(snap.State))
}

func fromCanonicalBytes(data []byte) (*Snapshot, error) {
	value, err := canon.Decode(data)
	if err != nil {
		return nil, err
	}
	obj, ok := value.(*canon.Object)
	if !ok {
		return nil, fmt.Errorf("upload: decoded snapshot is not an object")
	}

	snap := &Snapshot{}
	if v, ok := obj.Get("session_id"); ok {
		snap.SessionID, _ = v.(string)
	}
	if v, ok := obj.Get("file_name"); ok {
		snap.FileName, _ = v.(string)
	}
	if v, ok := obj.Get("file_size"); ok {
		snap.FileSize = int64(asFloat(v))
	}
	if v, ok := obj.Get("uploaded_bytes"); ok {
		snap.UploadedBytes = int64(asFloat(v))
	}
	if v, ok := obj.Get("created_at"); ok {
		snap.CreatedAtNS = uint64(asFloat(v))
	}
	if v, ok := obj.Get("state"); ok {
		s, _ := v.(string)
		snap.State = SessionState(s)
	}
	if v, ok := obj.Get("chunks"); ok {
		list, _ := v.([]canon.Value)
		snap.Chunks = make([]Chunk, len(list))
		for i, elem := range list {
			chunkObj, ok := elem.(*canon.Object)
			if !ok {
				continue
			}
			snap.Chunks[i] = chunkFromCanon(chunkObj)
		}
	}
	return snap, nil
}

func chunkFromCanon(obj *canon.Object) Chunk {
	var c Chunk
	if v, ok := obj.Get("index"); ok {
		c.Index = int(asFloat(v))
	}
	if v, ok := obj.Get("byte_start"); ok {
		c.ByteStart = int64(asFloat(v))
	}
	if v, ok := obj.Get("byte_end"); ok {
		c.ByteEnd = int64(asFloat(v))
	}
	if v, ok := obj.Get("status"); ok {
		s, _ := v.(string)
		c.Status = ChunkStatus(s)
	}
	if v, ok := obj.Get("hash"); ok {
		if hexStr, ok := v.(string); ok {
			raw, err := hex.DecodeString(hexStr)
			if err == nil && len(raw) == 32 {
				copy(c.Hash[:], raw)
			}
		}
	}
	return c
}

func asFloat(v canon.Value) float64 {
	f, _ := v.(float64)
	return f
}
