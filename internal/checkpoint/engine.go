package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/dohr-michael/ozzie/internal/backoff"
)

// newCheckpointID mints a UUIDv7 (time-ordered) identifier so that
// checkpoint ids are monotonically non-decreasing, per invariant 3: a
// parent checkpoint's id sorts before its child's.
func newCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ErrNotFound is returned by Recover when the requested checkpoint id (or
// any checkpoint at all, for an empty store) does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// ErrCorrupted is returned when a checkpoint's chunks fail to reconstruct.
// Recover with an empty id falls back to the next-older intact checkpoint
// of the same level and returns this error only when none of them
// reconstructs; Recover with an explicit id returns it directly.
var ErrCorrupted = errors.New("checkpoint corrupted")

// LevelConfig configures one checkpoint granularity's trigger interval and
// retention count. Interval is zero for event-driven levels (Task, which
// fires on every task completion rather than on a timer).
type LevelConfig struct {
	Interval  time.Duration
	Retention int
}

// DefaultLevelConfigs returns the four-level trigger/retention table from
// the checkpoint engine's design: Micro every 30s (keep 5), Task on
// completion (keep 100), Session every 300s (keep 20), System every 900s
// plus graceful exit (keep 5).
func DefaultLevelConfigs() map[Level]LevelConfig {
	return map[Level]LevelConfig{
		LevelMicro:   {Interval: 30 * time.Second, Retention: 5},
		LevelTask:    {Interval: 0, Retention: 100},
		LevelSession: {Interval: 300 * time.Second, Retention: 20},
		LevelSystem:  {Interval: 900 * time.Second, Retention: 5},
	}
}

// Record describes a persisted checkpoint's metadata plus its chunk list,
// as stored alongside the index.
type Record struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Refs      []Ref     `json:"refs"`
	Algorithm Algorithm `json:"algorithm"`
}

type writeRequest struct {
	id    string
	level Level
	state []byte
	done  chan error
}

// Engine is the hierarchical, content-chunked, incremental checkpoint
// engine. Writes are accepted onto a bounded queue and applied by a single
// background worker so callers never wait on disk I/O (only on a free queue
// slot when the queue is full); Flush blocks until the queue has drained.
type Engine struct {
	baseDir string
	codec   Codec
	chunks  *Store
	idx     *index
	levels  map[Level]LevelConfig

	mu          sync.Mutex
	recordsFile string
	latest      map[Level]*Record   // most recent durable checkpoint per level
	knownHashes map[Level]map[Hash]bool
	history     map[Level][]*Record // retained records, newest last

	writeCh chan writeRequest
	wg      sync.WaitGroup
	closeCh chan struct{}
	retry   backoff.Strategy

	needsRecovery bool // captured once at Open
}

// Open creates or resumes an Engine rooted at baseDir. baseDir holds a
// "chunks" subdirectory (the ChunkStore), an "index" append-only log, a
// "records" directory of per-checkpoint record files, and a "records.json"
// manifest of the currently-recoverable checkpoint ids by level.
func Open(baseDir string, levels map[Level]LevelConfig, codec Codec) (*Engine, error) {
	if levels == nil {
		levels = DefaultLevelConfigs()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	chunkStore, err := NewStore(filepath.Join(baseDir, "chunks"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		baseDir:     baseDir,
		codec:       codec,
		chunks:      chunkStore,
		idx:         newIndex(baseDir),
		levels:      levels,
		recordsFile: filepath.Join(baseDir, "records.json"),
		latest:      make(map[Level]*Record),
		knownHashes: make(map[Level]map[Hash]bool),
		history:     make(map[Level][]*Record),
		writeCh:     make(chan writeRequest, 256),
		closeCh:     make(chan struct{}),
		retry:       backoff.Default(),
	}

	if err := e.rebuildFromIndex(); err != nil {
		return nil, err
	}
	if err := e.sealOrphans(); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.worker()

	return e, nil
}

// manifest is the on-disk record of the currently-recoverable checkpoint
// ids by level, rewritten after every durable write.
type manifest struct {
	Levels map[Level][]string `json:"levels"`
}

// rebuildFromIndex replays the append-only index to repopulate in-memory
// state, skipping any record still marked in-progress (the
// ungraceful-shutdown marker). When a manifest file is present, only the
// ids it lists stay recoverable, so retention survives restarts.
func (e *Engine) rebuildFromIndex() error {
	records, err := e.idx.load()
	if err != nil {
		return err
	}
	recoverable := e.loadManifest()
	for _, rec := range records {
		if rec.InProgress {
			continue // torn or abandoned write, never completed
		}
		if recoverable != nil && !recoverable[rec.ID] {
			continue // dropped by retention in a previous run
		}
		r, err := e.loadRecordFile(rec.ID)
		if err != nil {
			continue // index entry without a record file; skip
		}
		e.latest[r.Level] = r
		e.history[r.Level] = append(e.history[r.Level], r)
		hashes := e.knownHashes[r.Level]
		if hashes == nil {
			hashes = make(map[Hash]bool)
			e.knownHashes[r.Level] = hashes
		}
		for _, ref := range r.Refs {
			hashes[ref.Hash] = true
		}
	}
	return nil
}

// loadManifest returns the set of recoverable ids, or nil when no
// manifest has been written yet (first run, or a pre-manifest store).
func (e *Engine) loadManifest() map[string]bool {
	data, err := os.ReadFile(e.recordsFile)
	if err != nil {
		return nil
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	ids := make(map[string]bool)
	for _, recs := range m.Levels {
		for _, id := range recs {
			ids[id] = true
		}
	}
	return ids
}

// saveManifestLocked rewrites the manifest from the retained history.
// Caller holds e.mu.
func (e *Engine) saveManifestLocked() error {
	m := manifest{Levels: make(map[Level][]string, len(e.history))}
	for lvl, recs := range e.history {
		for _, r := range recs {
			m.Levels[lvl] = append(m.Levels[lvl], r.ID)
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := e.recordsFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, e.recordsFile)
}

// sealOrphans detects in-progress pointer markers with no matching
// committed record — the ungraceful-shutdown signature — records their
// presence for NeedsRecovery, and appends a pairing entry for each so the
// next startup does not re-report an already-observed crash.
func (e *Engine) sealOrphans() error {
	records, err := e.idx.load()
	if err != nil {
		return err
	}
	committed := make(map[string]bool)
	for _, rec := range records {
		if !rec.InProgress {
			committed[rec.ID] = true
		}
	}
	for _, rec := range records {
		if !rec.InProgress || committed[rec.ID] {
			continue
		}
		e.needsRecovery = true
		sealed := rec
		sealed.InProgress = false
		if err := e.idx.append(sealed); err != nil {
			return fmt.Errorf("seal orphaned index entry: %w", err)
		}
		committed[rec.ID] = true
	}
	return nil
}

// NeedsRecovery reports whether the previous shutdown was ungraceful: an
// in-progress pointer marker without a matching committed record was found
// on startup.
func (e *Engine) NeedsRecovery() bool {
	return e.needsRecovery
}

// Checkpoint enqueues a state snapshot for durable, possibly-incremental
// storage at the given level and returns its id as soon as the request is
// queued (waiting for a free slot if the queue is full); the write itself
// happens on the background worker. Use Flush to wait for durability.
func (e *Engine) Checkpoint(level Level, state []byte) (string, error) {
	id := newCheckpointID()
	req := writeRequest{id: id, level: level, state: state, done: make(chan error, 1)}
	select {
	case e.writeCh <- req:
	default:
		// Queue full: apply backpressure by waiting for a slot rather than
		// silently dropping a checkpoint.
		e.writeCh <- req
	}
	return id, nil
}

// CheckpointSync performs the same write as Checkpoint but blocks until it
// is durable, returning the new checkpoint id.
func (e *Engine) CheckpointSync(level Level, state []byte) (string, error) {
	id := newCheckpointID()
	req := writeRequest{id: id, level: level, state: state, done: make(chan error, 1)}
	e.writeCh <- req
	if err := <-req.done; err != nil {
		return "", err
	}
	return id, nil
}

// SchedulerLoop runs until ctx is cancelled, triggering a Checkpoint of
// each timer-driven level (Micro, Session, System) when its interval
// elapses. The Task level is event-driven (checkpoint on task completion,
// called directly by the execution loop) and is not scheduled here. The
// state function is called fresh at each trigger so the snapshot reflects
// the latest AgentState, not the state at SchedulerLoop's start.
func (e *Engine) SchedulerLoop(ctx context.Context, state func() []byte) {
	tickers := make(map[Level]*time.Ticker)
	cases := make([]Level, 0, len(e.levels))
	for lvl, cfg := range e.levels {
		if lvl == LevelTask || cfg.Interval <= 0 {
			continue
		}
		tickers[lvl] = time.NewTicker(cfg.Interval)
		cases = append(cases, lvl)
	}
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()
	if len(cases) == 0 {
		<-ctx.Done()
		return
	}
	for {
		for _, lvl := range cases {
			select {
			case <-ctx.Done():
				return
			case <-tickers[lvl].C:
				if _, err := e.Checkpoint(lvl, state()); err != nil {
					slog.Error("scheduled checkpoint failed", "level", lvl, "error", err)
				}
			default:
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// barrierLevel marks a writeRequest as a pure synchronization point: it
// carries no state and is never persisted, it only signals (via done) that
// every write queued ahead of it has been applied.
const barrierLevel Level = "__barrier__"

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case req := <-e.writeCh:
			e.handleRequest(req)
		case <-e.closeCh:
			// Drain remaining queued writes before exiting.
			for {
				select {
				case req := <-e.writeCh:
					e.handleRequest(req)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) handleRequest(req writeRequest) {
	if req.level == barrierLevel {
		if req.done != nil {
			req.done <- nil
		}
		return
	}
	err := e.applyWithRetry(req.id, req.level, req.state)
	if req.done != nil {
		req.done <- err
	}
}

func (e *Engine) applyWithRetry(id string, level Level, state []byte) error {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(e.retry.Duration(attempt - 1))
		}
		if err := e.apply(id, level, state); err != nil {
			lastErr = err
			slog.Warn("checkpoint write failed, retrying", "level", level, "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	slog.Error("checkpoint write failed permanently", "level", level, "error", lastErr)
	return fmt.Errorf("storage: %w", lastErr)
}

func (e *Engine) apply(id string, level Level, state []byte) error {
	e.mu.Lock()
	parent := e.latest[level]
	known := e.knownHashes[level]
	e.mu.Unlock()

	// Chunk the uncompressed serialized blob: a local edit then only
	// touches the chunks near it. Compression is applied per chunk on the
	// way into the store, so dedup operates on content, not codec output.
	blob := lengthPrefixed(state)
	chunks, err := ChunkData(blob)
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}

	var fresh []Chunk
	if known != nil {
		fresh = Diff(chunks, known)
	} else {
		fresh = chunks
	}
	for _, c := range fresh {
		encoded, err := e.codec.Compress(c.Data)
		if err != nil {
			return fmt.Errorf("compress chunk: %w", err)
		}
		if err := e.chunks.PutRaw(c.Hash, encoded); err != nil {
			return fmt.Errorf("store chunk: %w", err)
		}
	}

	rec := &Record{
		ID:        id,
		Level:     level,
		Timestamp: time.Now(),
		Refs:      RefsFor(chunks),
		Algorithm: e.codec.Algorithm,
	}
	if parent != nil {
		rec.ParentID = parent.ID
	}

	ptr := PointerRecord{
		ID:            id,
		Level:         level,
		ParentID:      rec.ParentID,
		ChunkListHash: chunkListHash(rec.Refs).String(),
		Timestamp:     rec.Timestamp,
		InProgress:    true,
	}
	if err := e.idx.append(ptr); err != nil {
		return fmt.Errorf("append index (in-progress): %w", err)
	}
	if err := e.saveRecordFile(rec); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	ptr.InProgress = false
	if err := e.idx.append(ptr); err != nil {
		return fmt.Errorf("append index (committed): %w", err)
	}

	e.mu.Lock()
	e.latest[level] = rec
	e.history[level] = append(e.history[level], rec)
	newKnown := make(map[Hash]bool, len(chunks))
	for _, c := range chunks {
		newKnown[c.Hash] = true
	}
	e.knownHashes[level] = newKnown
	e.retain(level)
	manifestErr := e.saveManifestLocked()
	e.mu.Unlock()
	if manifestErr != nil {
		return fmt.Errorf("save manifest: %w", manifestErr)
	}

	slog.Info("checkpoint written", "level", level, "id", id, "chunks", len(chunks), "new_chunks", len(fresh))
	return nil
}

// retain drops the oldest retained records beyond the level's configured
// retention count. Caller holds e.mu.
func (e *Engine) retain(level Level) {
	cfg, ok := e.levels[level]
	if !ok || cfg.Retention <= 0 {
		return
	}
	hist := e.history[level]
	if len(hist) <= cfg.Retention {
		return
	}
	e.history[level] = hist[len(hist)-cfg.Retention:]
}

// Recover reconstructs the state for a given checkpoint id, or the latest
// checkpoint across all levels if id is empty. A checkpoint whose chunks
// fail to reconstruct is treated as corrupted: the engine logs a warning
// and steps back to the next-older intact checkpoint of the same level.
func (e *Engine) Recover(id string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id != "" {
		for _, recs := range e.history {
			for _, r := range recs {
				if r.ID == id {
					return e.reconstruct(r)
				}
			}
		}
		return nil, ErrNotFound
	}

	best := e.latestAcrossLevels()
	if best == nil {
		return nil, ErrNotFound
	}
	return e.reconstructWithFallback(best.Level)
}

// latestAcrossLevels returns the most recently timestamped record over all
// levels (caller holds e.mu).
func (e *Engine) latestAcrossLevels() *Record {
	var best *Record
	for _, r := range e.latest {
		if r == nil {
			continue
		}
		if best == nil || r.Timestamp.After(best.Timestamp) {
			best = r
		}
	}
	return best
}

// reconstructWithFallback tries the newest record of level, then walks
// backward through retained history on corruption. Caller holds e.mu.
func (e *Engine) reconstructWithFallback(level Level) ([]byte, error) {
	hist := append([]*Record(nil), e.history[level]...)
	sort.Slice(hist, func(i, j int) bool { return hist[i].Timestamp.After(hist[j].Timestamp) })
	var lastErr error
	for _, r := range hist {
		data, err := e.reconstruct(r)
		if err == nil {
			return data, nil
		}
		slog.Warn("checkpoint corrupted, falling back to older checkpoint", "level", level, "id", r.ID, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNotFound
	}
	return nil, lastErr
}

func (e *Engine) reconstruct(r *Record) ([]byte, error) {
	codec := Codec{Algorithm: r.Algorithm}
	var blob []byte
	for _, ref := range r.Refs {
		encoded, err := e.chunks.Get(ref.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		data, err := codec.Decompress(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s: %v", ErrCorrupted, ref.Hash, err)
		}
		blob = append(blob, data...)
	}
	state, err := unLengthPrefixed(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return state, nil
}

// GC removes chunks referenced by no retained checkpoint, returning how
// many were deleted. Chunks referenced by any retained record are never
// touched.
func (e *Engine) GC() (int, error) {
	e.mu.Lock()
	referenced := make(map[Hash]bool)
	for _, recs := range e.history {
		for _, r := range recs {
			for _, ref := range r.Refs {
				referenced[ref.Hash] = true
			}
		}
	}
	e.mu.Unlock()

	return e.chunks.Sweep(referenced)
}

// LatestCheckpointID returns the id of the most recent durable checkpoint
// across all levels, or "" when the store is empty.
func (e *Engine) LatestCheckpointID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if best := e.latestAcrossLevels(); best != nil {
		return best.ID
	}
	return ""
}

// Flush blocks until every write queued before this call has been applied
// and is durable. It enqueues a barrier request behind them and waits for
// the worker to reach it.
func (e *Engine) Flush() error {
	req := writeRequest{level: barrierLevel, done: make(chan error, 1)}
	e.writeCh <- req
	return <-req.done
}

// Close stops the background worker after draining pending writes.
func (e *Engine) Close() {
	close(e.closeCh)
	e.wg.Wait()
}

func (e *Engine) saveRecordFile(r *Record) error {
	path := filepath.Join(e.baseDir, "records", r.ID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (e *Engine) loadRecordFile(id string) (*Record, error) {
	path := filepath.Join(e.baseDir, "records", id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// lengthPrefixed prepends a little-endian uint64 length to data, per the
// checkpoint blob's explicit length-prefixed binary format.
func lengthPrefixed(data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(out, uint64(len(data)))
	copy(out[8:], data)
	return out
}

func unLengthPrefixed(blob []byte) ([]byte, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("blob too short for length prefix")
	}
	n := binary.LittleEndian.Uint64(blob[:8])
	if uint64(len(blob)-8) < n {
		return nil, fmt.Errorf("blob shorter than declared length")
	}
	return blob[8 : 8+n], nil
}

// chunkListHash summarizes an ordered Ref list into a single hash (the
// BLAKE3 digest of the concatenated chunk hashes) for the pointer record.
// An empty list yields the zero hash. The index stores this value; nothing
// in the engine verifies it against the record file.
func chunkListHash(refs []Ref) Hash {
	if len(refs) == 0 {
		return Hash{}
	}
	var buf []byte
	for _, r := range refs {
		buf = append(buf, r.Hash[:]...)
	}
	return Hash(blake3.Sum256(buf))
}
