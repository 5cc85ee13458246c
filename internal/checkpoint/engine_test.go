package checkpoint

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func openTestEngine(t *testing.T, dir string, levels map[Level]LevelConfig) *Engine {
	t.Helper()
	e, err := Open(dir, levels, DefaultCodec())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func TestCheckpointRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	defer e.Close()

	state := testPayload(t, 48*1024)
	id, err := e.CheckpointSync(LevelSession, state)
	if err != nil {
		t.Fatalf("CheckpointSync: %v", err)
	}

	byID, err := e.Recover(id)
	if err != nil {
		t.Fatalf("Recover(id): %v", err)
	}
	if !bytes.Equal(byID, state) {
		t.Fatal("recovered state differs from checkpointed state")
	}

	latest, err := e.Recover("")
	if err != nil {
		t.Fatalf("Recover(latest): %v", err)
	}
	if !bytes.Equal(latest, state) {
		t.Fatal("latest recovery differs from checkpointed state")
	}
}

func TestRecoverUnknownID(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	if _, err := e.Recover("no-such-id"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := e.Recover(""); err != ErrNotFound {
		t.Fatalf("empty store: want ErrNotFound, got %v", err)
	}
}

func TestRecoverSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	state := testPayload(t, 32*1024)

	e := openTestEngine(t, dir, nil)
	if _, err := e.CheckpointSync(LevelSystem, state); err != nil {
		t.Fatalf("CheckpointSync: %v", err)
	}
	e.Close()

	e2 := openTestEngine(t, dir, nil)
	defer e2.Close()
	got, err := e2.Recover("")
	if err != nil {
		t.Fatalf("Recover after reopen: %v", err)
	}
	if !bytes.Equal(got, state) {
		t.Fatal("reopened engine recovered different state")
	}
}

func TestNeedsRecoveryDetectsTornWrite(t *testing.T) {
	dir := t.TempDir()

	e := openTestEngine(t, dir, nil)
	if e.NeedsRecovery() {
		t.Fatal("fresh store should not need recovery")
	}
	if _, err := e.CheckpointSync(LevelSession, []byte("clean state")); err != nil {
		t.Fatalf("CheckpointSync: %v", err)
	}
	e.Close()

	e2 := openTestEngine(t, dir, nil)
	if e2.NeedsRecovery() {
		t.Fatal("clean shutdown should not need recovery")
	}
	e2.Close()

	// Simulate a crash mid-write: an in-progress pointer with no matching
	// committed record.
	ix := newIndex(dir)
	if err := ix.append(PointerRecord{ID: "torn-checkpoint", Level: LevelSession, Timestamp: time.Now(), InProgress: true}); err != nil {
		t.Fatalf("append torn pointer: %v", err)
	}

	e3 := openTestEngine(t, dir, nil)
	if !e3.NeedsRecovery() {
		t.Fatal("unpaired in-progress pointer should signal recovery")
	}
	e3.Close()

	// The orphan is sealed on first observation; the crash is not
	// re-reported on the next startup.
	e4 := openTestEngine(t, dir, nil)
	defer e4.Close()
	if e4.NeedsRecovery() {
		t.Fatal("sealed orphan should not re-trigger recovery")
	}
}

func TestCorruptedCheckpointFallsBack(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	defer e.Close()

	oldState := testPayload(t, 40*1024)
	if _, err := e.CheckpointSync(LevelSession, oldState); err != nil {
		t.Fatalf("CheckpointSync(old): %v", err)
	}
	newState := append([]byte("prefix that shifts every boundary "), testPayload(t, 40*1024)...)
	if _, err := e.CheckpointSync(LevelSession, newState); err != nil {
		t.Fatalf("CheckpointSync(new): %v", err)
	}

	e.mu.Lock()
	hist := e.history[LevelSession]
	if len(hist) != 2 {
		e.mu.Unlock()
		t.Fatalf("want 2 retained records, got %d", len(hist))
	}
	oldRec, newRec := hist[0], hist[1]
	e.mu.Unlock()

	oldHashes := make(map[Hash]bool)
	for _, ref := range oldRec.Refs {
		oldHashes[ref.Hash] = true
	}
	var victim *Ref
	for i := range newRec.Refs {
		if !oldHashes[newRec.Refs[i].Hash] {
			victim = &newRec.Refs[i]
			break
		}
	}
	if victim == nil {
		t.Fatal("no chunk unique to the newer checkpoint")
	}
	if err := os.Remove(e.chunks.path(victim.Hash)); err != nil {
		t.Fatalf("remove chunk: %v", err)
	}

	got, err := e.Recover("")
	if err != nil {
		t.Fatalf("Recover with corrupted newest: %v", err)
	}
	if !bytes.Equal(got, oldState) {
		t.Fatal("fallback should yield the older intact state")
	}
}

func TestRetentionTrimsHistory(t *testing.T) {
	levels := map[Level]LevelConfig{
		LevelMicro: {Interval: 0, Retention: 2},
	}
	e := openTestEngine(t, t.TempDir(), levels)
	defer e.Close()

	for i := 0; i < 4; i++ {
		state := append(testPayload(t, 16*1024), byte(i))
		if _, err := e.CheckpointSync(LevelMicro, state); err != nil {
			t.Fatalf("CheckpointSync #%d: %v", i, err)
		}
	}

	e.mu.Lock()
	got := len(e.history[LevelMicro])
	e.mu.Unlock()
	if got != 2 {
		t.Fatalf("retention should keep 2 records, got %d", got)
	}
}

func TestFlushDrainsQueuedWrites(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	state := testPayload(t, 24*1024)
	id, err := e.Checkpoint(LevelMicro, state)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := e.Recover(id)
	if err != nil {
		t.Fatalf("Recover after Flush: %v", err)
	}
	if !bytes.Equal(got, state) {
		t.Fatal("flushed checkpoint not recoverable")
	}
}

func TestIncrementalDedupOnAppendedState(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	base := testPayload(t, 128*1024)
	if _, err := e.CheckpointSync(LevelSession, base); err != nil {
		t.Fatalf("CheckpointSync(base): %v", err)
	}
	edited := append(append([]byte(nil), base...), []byte("one more completed task record")...)
	if _, err := e.CheckpointSync(LevelSession, edited); err != nil {
		t.Fatalf("CheckpointSync(edited): %v", err)
	}

	e.mu.Lock()
	hist := e.history[LevelSession]
	e.mu.Unlock()
	if len(hist) != 2 {
		t.Fatalf("want 2 records, got %d", len(hist))
	}
	parentHashes := make(map[Hash]bool)
	for _, ref := range hist[0].Refs {
		parentHashes[ref.Hash] = true
	}
	fresh := 0
	for _, ref := range hist[1].Refs {
		if !parentHashes[ref.Hash] {
			fresh++
		}
	}
	if fresh > 3 {
		t.Fatalf("appended tail should add at most 3 fresh chunks, got %d", fresh)
	}
	if ratio := 1 - float64(fresh)/float64(len(hist[1].Refs)); ratio < 0.9 {
		t.Fatalf("dedup ratio %.2f below 0.9", ratio)
	}

	got, err := e.Recover("")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !bytes.Equal(got, edited) {
		t.Fatal("incremental checkpoint did not reconstruct to the edited state")
	}
}

func TestManifestBoundsRecoverableAcrossReopen(t *testing.T) {
	levels := map[Level]LevelConfig{
		LevelMicro: {Interval: 0, Retention: 2},
	}
	dir := t.TempDir()
	e := openTestEngine(t, dir, levels)

	var last []byte
	for i := 0; i < 4; i++ {
		last = append(testPayload(t, 16*1024), byte(i))
		if _, err := e.CheckpointSync(LevelMicro, last); err != nil {
			t.Fatalf("CheckpointSync #%d: %v", i, err)
		}
	}
	e.Close()

	e2 := openTestEngine(t, dir, levels)
	defer e2.Close()

	e2.mu.Lock()
	got := len(e2.history[LevelMicro])
	e2.mu.Unlock()
	if got != 2 {
		t.Fatalf("manifest should bound recoverable records to 2, got %d", got)
	}

	state, err := e2.Recover("")
	if err != nil {
		t.Fatalf("Recover after reopen: %v", err)
	}
	if !bytes.Equal(state, last) {
		t.Fatal("latest recoverable state should be the final checkpoint")
	}
}

func TestGCKeepsReferencedChunks(t *testing.T) {
	levels := map[Level]LevelConfig{
		LevelSession: {Interval: 0, Retention: 1},
	}
	e := openTestEngine(t, t.TempDir(), levels)
	defer e.Close()

	first := testPayload(t, 64*1024)
	if _, err := e.CheckpointSync(LevelSession, first); err != nil {
		t.Fatalf("CheckpointSync(first): %v", err)
	}
	second := append([]byte("boundary-shifting prefix "), testPayload(t, 64*1024)...)
	if _, err := e.CheckpointSync(LevelSession, second); err != nil {
		t.Fatalf("CheckpointSync(second): %v", err)
	}

	// Retention 1 dropped the first record; its unique chunks are now
	// collectable.
	removed, err := e.GC()
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected the dropped checkpoint's unique chunks to be collected")
	}

	got, err := e.Recover("")
	if err != nil {
		t.Fatalf("Recover after GC: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatal("retained checkpoint must survive GC intact")
	}
}

func TestIncrementalParentLink(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	firstID, err := e.CheckpointSync(LevelSession, testPayload(t, 20*1024))
	if err != nil {
		t.Fatalf("CheckpointSync(first): %v", err)
	}
	if _, err := e.CheckpointSync(LevelSession, testPayload(t, 20*1024)); err != nil {
		t.Fatalf("CheckpointSync(second): %v", err)
	}

	e.mu.Lock()
	rec := e.latest[LevelSession]
	e.mu.Unlock()
	if rec.ParentID != firstID {
		t.Fatalf("second checkpoint's parent = %q, want %q", rec.ParentID, firstID)
	}
}
