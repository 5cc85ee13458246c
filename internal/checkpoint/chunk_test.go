package checkpoint

import (
	"bytes"
	"math/rand"
	"testing"
)

// testPayload builds deterministic pseudo-random data; random-ish content
// gives the rolling hash realistic boundaries.
func testPayload(t *testing.T, size int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, size)
	rng.Read(data)
	return data
}

func TestChunkDataBounds(t *testing.T) {
	data := testPayload(t, 256*1024)

	chunks, err := ChunkData(data)
	if err != nil {
		t.Fatalf("ChunkData: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for 256KiB payload, got %d", len(chunks))
	}
	var total int
	for i, c := range chunks {
		if len(c.Data) > chunkMaxSize {
			t.Fatalf("chunk %d exceeds max size: %d > %d", i, len(c.Data), chunkMaxSize)
		}
		if i < len(chunks)-1 && len(c.Data) < chunkMinSize {
			t.Fatalf("non-terminal chunk %d below min size: %d < %d", i, len(c.Data), chunkMinSize)
		}
		total += len(c.Data)
	}
	if total != len(data) {
		t.Fatalf("chunks cover %d bytes, want %d", total, len(data))
	}
}

func TestChunkDataDeterministic(t *testing.T) {
	data := testPayload(t, 64*1024)

	a, err := ChunkData(data)
	if err != nil {
		t.Fatalf("ChunkData: %v", err)
	}
	b, err := ChunkData(data)
	if err != nil {
		t.Fatalf("ChunkData: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Hash != b[i].Hash {
			t.Fatalf("chunk %d hash differs between identical inputs", i)
		}
	}
}

func TestDiffDedupOnAppendedTail(t *testing.T) {
	base := testPayload(t, 128*1024)
	edited := append(append([]byte(nil), base...), []byte("one more completed task record")...)

	baseChunks, err := ChunkData(base)
	if err != nil {
		t.Fatalf("ChunkData(base): %v", err)
	}
	known := make(map[Hash]bool, len(baseChunks))
	for _, c := range baseChunks {
		known[c.Hash] = true
	}

	editedChunks, err := ChunkData(edited)
	if err != nil {
		t.Fatalf("ChunkData(edited): %v", err)
	}
	fresh := Diff(editedChunks, known)
	if len(fresh) > 3 {
		t.Fatalf("appended tail should touch at most 3 boundary chunks, got %d fresh", len(fresh))
	}
	ratio := 1 - float64(len(fresh))/float64(len(editedChunks))
	if ratio < 0.9 {
		t.Fatalf("dedup ratio %.2f below 0.9", ratio)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	data := testPayload(t, 96*1024)
	chunks, err := ChunkData(data)
	if err != nil {
		t.Fatalf("ChunkData: %v", err)
	}
	for _, c := range chunks {
		if err := store.Put(c); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := store.Reconstruct(RefsFor(chunks))
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reconstructed blob differs from original")
	}
}

func TestStoreMissingChunk(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	var missing Hash
	missing[0] = 0xAB
	_, err = store.Get(missing)
	var notFound *ErrChunkNotFound
	if err == nil {
		t.Fatal("Get of absent chunk should fail")
	}
	if !asChunkNotFound(err, &notFound) {
		t.Fatalf("want ErrChunkNotFound, got %T: %v", err, err)
	}
	if notFound.Hash != missing {
		t.Fatalf("error reports wrong hash: %s", notFound.Hash)
	}
}

func asChunkNotFound(err error, target **ErrChunkNotFound) bool {
	e, ok := err.(*ErrChunkNotFound)
	if ok {
		*target = e
	}
	return ok
}

func TestParseHashRoundTrip(t *testing.T) {
	var h Hash
	for i := range h {
		h[i] = byte(i)
	}
	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != h {
		t.Fatal("parsed hash differs from original")
	}
	if _, err := ParseHash("zz"); err == nil {
		t.Fatal("ParseHash should reject non-hex input")
	}
	if _, err := ParseHash("abcd"); err == nil {
		t.Fatal("ParseHash should reject short input")
	}
}
