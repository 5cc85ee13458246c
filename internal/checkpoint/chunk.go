package checkpoint

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/restic/chunker"
	"lukechampine.com/blake3"
)

const (
	chunkMinSize = 4 * 1024
	chunkAvgSize = 8 * 1024
	chunkMaxSize = 16 * 1024
)

// splitPolynomial is a fixed 53-bit irreducible polynomial for the rolling
// hash. The specification does not prescribe a specific polynomial (see
// DESIGN.md, Open Question b); any well-formed one is acceptable here.
const splitPolynomial = chunker.Pol(0x3DA3358B4DC173)

// Hash is a 256-bit chunk content hash.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ParseHash decodes a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("parse hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Chunk is one content-defined slice of a serialized checkpoint blob.
type Chunk struct {
	Hash Hash
	Data []byte
}

// Ref is the persisted pointer to a chunk within a Checkpoint's chunk list.
type Ref struct {
	Hash   Hash   `json:"hash"`
	Offset uint64 `json:"offset"`
	Length uint32 `json:"length"`
}

// ChunkData splits data at content-defined boundaries using a Rabin-style
// rolling hash, averaging chunkAvgSize with chunkMinSize/chunkMaxSize
// bounds, per the checkpoint engine's incremental-checkpointing scheme.
func ChunkData(data []byte) ([]Chunk, error) {
	ck := chunker.NewWithBoundaries(bytes.NewReader(data), splitPolynomial, chunkMinSize, chunkMaxSize)
	ck.SetAverageBits(averageBitsFor(chunkAvgSize))

	var chunks []Chunk
	buf := make([]byte, chunkMaxSize)
	for {
		c, err := ck.Next(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunk data: %w", err)
		}
		payload := make([]byte, len(c.Data))
		copy(payload, c.Data)
		chunks = append(chunks, Chunk{Hash: blake3.Sum256(payload), Data: payload})
	}
	return chunks, nil
}

// averageBitsFor returns the smallest power-of-two bit count whose implied
// average chunk size is at least the requested average.
func averageBitsFor(avg int) int {
	bits := 0
	for (1 << uint(bits)) < avg {
		bits++
	}
	return bits
}

// RefsFor builds the ordered Ref list for a sequence of chunks, tracking
// cumulative offsets.
func RefsFor(chunks []Chunk) []Ref {
	refs := make([]Ref, len(chunks))
	var offset uint64
	for i, c := range chunks {
		refs[i] = Ref{Hash: c.Hash, Offset: offset, Length: uint32(len(c.Data))}
		offset += uint64(len(c.Data))
	}
	return refs
}

// Diff returns the subset of chunks whose hash is absent from known.
func Diff(chunks []Chunk, known map[Hash]bool) []Chunk {
	var fresh []Chunk
	for _, c := range chunks {
		if !known[c.Hash] {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

// ErrChunkNotFound is returned by Store.Get when a referenced chunk is
// missing — the reconstruction-time NotFound(chunk_hash) error.
type ErrChunkNotFound struct{ Hash Hash }

func (e *ErrChunkNotFound) Error() string {
	return fmt.Sprintf("chunk not found: %s", e.Hash)
}

// Store is a content-addressed directory of chunks, named by the lowercase
// hex encoding of their hash, as required by the ChunkStore persistent
// layout.
type Store struct {
	mu      sync.RWMutex
	baseDir string
}

// NewStore opens (creating if necessary) a chunk store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk store dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) path(h Hash) string {
	hex := h.String()
	// Two-level fan-out to keep any one directory from growing unbounded.
	return filepath.Join(s.baseDir, hex[:2], hex)
}

// Put writes a chunk's data verbatim under its content hash.
func (s *Store) Put(c Chunk) error {
	return s.PutRaw(c.Hash, c.Data)
}

// PutRaw writes data under hash h if not already present. The stored bytes
// may be an encoded form of the hashed content (the hash always names the
// decoded content). Existing chunks are assumed immutable and are not
// rewritten (content-addressed storage is safe for concurrent readers;
// writers only ever append new content).
func (s *Store) PutRaw(h Hash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.path(h)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return os.Rename(tmp, p)
}

// Get fetches a chunk's bytes by hash.
func (s *Store) Get(h Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrChunkNotFound{Hash: h}
		}
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	return data, nil
}

// Has reports whether a chunk is already stored.
func (s *Store) Has(h Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.path(h))
	return err == nil
}

// Sweep deletes every stored chunk whose hash is absent from keep,
// returning the number removed.
func (s *Store) Sweep(keep map[Hash]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("list chunk store: %w", err)
	}
	removed := 0
	for _, dir := range entries {
		if !dir.IsDir() {
			continue
		}
		sub := filepath.Join(s.baseDir, dir.Name())
		files, err := os.ReadDir(sub)
		if err != nil {
			return removed, fmt.Errorf("list chunk dir: %w", err)
		}
		for _, f := range files {
			h, err := ParseHash(f.Name())
			if err != nil {
				continue // tmp file or stray entry
			}
			if keep[h] {
				continue
			}
			if err := os.Remove(filepath.Join(sub, f.Name())); err != nil {
				return removed, fmt.Errorf("remove chunk: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

// Reconstruct fetches every referenced chunk in order and concatenates
// them into the original serialized blob.
func (s *Store) Reconstruct(refs []Ref) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range refs {
		data, err := s.Get(r.Hash)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}
