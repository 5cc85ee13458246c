// Package ctxwindow implements the context window manager: a token-budget
// guard over a ConversationContext with pluggable compression strategies
// (sliding window, hierarchical summarization, selective pruning, and
// hybrid chains of the above).
package ctxwindow

import (
	"hash/fnv"
	"strings"
	"sync"
)

// RealTokenizer counts tokens exactly for a piece of content. Returning
// ok=false falls back to the heuristic estimator.
type RealTokenizer func(content string) (tokens int, ok bool)

// Estimator produces token counts, preferring a real tokenizer when one is
// configured and falling back to a length heuristic otherwise. Estimates
// are cached by a 64-bit content hash; the cache is bounded and cleared
// outright rather than LRU-evicted when full.
type Estimator struct {
	mu       sync.Mutex
	cache    map[uint64]int
	maxCache int
	real     RealTokenizer
}

// NewEstimator creates an Estimator. real may be nil to always use the
// heuristic fallback. maxCache defaults to 4096 entries if <= 0.
func NewEstimator(real RealTokenizer, maxCache int) *Estimator {
	if maxCache <= 0 {
		maxCache = 4096
	}
	return &Estimator{cache: make(map[uint64]int), maxCache: maxCache, real: real}
}

// Estimate returns the token count for content.
func (e *Estimator) Estimate(content string) int {
	h := hashContent(content)

	e.mu.Lock()
	if n, ok := e.cache[h]; ok {
		e.mu.Unlock()
		return n
	}
	e.mu.Unlock()

	n := e.compute(content)

	e.mu.Lock()
	if len(e.cache) >= e.maxCache {
		e.cache = make(map[uint64]int)
	}
	e.cache[h] = n
	e.mu.Unlock()

	return n
}

func (e *Estimator) compute(content string) int {
	if e.real != nil {
		if n, ok := e.real(content); ok {
			return n
		}
	}
	return fallbackEstimate(content)
}

// fallbackEstimate implements the heuristic when no real tokenizer is
// available: max(1, len/4) for prose, max(1, len/3) for code-like content
// detected by the presence of '{' or ';'.
func fallbackEstimate(s string) int {
	divisor := 4
	if strings.ContainsAny(s, "{;") {
		divisor = 3
	}
	n := len(s) / divisor
	if n < 1 {
		n = 1
	}
	return n
}

func hashContent(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
