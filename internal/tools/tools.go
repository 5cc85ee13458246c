// Package tools defines the contract between the execution loop and its
// external tool executor, plus a fingerprint cache for idempotent tools.
// Tool implementations live outside this module; the loop only ever sees
// this interface.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Error is a tool-side failure. Recoverable errors may be retried by the
// caller; non-recoverable ones fail the task.
type Error struct {
	Tool        string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Executor runs tool calls. Implementations must surface context
// cancellation promptly and are expected to validate argument schemas
// themselves.
type Executor interface {
	Execute(ctx context.Context, call Call) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

// cacheableTools is the allowlist of operations that are idempotent and
// side-effect-free, so their results may be served by request fingerprint.
var cacheableTools = map[string]bool{
	"file_read":      true,
	"directory_tree": true,
	"git_status":     true,
	"git_diff":       true,
	"grep_search":    true,
	"glob_find":      true,
	"symbol_search":  true,
}

// AllowCacheable extends the idempotent-tool allowlist. Only add
// operations that are provably idempotent and side-effect-free.
func AllowCacheable(name string) {
	cacheableTools[name] = true
}

// Cacheable reports whether a tool's results may be cached by fingerprint.
func Cacheable(name string) bool { return cacheableTools[name] }

// CachingExecutor wraps an Executor with a bounded result cache keyed by
// the fingerprint of (tool name, args) for allowlisted tools. When the
// cache fills it is cleared outright.
type CachingExecutor struct {
	inner    Executor
	maxItems int

	mu    sync.Mutex
	cache map[uint64]json.RawMessage
}

// NewCachingExecutor wraps inner; maxItems <= 0 uses a default bound.
func NewCachingExecutor(inner Executor, maxItems int) *CachingExecutor {
	if maxItems <= 0 {
		maxItems = 1024
	}
	return &CachingExecutor{
		inner:    inner,
		maxItems: maxItems,
		cache:    make(map[uint64]json.RawMessage),
	}
}

func fingerprint(call Call) uint64 {
	h := fnv.New64a()
	h.Write([]byte(call.Name))
	h.Write([]byte{0})
	h.Write(call.Args)
	return h.Sum64()
}

func (c *CachingExecutor) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	if !Cacheable(call.Name) {
		return c.inner.Execute(ctx, call)
	}

	key := fingerprint(call)
	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	out, err := c.inner.Execute(ctx, call)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.cache) >= c.maxItems {
		c.cache = make(map[uint64]json.RawMessage)
	}
	c.cache[key] = out
	c.mu.Unlock()
	return out, nil
}
