package ctxwindow

import (
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
)

// Entry is one message in a ConversationContext: a schema.Message plus
// its cached token count and arrival timestamp, fields the data model
// names but eino's Message doesn't carry.
type Entry struct {
	Message    *schema.Message
	TokenCount int
	Timestamp  time.Time
}

// ConversationContext is an ordered sequence of Entry plus a cached total
// token count, mutated only through a Manager (never shared across
// loops).
type ConversationContext struct {
	mu      sync.Mutex
	entries []Entry
	total   int
}

// NewConversationContext creates an empty context.
func NewConversationContext() *ConversationContext {
	return &ConversationContext{}
}

// append adds an entry in strict wall-clock order and updates the cached
// total, per concurrency invariant 2 (messages never reordered).
func (c *ConversationContext) append(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	c.total += e.TokenCount
}

// Entries returns a snapshot copy of the current entries.
func (c *ConversationContext) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// TotalTokens returns the cached total token count.
func (c *ConversationContext) TotalTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// replace atomically swaps the entry sequence (used after compression)
// and recomputes the cached total.
func (c *ConversationContext) replace(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, e := range entries {
		total += e.TokenCount
	}
	c.entries = entries
	c.total = total
}
