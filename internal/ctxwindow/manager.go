package ctxwindow

import (
	"context"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/schema"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MaxTokens int
	Strategy  Strategy // applied by CompressIfNeeded; nil disables strategy-based compression (hard truncation only)
	Estimator *Estimator
}

// Manager keeps a ConversationContext within a token budget, applying the
// configured Strategy and, as a last resort, hard truncation. Exposes
// AddMessage, CompressIfNeeded, and BuildPrompt.
type Manager struct {
	maxTokens int
	strategy  Strategy
	est       *Estimator
	ctx       *ConversationContext
}

// NewManager creates a Manager over a fresh ConversationContext.
func NewManager(cfg ManagerConfig) *Manager {
	est := cfg.Estimator
	if est == nil {
		est = NewEstimator(nil, 0)
	}
	return &Manager{
		maxTokens: cfg.MaxTokens,
		strategy:  cfg.Strategy,
		est:       est,
		ctx:       NewConversationContext(),
	}
}

// Context returns the underlying ConversationContext.
func (m *Manager) Context() *ConversationContext { return m.ctx }

// AddMessage appends a message, estimating its token count and stamping
// the current time.
func (m *Manager) AddMessage(role schema.RoleType, content string) {
	msg := &schema.Message{Role: role, Content: content}
	m.ctx.append(Entry{
		Message:    msg,
		TokenCount: m.est.Estimate(content),
		Timestamp:  time.Now(),
	})
}

// needsCompression reports whether the context exceeds 90% of budget.
func (m *Manager) needsCompression() bool {
	if m.maxTokens <= 0 {
		return false
	}
	return m.ctx.TotalTokens() > int(0.9*float64(m.maxTokens))
}

// CompressIfNeeded runs the configured Strategy when the context exceeds
// 90% of budget. After a successful run the context is at or below 80% of
// budget; otherwise hard truncation drops the oldest entries until it is,
// so callers can rely on the post-compression bound unless the single
// newest entry alone exceeds it (hard truncation always keeps that entry).
func (m *Manager) CompressIfNeeded(ctx context.Context) error {
	if !m.needsCompression() {
		return nil
	}

	before := m.ctx.TotalTokens()
	entries := m.ctx.Entries()

	if m.strategy != nil {
		compressed, err := m.strategy.Apply(ctx, entries, m.maxTokens, m.est)
		if err != nil {
			slog.Warn("context compression strategy failed, falling back to truncation", "strategy", m.strategy.Name(), "error", err)
		} else {
			entries = compressed
		}
	}

	if tokensOf(entries) > int(0.8*float64(m.maxTokens)) {
		entries = hardTruncate(entries, int(0.8*float64(m.maxTokens)))
	}

	m.ctx.replace(entries)

	slog.Info("context compression applied",
		"before_tokens", before,
		"after_tokens", m.ctx.TotalTokens(),
		"max_tokens", m.maxTokens,
	)
	return nil
}

// hardTruncate drops the oldest entries until the remainder fits within
// budget, always preserving at least the single newest entry.
func hardTruncate(entries []Entry, budget int) []Entry {
	total := tokensOf(entries)
	start := 0
	for total > budget && start < len(entries)-1 {
		total -= entries[start].TokenCount
		start++
	}
	return append([]Entry(nil), entries[start:]...)
}

// BuildPrompt renders the current context as an ordered message slice
// suitable for an LLMEngine call.
func (m *Manager) BuildPrompt() []*schema.Message {
	entries := m.ctx.Entries()
	out := make([]*schema.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
