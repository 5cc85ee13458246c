package ctxwindow

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"
)

// SummarizeFunc performs a non-streaming LLM call that reduces the given
// entries to a single prose summary. It is the external collaborator the
// Hierarchical strategy uses to synthesize chunk summaries.
type SummarizeFunc func(ctx context.Context, entries []Entry) (string, error)

// Strategy reduces entries to fit within budget tokens. It returns the
// replacement entry sequence; callers recompute whether the budget is now
// satisfied.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, entries []Entry, budget int, est *Estimator) ([]Entry, error)
}

// SlidingWindow keeps only the last WindowSize entries.
type SlidingWindow struct {
	WindowSize int
}

func (s SlidingWindow) Name() string { return "sliding_window" }

func (s SlidingWindow) Apply(_ context.Context, entries []Entry, _ int, _ *Estimator) ([]Entry, error) {
	if s.WindowSize <= 0 || len(entries) <= s.WindowSize {
		return entries, nil
	}
	return append([]Entry(nil), entries[len(entries)-s.WindowSize:]...), nil
}

// Hierarchical groups all but the newest SummaryInterval-sized chunk of
// older messages and replaces each completed chunk with a single System
// summary message synthesized by Summarize. The newest chunk (which may
// be partial) is left untouched.
type Hierarchical struct {
	SummaryInterval int
	Summarize       SummarizeFunc
}

func (h Hierarchical) Name() string { return "hierarchical" }

func (h Hierarchical) Apply(ctx context.Context, entries []Entry, _ int, est *Estimator) ([]Entry, error) {
	if h.SummaryInterval <= 0 || h.Summarize == nil {
		return entries, nil
	}

	// A leading system prompt is pinned and never folded into a summary
	// chunk: it anchors every subsequent LLM call.
	var pinned *Entry
	rest := entries
	if len(entries) > 0 && entries[0].Message.Role == schema.System {
		pinned = &entries[0]
		rest = entries[1:]
	}

	if len(rest) <= h.SummaryInterval {
		return entries, nil
	}

	// Every full chunk except the last (newest) one gets summarized.
	fullChunks := (len(rest) - 1) / h.SummaryInterval // chunks strictly before the tail
	if fullChunks == 0 {
		return entries, nil
	}

	var out []Entry
	if pinned != nil {
		out = append(out, *pinned)
	}
	for i := 0; i < fullChunks; i++ {
		chunk := rest[i*h.SummaryInterval : (i+1)*h.SummaryInterval]
		summary, err := h.Summarize(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("hierarchical summarize chunk %d: %w", i, err)
		}
		latest := chunk[len(chunk)-1].Timestamp
		out = append(out, Entry{
			Message:    &schema.Message{Role: schema.System, Content: summary},
			TokenCount: est.Estimate(summary) + 20,
			Timestamp:  latest,
		})
	}
	out = append(out, rest[fullChunks*h.SummaryInterval:]...)
	return out, nil
}

// roleWeight is the per-role factor in Selective's importance score.
func roleWeight(role schema.RoleType) float64 {
	switch role {
	case schema.System:
		return 1.0
	case schema.User:
		return 0.8
	case schema.Assistant:
		return 0.6
	default:
		return 0.5
	}
}

// Selective scores each entry by 0.7*role_weight + 0.3*normalized_length
// and keeps those scoring at or above ImportanceThreshold. Length is
// normalized against the longest entry in the set.
type Selective struct {
	ImportanceThreshold float64
}

func (s Selective) Name() string { return "selective" }

func (s Selective) Apply(_ context.Context, entries []Entry, _ int, _ *Estimator) ([]Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	maxLen := 1
	for _, e := range entries {
		if n := len(e.Message.Content); n > maxLen {
			maxLen = n
		}
	}

	var out []Entry
	best, bestScore := 0, -1.0
	for i, e := range entries {
		normalizedLen := float64(len(e.Message.Content)) / float64(maxLen)
		score := 0.7*roleWeight(e.Message.Role) + 0.3*normalizedLen
		if score >= s.ImportanceThreshold {
			out = append(out, e)
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if len(out) == 0 {
		// Never discard everything: keep the single highest-scoring entry.
		return entries[best : best+1], nil
	}
	return out, nil
}

// Hybrid applies A, then B only if the result is still above 80% of
// budget.
type Hybrid struct {
	A, B Strategy
}

func (h Hybrid) Name() string { return "hybrid(" + h.A.Name() + "," + h.B.Name() + ")" }

func (h Hybrid) Apply(ctx context.Context, entries []Entry, budget int, est *Estimator) ([]Entry, error) {
	afterA, err := h.A.Apply(ctx, entries, budget, est)
	if err != nil {
		return nil, err
	}
	if tokensOf(afterA) <= int(0.8*float64(budget)) {
		return afterA, nil
	}
	return h.B.Apply(ctx, afterA, budget, est)
}

func tokensOf(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += e.TokenCount
	}
	return total
}
