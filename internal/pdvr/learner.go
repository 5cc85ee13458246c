package pdvr

import (
	"context"
	"fmt"
	"math"

	"github.com/dohr-michael/ozzie/internal/storage/episodic"
)

// PerformanceSnapshot freezes the learner-relevant metrics at one point in
// time so two snapshots can be compared.
type PerformanceSnapshot struct {
	SuccessRate       float64
	VerificationRate  float64
	AvgIterations     float64
	RecoveryRate      float64
	AvgTokensPerTask  float64
}

// Snapshot captures a PerformanceSnapshot from the current metrics.
func (m Metrics) Snapshot() PerformanceSnapshot {
	total := m.SuccessCount + m.FailureCount
	var recovery, avgTokens float64
	if total > 0 {
		recovery = float64(m.RecoveredFromErrors) / float64(total)
		avgTokens = float64(m.TotalTokens) / float64(total)
	}
	return PerformanceSnapshot{
		SuccessRate:      m.SuccessRate(),
		VerificationRate: m.VerificationRate(),
		AvgIterations:    m.AvgIterationsPerTask(),
		RecoveryRate:     recovery,
		AvgTokensPerTask: avgTokens,
	}
}

// deltaWeights are the fixed weights of the effectiveness formula:
// success, verification, iterations (inverted), recovery, tokens
// (inverted).
var deltaWeights = [5]float64{0.3, 0.2, 0.2, 0.15, 0.15}

// normalizeDeltaScale bounds the squashing of the unbounded iteration and
// token deltas; see normalized.
const normalizeDeltaScale = 10.0

// normalized squashes an unbounded delta into (-1, 1) via x/(|x|+k). No
// historical range is available a priori, so min-max scaling is not an
// option here.
func normalized(x float64) float64 {
	return x / (math.Abs(x) + normalizeDeltaScale)
}

// EffectivenessDelta compares two PerformanceSnapshots as a weighted
// scalar; positive values indicate the after snapshot improved on the
// before one. Iteration and token deltas are inverted (fewer is better)
// and squashed through normalized before weighting.
func EffectivenessDelta(before, after PerformanceSnapshot) float64 {
	return deltaWeights[0]*(after.SuccessRate-before.SuccessRate) +
		deltaWeights[1]*(after.VerificationRate-before.VerificationRate) +
		deltaWeights[2]*normalized(before.AvgIterations-after.AvgIterations) +
		deltaWeights[3]*(after.RecoveryRate-before.RecoveryRate) +
		deltaWeights[4]*normalized(before.AvgTokensPerTask-after.AvgTokensPerTask)
}

// ToolHintThreshold is the minimum context-specific success rate a tool
// must reach before its hint is injected into working memory.
const ToolHintThreshold = 0.7

// topToolHint returns a working-memory hint line for the best-scoring tool
// in the recent episodic window, or "" when no tool clears the threshold.
func topToolHint(ctx context.Context, store *episodic.Store, window int) string {
	if store == nil {
		return ""
	}
	stats, err := store.ToolSuccessRates(ctx, window)
	if err != nil || len(stats) == 0 {
		return ""
	}
	best := stats[0]
	for _, s := range stats[1:] {
		if s.SuccessRate > best.SuccessRate {
			best = s
		}
	}
	if best.SuccessRate < ToolHintThreshold {
		return ""
	}
	return fmt.Sprintf("hint: %q has been effective recently (success rate %.2f)", best.Context, best.SuccessRate)
}
