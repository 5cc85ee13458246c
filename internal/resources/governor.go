// Package resources implements the adaptive resource governor: quota
// enforcement across GPU memory, concurrent inference requests, queued
// tasks, and context tokens, with a priority queue and preemption of
// lower-priority in-flight work under pressure.
package resources

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/ozzie/internal/tasks"
)

// Pressure classifies observed system load, driving adaptive quota scaling.
type Pressure int

const (
	PressureNone Pressure = iota
	PressureMedium
	PressureHigh
	PressureCritical
)

func (p Pressure) String() string {
	switch p {
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "none"
	}
}

// classifyPressure maps the worst of three utilization ratios (in [0,1])
// onto a Pressure level: <0.70 None, 0.70-0.85 Medium, 0.85-0.95 High,
// >=0.95 Critical.
func classifyPressure(worst float64) Pressure {
	switch {
	case worst >= 0.95:
		return PressureCritical
	case worst >= 0.85:
		return PressureHigh
	case worst >= 0.70:
		return PressureMedium
	default:
		return PressureNone
	}
}

// Sample is one reading of the three pressure inputs, each a utilization
// ratio in [0,1].
type Sample struct {
	GPUUtilization    float64
	MemoryUtilization float64
	DiskUtilization   float64
}

func (s Sample) worst() float64 {
	w := s.MemoryUtilization
	if s.GPUUtilization > w {
		w = s.GPUUtilization
	}
	if s.DiskUtilization > w {
		w = s.DiskUtilization
	}
	return w
}

// Sampler is the external collaborator that reports current system
// utilization. A failing GPU sample degrades gracefully: the governor
// treats it as High pressure until the next successful sample rather than
// failing the read outright.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Quotas are the concurrency and token limits enforced by the governor.
type Quotas struct {
	MaxConcurrentRequests int
	MaxContextTokens      int
	MaxQueuedTasks        int
	MaxCheckpointSize     int64
}

// Floor is the minimum a quota may be scaled down to, regardless of
// pressure; scaled quotas never drop below the floor.
type Floor struct {
	MinConcurrentRequests int
	MinContextTokens      int
	MinQueuedTasks        int
	MinCheckpointSize     int64
}

// DefaultFloor is the minimum each quota may be scaled down to.
func DefaultFloor() Floor {
	return Floor{MinConcurrentRequests: 1, MinContextTokens: 8192, MinQueuedTasks: 1, MinCheckpointSize: 1 << 20}
}

// adapt computes current quotas from base quotas scaled by pressure,
// by pressure level: None unscaled, Medium halved,
// High quartered (concurrency floored at 1), Critical pinned to
// {1 concurrent request, 8192 context tokens}. The queued-task and
// checkpoint-size quotas are halved at Medium and quartered at both High
// and Critical, and never fall below floor.
func adapt(base Quotas, pressure Pressure, floor Floor) Quotas {
	switch pressure {
	case PressureNone:
		return base
	case PressureCritical:
		return Quotas{
			MaxConcurrentRequests: 1,
			MaxContextTokens:      8192,
			MaxQueuedTasks:        maxInt(floor.MinQueuedTasks, base.MaxQueuedTasks/4),
			MaxCheckpointSize:     maxInt64(floor.MinCheckpointSize, base.MaxCheckpointSize/4),
		}
	}
	divisor := 2
	if pressure == PressureHigh {
		divisor = 4
	}
	return Quotas{
		MaxConcurrentRequests: maxInt(floor.MinConcurrentRequests, base.MaxConcurrentRequests/divisor),
		MaxContextTokens:      maxInt(floor.MinContextTokens, base.MaxContextTokens/divisor),
		MaxQueuedTasks:        maxInt(floor.MinQueuedTasks, base.MaxQueuedTasks/divisor),
		MaxCheckpointSize:     maxInt64(floor.MinCheckpointSize, base.MaxCheckpointSize/int64(divisor)),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Request is a single InferenceRequest competing for a governor slot.
type Request struct {
	ID              string
	Priority        tasks.TaskPriority
	Deadline        *time.Time
	EstimatedTokens int
	SubmittedAt     time.Time
}

// QuotaExceeded is returned by Acquire when no slot is available and no
// preemption was possible.
type QuotaExceeded struct {
	Resource string
	Used     int
	Limit    int
}

func (e *QuotaExceeded) Error() string {
	return fmt.Sprintf("quota exceeded: %s used=%d limit=%d", e.Resource, e.Used, e.Limit)
}

// Lease represents a held governor slot. PreemptCh closes if a
// higher-priority request preempts this one; the holder must then
// release cooperatively and resubmit.
type Lease struct {
	id        string
	req       *Request
	PreemptCh <-chan struct{}
}

// Request returns the preempted request so the caller can resubmit it,
// the governor never discards a preempted request's work.
func (l *Lease) Request() *Request { return l.req }

type inflight struct {
	req       *Request
	preemptCh chan struct{}
}

// queueClass buckets a priority into the three FIFO sub-queues:
// {Critical,High}→high, {Normal}→normal, {Low,Background}→low.
type queueClass int

const (
	classHigh queueClass = iota
	classNormal
	classLow
)

func classify(p tasks.TaskPriority) queueClass {
	switch p.Rank() {
	case 0, 1:
		return classHigh
	case 2:
		return classNormal
	default:
		return classLow
	}
}

// Governor enforces adaptive quotas and orders pending requests by
// priority with preemption. All capacity checks and reservations happen
// under a single mutex critical section (invariant 5): there is no
// separate check-then-increment step for a caller to race against.
type Governor struct {
	mu        sync.Mutex
	base      Quotas
	floor     Floor
	pressure  Pressure
	current   Quotas
	inProgress map[string]*inflight

	queues [3]*list.List // indexed by queueClass

	lastSampleOK bool
}

// New creates a Governor with the given base quotas, initially under no
// pressure.
func New(base Quotas, floor Floor) *Governor {
	g := &Governor{
		base:       base,
		floor:      floor,
		pressure:   PressureNone,
		current:    base,
		inProgress: make(map[string]*inflight),
		lastSampleOK: true,
	}
	for i := range g.queues {
		g.queues[i] = list.New()
	}
	return g
}

// CurrentQuotas returns the quotas presently in effect.
func (g *Governor) CurrentQuotas() Quotas {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Pressure returns the presently classified pressure level.
func (g *Governor) Pressure() Pressure {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pressure
}

// InProgressCount returns the number of currently held slots.
func (g *Governor) InProgressCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inProgress)
}

// observe recomputes current quotas from a fresh pressure reading.
// Caller must hold g.mu.
func (g *Governor) observe(p Pressure) {
	if p != g.pressure {
		slog.Info("resource pressure changed", "from", g.pressure, "to", p)
	}
	g.pressure = p
	g.current = adapt(g.base, p, g.floor)
}

// Enqueue adds a request to its priority's FIFO sub-queue. Returns
// QuotaExceeded if the queue is at MaxQueuedTasks capacity.
func (g *Governor) Enqueue(req *Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := 0
	for _, q := range g.queues {
		total += q.Len()
	}
	if total >= g.current.MaxQueuedTasks {
		return &QuotaExceeded{Resource: "queued_tasks", Used: total, Limit: g.current.MaxQueuedTasks}
	}
	g.queues[classify(req.Priority)].PushBack(req)
	return nil
}

// Next pops the next request to dispatch: first any request whose
// deadline has passed in the high or normal queue, then high, then
// normal, then low.
func (g *Governor) Next() *Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for _, class := range []queueClass{classHigh, classNormal} {
		if req := popExpired(g.queues[class], now); req != nil {
			return req
		}
	}
	for _, class := range []queueClass{classHigh, classNormal, classLow} {
		if e := g.queues[class].Front(); e != nil {
			g.queues[class].Remove(e)
			return e.Value.(*Request)
		}
	}
	return nil
}

func popExpired(q *list.List, now time.Time) *Request {
	for e := q.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if req.Deadline != nil && now.After(*req.Deadline) {
			q.Remove(e)
			return req
		}
	}
	return nil
}

// Acquire reserves a concurrency slot for req as a single atomic
// critical section: the capacity check and the in_progress increment
// happen under one mutex hold, so invariant 5 (no TOCTOU) holds
// strictly. If at capacity, a Critical-priority req may preempt the
// lowest-priority in-flight request (the victim's Lease.PreemptCh
// closes and its Request is returned for resubmission); otherwise
// QuotaExceeded is returned.
func (g *Governor) Acquire(req *Request) (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.inProgress) >= g.current.MaxConcurrentRequests {
		victim := g.findPreemptableLocked(req.Priority)
		if victim == nil {
			return nil, &QuotaExceeded{
				Resource: "concurrent_requests",
				Used:     len(g.inProgress),
				Limit:    g.current.MaxConcurrentRequests,
			}
		}
		g.preemptLocked(victim)
	}

	lease := &inflight{req: req, preemptCh: make(chan struct{})}
	g.inProgress[req.ID] = lease
	return &Lease{id: req.ID, req: req, PreemptCh: lease.preemptCh}, nil
}

// findPreemptableLocked returns the in-flight request of lowest priority
// strictly below by, or nil if none qualifies. Caller holds g.mu.
func (g *Governor) findPreemptableLocked(by tasks.TaskPriority) *inflight {
	if by.Rank() != 0 {
		return nil // only Critical preempts
	}
	var worst *inflight
	worstRank := -1
	for _, inf := range g.inProgress {
		if inf.req.Priority.Rank() <= by.Rank() {
			continue // not strictly lower priority
		}
		if inf.req.Priority.Rank() > worstRank {
			worstRank = inf.req.Priority.Rank()
			worst = inf
		}
	}
	return worst
}

// preemptLocked evicts the victim's slot and signals its Lease so the
// holder can cooperatively stop and resubmit. Caller holds g.mu.
func (g *Governor) preemptLocked(victim *inflight) {
	slog.Info("preempting in-flight request", "victim", victim.req.ID, "priority", victim.req.Priority)
	delete(g.inProgress, victim.req.ID)
	close(victim.preemptCh)
}

// Release frees a held slot. Decrement and any counter bookkeeping share
// the same critical section as Acquire's increment.
func (g *Governor) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inProgress, id)
}

// SampleLoop periodically samples the Sampler and updates quotas until
// ctx is cancelled. A sample error degrades pressure to High rather than
// failing outright.
func (g *Governor) SampleLoop(ctx context.Context, sampler Sampler, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sampleOnce(ctx, sampler)
		}
	}
}

func (g *Governor) sampleOnce(ctx context.Context, sampler Sampler) {
	s, err := sampler.Sample(ctx)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		slog.Warn("resource sample failed, degrading to high pressure", "error", err)
		g.lastSampleOK = false
		g.observe(PressureHigh)
		return
	}
	g.lastSampleOK = true
	g.observe(classifyPressure(s.worst()))
}
