package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	einoCallbacks "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/schema"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/ozzie/internal/backoff"
	ozzieCallbacks "github.com/dohr-michael/ozzie/internal/callbacks"
	"github.com/dohr-michael/ozzie/internal/checkpoint"
	"github.com/dohr-michael/ozzie/internal/config"
	"github.com/dohr-michael/ozzie/internal/ctxwindow"
	"github.com/dohr-michael/ozzie/internal/errs"
	"github.com/dohr-michael/ozzie/internal/events"
	"github.com/dohr-michael/ozzie/internal/gateway"
	"github.com/dohr-michael/ozzie/internal/heartbeat"
	"github.com/dohr-michael/ozzie/internal/llmadapter"
	"github.com/dohr-michael/ozzie/internal/models"
	"github.com/dohr-michael/ozzie/internal/pdvr"
	"github.com/dohr-michael/ozzie/internal/resources"
	"github.com/dohr-michael/ozzie/internal/storage/episodic"
	"github.com/dohr-michael/ozzie/internal/supervision"
	"github.com/dohr-michael/ozzie/internal/tasks"
	"github.com/dohr-michael/ozzie/internal/tools"
)

// NewRunCommand returns the run subcommand: the autonomous Plan-Do-Verify-
// Reflect execution loop.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the autonomous execution loop",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "model",
				Usage: "Model name to use (default: configured default model)",
			},
			&cli.StringFlag{
				Name:  "goal",
				Usage: "Session goal recorded in session info and checkpoints",
			},
		},
		Action: runExecutionLoop,
	}
}

func resolveLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runExecutionLoop(_ context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}

	logLevel := resolveLogLevel(cfg.Events.LogLevel)
	if cmd.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	session := pdvr.NewSessionInfo(cmd.String("goal"))
	slog.Info("session starting", "session_id", session.ID, "goal", session.CurrentGoal)

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	cbHandler := ozzieCallbacks.NewEventBusHandler(bus, events.SourceAgent)
	einoCallbacks.AppendGlobalHandlers(cbHandler)

	bus.Publish(events.NewEventWithSession(events.EventSessionCreated, events.SourceSupervisor,
		map[string]any{"goal": session.CurrentGoal}, session.ID))

	registry := models.NewRegistry(cfg.Models)

	tasksDir := filepath.Join(config.OzziePath(), "tasks")
	taskStore := tasks.NewFileStore(tasksDir)

	if recovered, recoverErr := tasks.RecoverTasks(taskStore); recoverErr != nil {
		slog.Warn("task recovery", "error", recoverErr)
	} else if recovered > 0 {
		slog.Info("recovered interrupted tasks", "count", recovered)
	}

	hbPath := filepath.Join(config.OzziePath(), "heartbeat.json")
	hbWriter := heartbeat.NewWriter(hbPath)
	hbWriter.Start()
	defer hbWriter.Stop()

	checkpointDir := filepath.Join(config.OzziePath(), "checkpoints")
	cpEngine, err := checkpoint.Open(checkpointDir, checkpointLevels(cfg.Checkpoint), checkpointCodec(cfg.Checkpoint))
	if err != nil {
		return fmt.Errorf("open checkpoint engine: %w", err)
	}
	defer cpEngine.Close()

	state := pdvr.NewAgentState(0, 0)

	if cpEngine.NeedsRecovery() {
		slog.Warn("previous run exited ungracefully; recovering latest checkpoint", "session_id", session.ID)
		var blob []byte
		recErr := supervision.Retry(ctx, supervision.RetryConfig{
			MaxAttempts: 3,
			Backoff:     backoff.Default().Duration,
		}, func(ctx context.Context) error {
			var err error
			blob, err = cpEngine.Recover("")
			return err
		})
		if recErr != nil {
			slog.Error("checkpoint recovery failed", "error", recErr)
		} else {
			restoreAgentState(state, blob)
		}
	}

	// Seed the queue with persisted pending tasks; a recovered checkpoint
	// may already hold some of them.
	if pending, listErr := taskStore.List(tasks.ListFilter{Status: tasks.TaskPending}); listErr != nil {
		slog.Warn("list pending tasks", "error", listErr)
	} else {
		queued := state.PendingIDs()
		for _, t := range pending {
			if !queued[t.ID] {
				state.Enqueue(t)
			}
		}
	}

	episodicStore, err := episodic.Open(filepath.Join(config.OzziePath(), "episodic.db"))
	if err != nil {
		return fmt.Errorf("open episodic store: %w", err)
	}
	defer episodicStore.Close()

	governor := resources.New(resourceQuotas(cfg.Resources), resources.DefaultFloor())
	sampler := &resources.HostSampler{DiskPath: checkpointDir}

	engine := llmadapter.NewEinoEngine(registry, cmd.String("model"))

	window := ctxwindow.NewManager(ctxwindow.ManagerConfig{
		MaxTokens: cfg.LLM.MaxTokens,
		Strategy:  contextStrategy(cfg.LLM, engine),
	})

	// Tool implementations are external collaborators; embedders inject an
	// Executor here. Tasks whose responses request tool calls fail cleanly
	// without one.
	var toolExec tools.Executor
	executor := pdvr.NewInferenceExecutor(engine, toolExec, taskStore)
	executor.Breaker = supervision.NewCircuitBreaker(supervision.CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 1,
	}, nil)

	loop := pdvr.NewLoop(pdvr.LoopConfig{
		State:       state,
		Governor:    governor,
		Checkpoints: cpEngine,
		Episodic:    episodicStore,
		Executor:    executor,
		Engine:      engine,
		Bus:         bus,
		Window:      window,
		Escalate: func(reason string) {
			slog.Error("execution loop escalation",
				"session_id", session.ID,
				"iteration", state.Iteration(),
				"reason", reason,
				"nearest_checkpoint", cpEngine.LatestCheckpointID(),
			)
			stop()
		},
	})

	monitor := supervision.NewMonitor([]supervision.HealthCheck{
		supervision.NewHeartbeatCheck("agent-heartbeat", fileBeat{path: hbPath}, 90*time.Second, nil),
		&supervision.ThresholdCheck{
			CheckName: "memory",
			Sample: func(ctx context.Context) (float64, error) {
				s, err := sampler.Sample(ctx)
				return s.MemoryUtilization, err
			},
			DegradedAbove:     cfg.Resources.MemoryCritical,
			UnhealthyAbove:    cfg.Resources.MemoryEmergency,
			UnhealthySeverity: supervision.SeverityCritical,
		},
		&supervision.ThresholdCheck{
			CheckName: "disk",
			Sample: func(ctx context.Context) (float64, error) {
				s, err := sampler.Sample(ctx)
				return s.DiskUtilization, err
			},
			DegradedAbove:     cfg.Resources.DiskMax,
			UnhealthyAbove:    0.95,
			UnhealthySeverity: supervision.SeverityCritical,
		},
	}, 30*time.Second)

	healthServer := gateway.NewServer(monitor, cfg.Gateway.Host, cfg.Gateway.Port)

	policy := restartPolicy(cfg.Supervision)
	sup := supervision.NewSupervisor(supervision.OneForOne, nil)
	sup.OnMaxRestarts(func(child string, err error) {
		slog.Error("supervisor escalation",
			"session_id", session.ID,
			"child", child,
			"iteration", state.Iteration(),
			"kind", errs.KindSupervisionMaxRestart,
			"nearest_checkpoint", cpEngine.LatestCheckpointID(),
			"error", err,
		)
		stop()
	})

	snapshot := func() []byte { return agentStateSnapshot(session, state) }

	sup.Add(supervision.ChildSpec{
		Child: supervision.ChildFunc{ChildName: "execution-loop", Fn: func(ctx context.Context) error {
			// Carrying the session id lets the callbacks bridge stamp LLM
			// and tool events with it.
			ctx = events.ContextWithSessionID(ctx, session.ID)
			if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		}},
		Policy: policy,
	})
	sup.Add(supervision.ChildSpec{
		Child: supervision.ChildFunc{ChildName: "checkpoint-scheduler", Fn: func(ctx context.Context) error {
			cpEngine.SchedulerLoop(ctx, snapshot)
			return nil
		}},
		Policy: policy,
	})
	sup.Add(supervision.ChildSpec{
		Child: supervision.ChildFunc{ChildName: "resource-sampler", Fn: func(ctx context.Context) error {
			governor.SampleLoop(ctx, sampler, 2*time.Second)
			return nil
		}},
		Policy: policy,
	})
	sup.Add(supervision.ChildSpec{
		Child: supervision.ChildFunc{ChildName: "health-monitor", Fn: func(ctx context.Context) error {
			monitor.Run(ctx, func(status supervision.HealthStatus) {
				slog.Info("health status changed", "session_id", session.ID, "status", status.String())
			})
			return nil
		}},
		Policy: policy,
	})
	sup.Add(supervision.ChildSpec{
		Child: supervision.ChildFunc{ChildName: "health-endpoint", Fn: func(ctx context.Context) error {
			return healthServer.Serve(ctx)
		}},
		Policy: policy,
	})

	slog.Info("execution loop starting", "session_id", session.ID)
	_ = sup.Run(ctx)

	// Graceful shutdown: one final System checkpoint, then drain the write
	// queue, bounded by a grace period before force-exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if id, err := cpEngine.CheckpointSync(checkpoint.LevelSystem, snapshot()); err != nil {
			slog.Error("final system checkpoint failed", "error", err)
		} else {
			bus.Publish(events.NewTypedEventWithSession(events.SourceCheckpoint, events.CheckpointPayload{
				CheckpointID: id,
				Level:        string(checkpoint.LevelSystem),
			}, session.ID))
		}
		if err := cpEngine.Flush(); err != nil {
			slog.Error("checkpoint flush failed", "error", err)
		}
		if removed, err := cpEngine.GC(); err != nil {
			slog.Warn("chunk garbage collection failed", "error", err)
		} else if removed > 0 {
			slog.Info("chunk garbage collection", "removed", removed)
		}
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("shutdown grace period expired before checkpoint flush completed")
	}

	bus.Publish(events.NewEventWithSession(events.EventSessionClosed, events.SourceSupervisor,
		map[string]any{"iterations": state.Iteration()}, session.ID))

	slog.Info("execution loop stopped", "session_id", session.ID, "iterations", state.Iteration())
	return nil
}

// fileBeat adapts the on-disk heartbeat file to the health monitor's
// HeartbeatSource.
type fileBeat struct{ path string }

func (f fileBeat) LastBeat() time.Time {
	_, hb, err := heartbeat.Check(f.path, time.Minute)
	if err != nil || hb == nil {
		return time.Time{}
	}
	return hb.Timestamp
}

// agentStateSnapshot serializes the session identity plus the full
// recoverable AgentState for a checkpoint write.
func agentStateSnapshot(session pdvr.SessionInfo, state *pdvr.AgentState) []byte {
	stateBlob, err := state.Serialize()
	if err != nil {
		slog.Error("agent state serialization failed", "error", err)
		stateBlob = []byte("{}")
	}
	blob, _ := json.Marshal(map[string]any{
		"session": session,
		"state":   json.RawMessage(stateBlob),
	})
	return blob
}

// restoreAgentState applies a recovered snapshot to a fresh AgentState.
func restoreAgentState(state *pdvr.AgentState, blob []byte) {
	var snap struct {
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(blob, &snap); err != nil || len(snap.State) == 0 {
		slog.Warn("recovered checkpoint did not parse as agent state", "error", err)
		return
	}
	if err := state.Restore(snap.State); err != nil {
		slog.Warn("agent state restore failed", "error", err)
		return
	}
	slog.Info("agent state restored",
		"iteration_count", state.Iteration(),
		"pending", state.PendingCount(),
	)
}

func checkpointCodec(cfg config.CheckpointConfig) checkpoint.Codec {
	switch cfg.CompressionAlgo {
	case "gzip":
		return checkpoint.Codec{Algorithm: checkpoint.AlgorithmGzip}
	case "none":
		return checkpoint.Codec{Algorithm: checkpoint.AlgorithmNone}
	case "", "zstd":
		level := cfg.CompressionLvl
		if level == 0 {
			level = 6
		}
		return checkpoint.Codec{Algorithm: checkpoint.AlgorithmZstd, Level: level}
	default:
		slog.Warn("unknown compression algorithm, using zstd", "algorithm", cfg.CompressionAlgo)
		return checkpoint.DefaultCodec()
	}
}

func checkpointLevels(cfg config.CheckpointConfig) map[checkpoint.Level]checkpoint.LevelConfig {
	levels := checkpoint.DefaultLevelConfigs()
	for name, lc := range cfg.Levels {
		lvl := checkpoint.Level(name)
		if _, ok := levels[lvl]; !ok {
			slog.Warn("unknown checkpoint level in config", "level", name)
			continue
		}
		cur := levels[lvl]
		if lc.Interval.Duration() > 0 {
			cur.Interval = lc.Interval.Duration()
		}
		if lc.Retention > 0 {
			cur.Retention = lc.Retention
		}
		levels[lvl] = cur
	}
	return levels
}

func resourceQuotas(cfg config.ResourcesConfig) resources.Quotas {
	q := resources.Quotas{
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		MaxContextTokens:      cfg.MaxContextTokens,
		MaxQueuedTasks:        cfg.MaxQueuedTasks,
		MaxCheckpointSize:     cfg.MaxCheckpointSize,
	}
	if q.MaxConcurrentRequests <= 0 {
		q.MaxConcurrentRequests = 4
	}
	if q.MaxContextTokens <= 0 {
		q.MaxContextTokens = 1_000_000
	}
	if q.MaxQueuedTasks <= 0 {
		q.MaxQueuedTasks = 1000
	}
	if q.MaxCheckpointSize <= 0 {
		q.MaxCheckpointSize = 2 << 30
	}
	return q
}

func restartPolicy(cfg config.SupervisionConfig) supervision.RestartPolicyConfig {
	maxRestarts := cfg.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 5
	}
	window := cfg.WindowSize.Duration()
	if window <= 0 {
		window = 60 * time.Second
	}
	base := cfg.BackoffBase.Duration()
	if base <= 0 {
		base = time.Second
	}
	limit := cfg.BackoffCap.Duration()
	if limit <= 0 {
		limit = 60 * time.Second
	}

	var strategy backoff.Strategy
	switch cfg.BackoffKind {
	case "fixed":
		strategy = backoff.Fixed{Delay: base}
	case "linear":
		mult := cfg.BackoffMult
		if mult <= 0 {
			mult = 1
		}
		strategy = backoff.Linear{Base: base, Mult: mult}
	default:
		strategy = backoff.Exponential{Base: base, Cap: limit}
	}
	return supervision.RestartPolicyConfig{
		MaxRestarts: maxRestarts,
		WindowSize:  window,
		Backoff:     strategy,
	}
}

// contextStrategy builds the configured compression strategy, with the
// hierarchical summarizer backed by the LLM engine.
func contextStrategy(cfg config.LLMConfig, engine llmadapter.Engine) ctxwindow.Strategy {
	interval := cfg.CompressionThreshold
	if interval <= 0 {
		interval = 10
	}
	summarize := func(ctx context.Context, entries []ctxwindow.Entry) (string, error) {
		var sb []byte
		for _, e := range entries {
			sb = append(sb, e.Message.Content...)
			sb = append(sb, '\n')
		}
		prompt := []*schema.Message{
			{Role: schema.System, Content: "Summarize the following conversation fragment in a few sentences, keeping decisions and outcomes."},
			{Role: schema.User, Content: string(sb)},
		}
		out, err := engine.Generate(ctx, prompt, llmadapter.SamplingParams{MaxTokens: 300})
		if err != nil {
			return "", err
		}
		return out.Content, nil
	}

	switch cfg.CompressionStrategy {
	case "sliding_window":
		return ctxwindow.SlidingWindow{WindowSize: interval * 4}
	case "selective":
		return ctxwindow.Selective{ImportanceThreshold: 0.5}
	case "hybrid":
		return ctxwindow.Hybrid{
			A: ctxwindow.Hierarchical{SummaryInterval: interval, Summarize: summarize},
			B: ctxwindow.SlidingWindow{WindowSize: interval * 2},
		}
	default:
		return ctxwindow.Hierarchical{SummaryInterval: interval, Summarize: summarize}
	}
}
