package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chozzz/vargos/pkg/models"
)

var (
	metricRunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vargos_agent_runs_started_total",
		Help: "Agent runs popped from their session queue.",
	})
	metricRunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vargos_agent_runs_completed_total",
		Help: "Agent runs finished, by outcome.",
	}, []string{"outcome"})
)

// Caller is the gateway surface the runtime depends on. Depending on the
// method names rather than concrete services keeps the runtime free of
// import cycles and movable to another process unchanged.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	CallInto(ctx context.Context, method string, params, out any, timeout time.Duration) error
	Emit(event string, payload any) error
}

// RunRequest are the agent.run parameters.
type RunRequest struct {
	SessionKey         string                `json:"sessionKey"`
	Task               string                `json:"task,omitempty"`
	Model              string                `json:"model,omitempty"`
	Provider           string                `json:"provider,omitempty"`
	Images             []models.ContentBlock `json:"images,omitempty"`
	Channel            string                `json:"channel,omitempty"`
	BootstrapOverrides map[string]string     `json:"bootstrapOverrides,omitempty"`
	Retrigger          bool                  `json:"retrigger,omitempty"`
}

// RunResult is the agent.run response.
type RunResult struct {
	RunID    string `json:"runId"`
	Success  bool   `json:"success"`
	Aborted  bool   `json:"aborted,omitempty"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RuntimeConfig configures the agent runtime.
type RuntimeConfig struct {
	Provider      Provider
	DefaultModel  string
	MaxIterations int
	MaxTokens     int
	WorkspaceDir  string
	Compaction    CompactionPolicy
	Logger        *slog.Logger
}

// Runtime executes agent runs with cooperative serialization per session:
// each session key owns a FIFO queue drained by a single dispatcher, while
// distinct sessions run in parallel without bound.
type Runtime struct {
	cfg     RuntimeConfig
	gateway Caller
	logger  *slog.Logger

	mu     sync.Mutex
	queues map[string]*sessionQueue
	runs   map[string]*runState
	closed bool
}

type runState struct {
	run     models.Run
	cancel  context.CancelFunc
	aborted atomic.Bool
}

type runTask struct {
	req    *RunRequest
	result chan *RunResult
}

type sessionQueue struct {
	tasks chan *runTask
}

// NewRuntime creates a runtime. SetGateway must be called before Run.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Compaction == nil {
		cfg.Compaction = DefaultCompactionPolicy(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runtime{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "agent"),
		queues: make(map[string]*sessionQueue),
		runs:   make(map[string]*runState),
	}
}

// SetGateway injects the gateway client the runtime calls sessions, tools,
// and itself through.
func (r *Runtime) SetGateway(g Caller) { r.gateway = g }

// Run enqueues one task on its session's queue and waits for the result.
// Two concurrent Runs on the same key never interleave: the second's first
// provider call happens strictly after the first's final message append.
func (r *Runtime) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if req == nil || req.SessionKey == "" {
		return nil, errInvalidRun
	}
	task := &runTask{req: req, result: make(chan *RunResult, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRuntimeClosed
	}
	q, ok := r.queues[req.SessionKey]
	if !ok {
		q = &sessionQueue{tasks: make(chan *runTask, 128)}
		r.queues[req.SessionKey] = q
		go r.dispatch(req.SessionKey, q)
	}
	r.mu.Unlock()

	select {
	case q.tasks <- task:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-task.result:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch is the single consumer of one session's queue.
func (r *Runtime) dispatch(sessionKey string, q *sessionQueue) {
	for task := range q.tasks {
		task.result <- r.execute(task.req)
	}
}

// execute runs one popped task through the loop, bracketing it with
// run.started and exactly one run.completed.
func (r *Runtime) execute(req *RunRequest) *RunResult {
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	state := &runState{
		run: models.Run{
			RunID:      runID,
			SessionKey: req.SessionKey,
			StartedAt:  time.Now().UTC(),
			Status:     models.RunRunning,
		},
		cancel: cancel,
	}
	r.mu.Lock()
	r.runs[runID] = state
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.runs, runID)
		r.mu.Unlock()
	}()

	metricRunsStarted.Inc()
	r.emit(models.EventRunStarted, &models.RunStartedEvent{SessionKey: req.SessionKey, RunID: runID})

	result := r.loop(ctx, runID, state, req)
	result.RunID = runID

	switch {
	case result.Aborted:
		metricRunsCompleted.WithLabelValues("aborted").Inc()
	case result.Success:
		metricRunsCompleted.WithLabelValues("completed").Inc()
	default:
		metricRunsCompleted.WithLabelValues("failed").Inc()
	}
	r.emit(models.EventRunCompleted, &models.RunCompletedEvent{
		SessionKey: req.SessionKey,
		RunID:      runID,
		Success:    result.Success,
		Aborted:    result.Aborted,
		Response:   result.Response,
		Error:      result.Error,
	})

	if result.Success && !req.Retrigger {
		r.announceSubagentCompletion(req, result, time.Since(state.run.StartedAt))
	}
	return result
}

// Abort flags a run for cancellation; the next checkpoint in its loop
// terminates it.
func (r *Runtime) Abort(runID, reason string) bool {
	r.mu.Lock()
	state, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	state.aborted.Store(true)
	state.cancel()
	r.logger.Info("run abort requested", "runId", runID, "reason", reason)
	return true
}

// ActiveRuns snapshots the in-flight runs for agent.status.
func (r *Runtime) ActiveRuns() []models.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Run, 0, len(r.runs))
	for _, s := range r.runs {
		out = append(out, s.run)
	}
	return out
}

// Close stops accepting new runs.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	queues := r.queues
	r.queues = make(map[string]*sessionQueue)
	r.mu.Unlock()
	for _, q := range queues {
		close(q.tasks)
	}
}

func (r *Runtime) emit(event string, payload any) {
	if r.gateway == nil {
		return
	}
	if err := r.gateway.Emit(event, payload); err != nil {
		r.logger.Warn("event emit failed", "event", event, "error", err)
	}
}
