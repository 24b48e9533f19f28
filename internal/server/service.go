package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/config"
	"github.com/symposium-labs/symposium/internal/db"
	"github.com/symposium-labs/symposium/internal/metrics"
	"github.com/symposium-labs/symposium/internal/panel"
	"github.com/symposium-labs/symposium/internal/session"
	"github.com/symposium-labs/symposium/internal/streaming"
)

var (
	// ErrQueueFull is returned when the run queue cannot accept more work.
	ErrQueueFull = errors.New("run queue is full")

	// ErrShuttingDown is returned for submissions after Stop has begun.
	ErrShuttingDown = errors.New("service is shutting down")
)

// RunRequest is one submitted question.
type RunRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	TeamID    string `json:"team_or_user_id,omitempty"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID          string            `json:"run_id"`
	SessionID      string            `json:"session_id"`
	Report         string            `json:"report"`
	ExpertAnalyses map[string]string `json:"expert_analyses,omitempty"`
	Steps          int               `json:"steps"`
	Err            error             `json:"-"`
}

type runJob struct {
	runID  string
	req    RunRequest
	done   chan RunResult
	cancel chan struct{}
}

// Deps bundles the collaborators the service needs.
type Deps struct {
	Config    *config.Config
	Registry  *panel.Registry
	Retrieval panel.RetrievalGateway
	Complete  panel.CompletionGateway
	Sessions  *session.Store
	Stream    *streaming.Manager
	Recorder  *db.Recorder
	Logger    *zap.Logger
}

// Service accepts run submissions and executes them on a fixed pool of
// workers. Each worker holds a stable identity so compiled graph instances
// are reused across the runs it picks up.
type Service struct {
	cfg       *config.Config
	registry  *panel.Registry
	retrieval panel.RetrievalGateway
	complete  panel.CompletionGateway
	sessions  *session.Store
	stream    *streaming.Manager
	recorder  *db.Recorder
	cache     *panel.GraphCache
	logger    *zap.Logger

	queue   chan runJob
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]func()
	stopped bool
}

// New creates the service. Call Start before submitting runs.
func New(deps Deps) (*Service, error) {
	if deps.Config == nil || deps.Registry == nil || deps.Sessions == nil || deps.Stream == nil {
		return nil, fmt.Errorf("server: config, registry, sessions and stream are required")
	}
	if deps.Retrieval == nil || deps.Complete == nil {
		return nil, fmt.Errorf("server: both gateways are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	queueSize := deps.Config.Panel.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Service{
		cfg:       deps.Config,
		registry:  deps.Registry,
		retrieval: deps.Retrieval,
		complete:  deps.Complete,
		sessions:  deps.Sessions,
		stream:    deps.Stream,
		recorder:  deps.Recorder,
		cache:     panel.NewGraphCache(deps.Config.Panel.CacheCapacity),
		logger:    deps.Logger,
		queue:     make(chan runJob, queueSize),
		cancels:   make(map[string]func()),
	}, nil
}

// Start launches the worker pool.
func (s *Service) Start(ctx context.Context) {
	workers := s.cfg.Panel.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		s.wg.Add(1)
		go s.workerLoop(ctx, workerID)
	}
	s.logger.Info("Run workers started", zap.Int("workers", workers))
}

// Stop drains the queue and waits for in-flight runs to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Run workers stopped")
}

// StartRun enqueues a run and returns its ID plus a channel that receives the
// final result. Callers stream intermediate output via the streaming manager
// under the returned run ID.
func (s *Service) StartRun(req RunRequest) (string, <-chan RunResult, error) {
	if req.Question == "" {
		return "", nil, fmt.Errorf("question is required")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", nil, ErrShuttingDown
	}

	job := runJob{
		runID:  uuid.New().String(),
		req:    req,
		done:   make(chan RunResult, 1),
		cancel: make(chan struct{}),
	}

	select {
	case s.queue <- job:
		s.cancels[job.runID] = sync.OnceFunc(func() { close(job.cancel) })
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return "", nil, ErrQueueFull
	}

	metrics.RunQueueDepth.Set(float64(len(s.queue)))
	metrics.RunsStarted.Inc()
	return job.runID, job.done, nil
}

func (s *Service) workerLoop(ctx context.Context, workerID string) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.queue:
			if !ok {
				return
			}
			metrics.RunQueueDepth.Set(float64(len(s.queue)))
			result := s.execute(ctx, workerID, job)
			s.mu.Lock()
			delete(s.cancels, job.runID)
			s.mu.Unlock()
			job.done <- result
		}
	}
}

// execute runs one job end to end on this worker. Cancellation via CancelRun
// reaches only this job's context, never the worker's.
func (s *Service) execute(ctx context.Context, workerID string, job runJob) RunResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-job.cancel:
			cancel()
		case <-runCtx.Done():
		}
	}()
	ctx = runCtx

	start := time.Now()
	logger := s.logger.With(
		zap.String("run_id", job.runID),
		zap.String("worker_id", workerID),
	)

	sessionID := job.req.SessionID
	var history []panel.HistoryEntry
	if sessionID == "" {
		rec, err := s.sessions.Create(job.req.TeamID, "")
		if err != nil {
			logger.Error("Failed to create session", zap.Error(err))
			return s.fail(job, sessionID, 0, start, err)
		}
		sessionID = rec.SessionID
	} else {
		rec, err := s.sessions.Load(sessionID)
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			// First turn of an externally supplied session ID.
		case err != nil:
			logger.Error("Failed to load session", zap.Error(err))
			return s.fail(job, sessionID, 0, start, err)
		default:
			for _, turn := range rec.RecentTurns(s.cfg.Panel.HistoryMessages) {
				history = append(history, panel.HistoryEntry{
					Question: turn.Question,
					Report:   turn.SynthesizedReport,
				})
			}
		}
	}

	// Graph instances are cached per worker identity; the catalogue version in
	// the key forces recompilation after a reload.
	cacheKey := fmt.Sprintf("%s@%d", workerID, s.registry.Version())
	graph, err := s.cache.GetOrCreate(cacheKey, func() (*panel.Graph, error) {
		return panel.Compile(panel.Deps{
			Registry:       s.registry,
			Retrieval:      s.retrieval,
			Completion:     s.complete,
			Logger:         s.logger,
			RetrievalTopK:  s.cfg.Panel.RetrievalTopK,
			CollabDeadline: s.cfg.Panel.CollabDeadline,
			CollabRoundCap: s.cfg.Panel.CollabRoundCap,
			MaxSteps:       s.cfg.Panel.MaxSteps,
		})
	})
	if err != nil {
		logger.Error("Graph compilation failed", zap.Error(err))
		return s.fail(job, sessionID, 0, start, err)
	}

	state := panel.NewState(job.runID, sessionID, job.req.Question, history)
	steps, err := graph.Run(ctx, state, func(evt panel.Event) {
		s.stream.Publish(job.runID, streaming.Event{
			Type:    streaming.TypeTaskOutput,
			Task:    string(evt.Task),
			Message: evt.Output,
		})
	})
	if err != nil {
		logger.Error("Run failed",
			zap.Int("steps", steps),
			zap.Error(err),
		)
		return s.fail(job, sessionID, steps, start, err)
	}

	// Only clean completions become conversation history; a failed or
	// exhausted run must not poison later question rewriting.
	analyses := make(map[string]string)
	for _, rec := range state.CompletedExperts() {
		analyses[rec.ExpertID] = rec.Analysis
	}
	turn := session.Turn{
		Question:          job.req.Question,
		ExpertAnalyses:    analyses,
		SynthesizedReport: state.SynthesizedReport,
		Timestamp:         time.Now(),
	}
	if err := s.sessions.Append(sessionID, turn); err != nil {
		logger.Warn("Failed to persist turn", zap.Error(err))
	}

	s.recorder.RecordTurn(ctx, db.TurnRecord{
		RunID:          job.runID,
		SessionID:      sessionID,
		Question:       job.req.Question,
		Report:         state.SynthesizedReport,
		ExpertAnalyses: analyses,
		Steps:          steps,
		DurationMs:     time.Since(start).Milliseconds(),
	})

	s.stream.Publish(job.runID, streaming.Event{
		Type:      streaming.TypeRunCompleted,
		Message:   state.SynthesizedReport,
		SessionID: sessionID,
	})
	s.stream.DropAfter(job.runID, s.streamRetention())
	metrics.RecordRunMetrics("completed", time.Since(start).Seconds(), steps)

	logger.Info("Run completed",
		zap.String("session_id", sessionID),
		zap.Int("steps", steps),
		zap.Duration("duration", time.Since(start)),
	)
	return RunResult{
		RunID:          job.runID,
		SessionID:      sessionID,
		Report:         state.SynthesizedReport,
		ExpertAnalyses: analyses,
		Steps:          steps,
	}
}

func (s *Service) fail(job runJob, sessionID string, steps int, start time.Time, err error) RunResult {
	s.stream.Publish(job.runID, streaming.Event{
		Type:      streaming.TypeRunFailed,
		Message:   err.Error(),
		SessionID: sessionID,
	})
	s.stream.DropAfter(job.runID, s.streamRetention())
	status := "failed"
	switch {
	case errors.Is(err, panel.ErrGraphExhausted):
		status = "exhausted"
	case errors.Is(err, context.Canceled):
		status = "canceled"
	}
	metrics.RecordRunMetrics(status, time.Since(start).Seconds(), steps)
	return RunResult{RunID: job.runID, SessionID: sessionID, Steps: steps, Err: err}
}

// streamRetention is how long a finished run's replay ring stays available.
func (s *Service) streamRetention() time.Duration {
	if d := s.cfg.Streaming.Retention; d > 0 {
		return d
	}
	return 5 * time.Minute
}

// CancelRun cancels a queued or in-flight run. It reports whether the run was
// still known to the service; finished runs return false.
func (s *Service) CancelRun(runID string) bool {
	s.mu.Lock()
	fn, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		fn()
		s.logger.Info("Run canceled", zap.String("run_id", runID))
	}
	return ok
}

// GetSession returns a session record.
func (s *Service) GetSession(sessionID string) (*session.Record, error) {
	return s.sessions.Load(sessionID)
}

// DeleteSession removes a session.
func (s *Service) DeleteSession(sessionID string) error {
	return s.sessions.Delete(sessionID)
}

// ListSessions returns a team's sessions, newest first.
func (s *Service) ListSessions(teamID string) ([]*session.Record, error) {
	return s.sessions.List(teamID)
}

// Stream exposes the streaming manager for transport handlers.
func (s *Service) Stream() *streaming.Manager {
	return s.stream
}
