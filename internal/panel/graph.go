package panel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/gateway"
	"github.com/symposium-labs/symposium/internal/metrics"
	"github.com/symposium-labs/symposium/internal/tracing"
)

// ErrGraphExhausted is returned when a run exceeds its step budget. It guards
// against edge-table bugs producing infinite loops, independent of wall-clock.
var ErrGraphExhausted = errors.New("graph step budget exhausted")

// RetrievalGateway is the consumed text-search contract.
type RetrievalGateway interface {
	Search(ctx context.Context, query string, k int) ([]gateway.Passage, error)
}

// CompletionGateway is the consumed text-generation contract.
type CompletionGateway interface {
	Generate(ctx context.Context, req gateway.CompletionRequest) (string, error)
}

// Task is one executable unit of the compiled graph. Run mutates the state it
// is handed (the state is exclusively owned by the run) and returns the text
// to emit on the output stream.
type Task interface {
	Name() TaskName
	Role() Role
	Run(ctx context.Context, s *State) (string, error)
}

// Event is one intermediate task output, emitted in invocation order.
type Event struct {
	RunID     string    `json:"run_id"`
	Task      TaskName  `json:"task"`
	Role      Role      `json:"role"`
	Output    string    `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Deps carries everything task construction needs.
type Deps struct {
	Registry       *Registry
	Retrieval      RetrievalGateway
	Completion     CompletionGateway
	Logger         *zap.Logger
	RetrievalTopK  int
	CollabDeadline time.Duration
	CollabRoundCap int
	MaxSteps       int
}

// Graph is an immutable compiled instance: task name -> executable unit plus
// the routing engine's edge tables. Cheap to reuse, safe to share read-only.
type Graph struct {
	tasks    map[TaskName]Task
	table    *RoutingTable
	maxSteps int
	logger   *zap.Logger
}

// Compile assembles registry entries and routing functions into an executable
// graph, validating the edge tables eagerly so unknown task names fail here
// rather than mid-run.
func Compile(deps Deps) (*Graph, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("compile: registry is required")
	}
	if deps.Retrieval == nil || deps.Completion == nil {
		return nil, fmt.Errorf("compile: both gateways are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxSteps <= 0 {
		deps.MaxSteps = 128
	}
	if deps.CollabRoundCap <= 0 {
		deps.CollabRoundCap = 1
	}
	if deps.CollabDeadline <= 0 {
		deps.CollabDeadline = 60 * time.Second
	}

	experts := deps.Registry.Experts()

	tasks := map[TaskName]Task{
		TaskRewrite:       &rewriteTask{deps: deps},
		TaskSelectExperts: &selectExpertsTask{deps: deps, experts: experts},
		TaskModerate:      &moderateTask{deps: deps},
		TaskLibrarian:     &librarianTask{deps: deps},
		TaskCollaborate:   &collaborateTask{deps: deps, experts: experts},
		TaskSynthesis:     &synthesisTask{deps: deps, experts: experts},
	}
	for _, spec := range experts {
		tasks[PipelineTask(spec.ID)] = &expertPipeline{deps: deps, spec: spec, experts: experts}
	}

	table := BuildRoutingTable(experts)
	known := make(map[TaskName]struct{}, len(tasks))
	for name := range tasks {
		known[name] = struct{}{}
	}
	if err := table.Validate(known); err != nil {
		return nil, err
	}

	return &Graph{
		tasks:    tasks,
		table:    table,
		maxSteps: deps.MaxSteps,
		logger:   deps.Logger,
	}, nil
}

// Run drives the graph to completion as a trampoline: invoke the current
// task, apply its state mutation, ask the routing engine for what comes next,
// repeat until the terminal task has run. Intermediate outputs are emitted in
// invocation order. Run is the unit a caller cancels.
func (g *Graph) Run(ctx context.Context, s *State, emit func(Event)) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.run")
	defer span.End()

	queue := []TaskName{g.table.Entry()}
	steps := 0

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return steps, ctx.Err()
		default:
		}

		steps++
		if steps > g.maxSteps {
			g.logger.Error("Run exceeded step budget",
				zap.String("run_id", s.RunID),
				zap.Int("max_steps", g.maxSteps),
			)
			return steps, fmt.Errorf("%w: %d steps", ErrGraphExhausted, g.maxSteps)
		}

		name := queue[0]
		queue = queue[1:]

		task, ok := g.tasks[name]
		if !ok {
			return steps, fmt.Errorf("%w: %q", ErrUnknownTask, name)
		}

		start := time.Now()
		output, err := task.Run(ctx, s)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordTaskMetrics(string(name), string(task.Role()), status, time.Since(start).Seconds())

		if err != nil {
			return steps, fmt.Errorf("task %q: %w", name, err)
		}

		if emit != nil {
			emit(Event{
				RunID:     s.RunID,
				Task:      name,
				Role:      task.Role(),
				Output:    output,
				Timestamp: time.Now(),
			})
		}

		next, cont, err := g.table.Next(name, s)
		if err != nil {
			return steps, err
		}
		if !cont {
			return steps, nil
		}
		queue = append(queue, next...)
	}

	// The queue drained without reaching the terminal task; treat it like an
	// edge-table defect rather than returning a half-finished state.
	return steps, fmt.Errorf("%w: queue drained before synthesis", ErrUnknownTask)
}
