package panel

import (
	"errors"
	"fmt"
)

// ErrUnknownTask is returned when an edge table references a task name the
// registry never produced. This is a build-time defect and fails at compile,
// not mid-run.
var ErrUnknownTask = errors.New("routing references unknown task")

// RouteFunc decides the next task name(s) from the current run state. Route
// functions are pure: they read state and flags but perform no I/O.
type RouteFunc func(s *State) []TaskName

// route pairs a routing function with the static set of names it may return,
// so Compile can check the edge table exhaustively without executing it.
type route struct {
	fn      RouteFunc
	targets []TaskName
}

// RoutingTable maps each task to the route evaluated after it runs. A nil
// route marks the terminal task.
type RoutingTable struct {
	entry  TaskName
	routes map[TaskName]*route
}

// BuildRoutingTable assembles the dynamic-topology layer for a snapshot of
// the expert catalogue. The same table drives every run; per-request behavior
// comes from the state each route function reads.
func BuildRoutingTable(experts []ExpertSpec) *RoutingTable {
	pipelines := make([]TaskName, len(experts))
	for i, e := range experts {
		pipelines[i] = PipelineTask(e.ID)
	}

	all := append([]TaskName{TaskModerate, TaskLibrarian, TaskCollaborate, TaskSynthesis}, pipelines...)

	t := &RoutingTable{
		entry:  TaskRewrite,
		routes: make(map[TaskName]*route),
	}

	t.routes[TaskRewrite] = &route{
		fn:      func(*State) []TaskName { return []TaskName{TaskSelectExperts} },
		targets: []TaskName{TaskSelectExperts},
	}
	t.routes[TaskSelectExperts] = &route{fn: expertDispatch, targets: all}
	t.routes[TaskModerate] = &route{fn: headPipeline, targets: all}
	for _, p := range pipelines {
		t.routes[p] = &route{fn: postPipeline, targets: all}
	}
	t.routes[TaskLibrarian] = &route{fn: librarianDispatch, targets: all}
	t.routes[TaskCollaborate] = &route{fn: postCollaboration, targets: all}
	t.routes[TaskSynthesis] = nil // terminal

	return t
}

// Entry returns the graph's entry task.
func (t *RoutingTable) Entry() TaskName { return t.entry }

// Next evaluates the route for a completed task. The second return is false
// for the terminal task.
func (t *RoutingTable) Next(after TaskName, s *State) ([]TaskName, bool, error) {
	r, known := t.routes[after]
	if !known {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownTask, after)
	}
	if r == nil {
		return nil, false, nil
	}
	next := r.fn(s)
	if len(next) == 0 {
		return nil, false, fmt.Errorf("%w: route after %q produced no target", ErrUnknownTask, after)
	}
	return next, true, nil
}

// Validate checks that every statically declared target exists in the task
// set. Unknown names here indicate a catalogue/edge-table mismatch.
func (t *RoutingTable) Validate(known map[TaskName]struct{}) error {
	if _, ok := known[t.entry]; !ok {
		return fmt.Errorf("%w: entry %q", ErrUnknownTask, t.entry)
	}
	for name, r := range t.routes {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("%w: route source %q", ErrUnknownTask, name)
		}
		if r == nil {
			continue
		}
		for _, target := range r.targets {
			if _, ok := known[target]; !ok {
				return fmt.Errorf("%w: %q -> %q", ErrUnknownTask, name, target)
			}
		}
	}
	return nil
}

// expertDispatch routes to the head pending expert (via its guidance pass
// when the record is untouched), or to synthesis once the queue is empty.
func expertDispatch(s *State) []TaskName {
	head, ok := s.HeadExpert()
	if !ok {
		return []TaskName{TaskSynthesis}
	}
	rec, exists := s.Experts[head]
	if !exists || rec.Phase == PhaseAwaitingGuidance {
		return []TaskName{TaskModerate}
	}
	return []TaskName{PipelineTask(head)}
}

// headPipeline enters the pipeline of the expert the moderator just guided.
func headPipeline(s *State) []TaskName {
	head, ok := s.HeadExpert()
	if !ok {
		return []TaskName{TaskSynthesis}
	}
	return []TaskName{PipelineTask(head)}
}

// postPipeline decides what follows a pipeline invocation: retrieval, the
// collaboration coordinator, re-entry, or completion of this expert.
func postPipeline(s *State) []TaskName {
	expert := s.LastActor
	rec, ok := s.Experts[expert]
	if !ok {
		// No record means the pipeline never produced output; fail open and
		// move on rather than spinning.
		s.PopExpert()
		return expertDispatch(s)
	}

	switch {
	case rec.Phase == PhaseAwaitingRetrieval:
		return []TaskName{TaskLibrarian}
	case s.Flags.CollaborationInProgress:
		return []TaskName{TaskCollaborate}
	case rec.Done:
		s.PopExpert()
		return expertDispatch(s)
	default:
		return []TaskName{PipelineTask(expert)}
	}
}

// postCollaboration re-enters the requesting expert's pipeline for the
// revision pass that consumes the joined notes.
func postCollaboration(s *State) []TaskName {
	if s.CollabRequester != "" {
		return []TaskName{PipelineTask(s.CollabRequester)}
	}
	// A lost requester should not stall the run.
	return headPipeline(s)
}

// librarianDispatch returns control to whichever task most recently became
// the last actor, so the retrieved context lands in the right record.
func librarianDispatch(s *State) []TaskName {
	if s.LastActor != "" {
		return []TaskName{PipelineTask(s.LastActor)}
	}
	return headPipeline(s)
}
