package panel

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/symposium-labs/symposium/internal/gateway"
	"github.com/symposium-labs/symposium/internal/metrics"
)

// collaborateTask fans the requesting expert's draft out to every requested
// collaborator concurrently, then joins the notes in request order — result
// order never depends on completion order. A collaborator that errors
// contributes an empty note rather than failing the join.
type collaborateTask struct {
	deps    Deps
	experts []ExpertSpec
}

func (t *collaborateTask) Name() TaskName { return TaskCollaborate }
func (t *collaborateTask) Role() Role     { return RoleCollaborator }

func (t *collaborateTask) Run(ctx context.Context, s *State) (string, error) {
	requester := s.CollabRequester
	rec, ok := s.Experts[requester]
	if !ok || len(rec.Collaborators) == 0 {
		s.Flags.CollaborationInProgress = false
		return "", nil
	}

	metrics.CollaborationFanouts.Inc()
	metrics.CollaborationFanoutSize.Observe(float64(len(rec.Collaborators)))

	focus := strings.Join(t.focusAreas(requester), ", ")
	notes := make([]string, len(rec.Collaborators))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range rec.Collaborators {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, t.deps.CollabDeadline)
			defer cancel()

			note, err := t.contribute(callCtx, id, requester, rec, focus)
			if err != nil {
				metrics.CollaborationNoteFailures.Inc()
				t.deps.Logger.Warn("Collaborator contributed empty note",
					zap.String("run_id", s.RunID),
					zap.String("requester", requester),
					zap.String("collaborator", id),
					zap.Error(err),
				)
				return nil // partial-failure tolerance: the join still happens
			}
			notes[i] = note
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	// Join in request order, exactly one note slot per collaborator.
	if rec.CollaborationNotes == nil {
		rec.CollaborationNotes = make(map[string]string, len(rec.Collaborators))
	}
	contributed := 0
	for i, id := range rec.Collaborators {
		rec.CollaborationNotes[id] = notes[i]
		if notes[i] != "" {
			contributed++
		}
	}

	s.Flags.CollaborationInProgress = false

	return fmt.Sprintf("joined %d/%d collaboration notes for %s",
		contributed, len(rec.Collaborators), requester), nil
}

// contribute runs one collaborator against the requesting expert's draft and
// critique, scoped to the requester's stated focus areas.
func (t *collaborateTask) contribute(ctx context.Context, collaboratorID, requester string, rec *ExpertRecord, focus string) (string, error) {
	spec, ok := t.deps.Registry.Expert(collaboratorID)
	if !ok {
		return "", fmt.Errorf("unknown collaborator %q", collaboratorID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The %s expert asked for your input", requester)
	if focus != "" {
		fmt.Fprintf(&b, " on: %s", focus)
	}
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "Their draft analysis:\n%s\n\n", rec.Analysis)
	fmt.Fprintf(&b, "Their self-critique:\n%s\n\n", rec.Reflection)
	b.WriteString(t.deps.Registry.Instructions(TaskCollaborate))

	note, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: spec.Instructions,
		Prompt: b.String(),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(note), nil
}

func (t *collaborateTask) focusAreas(expertID string) []string {
	if spec, ok := t.deps.Registry.Expert(expertID); ok {
		return spec.FocusAreas
	}
	return nil
}
