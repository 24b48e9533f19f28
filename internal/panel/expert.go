package panel

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/gateway"
)

// expertPipeline drives one expert through guidance, retrieval, drafting,
// reflection, and the collaboration decision. Each invocation advances the
// record's phase machine; suspension for collaboration is a plain return to
// the routing engine, never a blocking wait.
type expertPipeline struct {
	deps    Deps
	spec    ExpertSpec
	experts []ExpertSpec
}

func (t *expertPipeline) Name() TaskName { return PipelineTask(t.spec.ID) }
func (t *expertPipeline) Role() Role     { return RoleExpert }

func (t *expertPipeline) Run(ctx context.Context, s *State) (string, error) {
	s.LastActor = t.spec.ID
	rec := s.Record(t.spec.ID)

	switch rec.Phase {
	case PhaseAwaitingGuidance:
		rec.Guidance = s.ModeratorGuidance
		rec.Phase = PhaseAwaitingRetrieval
		return fmt.Sprintf("%s: awaiting reference material", t.spec.ID), nil

	case PhaseDrafting:
		return t.analyze(ctx, s, rec)

	case PhaseCollaborationRequested:
		return t.revise(ctx, s, rec)

	default:
		// AwaitingRetrieval belongs to the librarian; a finalized record has
		// nothing left to do. Either way this invocation is a no-op.
		return "", nil
	}
}

// analyze runs the draft, reflection, and collaboration-decision steps in one
// invocation. An exhausted gateway finalizes the record with an error rather
// than aborting the run; synthesis reports the failure.
func (t *expertPipeline) analyze(ctx context.Context, s *State, rec *ExpertRecord) (string, error) {
	refs := strings.Join(rec.RetrievedContext, "\n---\n")

	analysis, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: t.spec.Instructions,
		Prompt: t.draftPrompt(s, rec, refs),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return t.failRecord(s, rec, "analysis", err), nil
	}
	rec.Analysis = strings.TrimSpace(analysis)
	rec.Phase = PhaseReflecting

	reflection, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: t.spec.Instructions,
		Prompt: fmt.Sprintf("Critique your own draft analysis below. Name weaknesses, gaps, and unsupported claims.\n\nReference material:\n%s\n\nDraft:\n%s", refs, rec.Analysis),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return t.failRecord(s, rec, "reflection", err), nil
	}
	rec.Reflection = strings.TrimSpace(reflection)
	rec.Phase = PhaseDecidingCollaboration

	collaborators := t.decideCollaborators(ctx, s, rec)
	if len(collaborators) > 0 && rec.CollabRounds < t.deps.CollabRoundCap {
		rec.Collaborators = collaborators
		rec.CollaborationNotes = make(map[string]string, len(collaborators))
		rec.Phase = PhaseCollaborationRequested
		s.CollabRequester = t.spec.ID
		s.Flags.CollaborationInProgress = true
		s.Flags.CollaborationRemaining = true
		return fmt.Sprintf("%s requested collaboration from %s", t.spec.ID, strings.Join(collaborators, ", ")), nil
	}

	rec.Done = true
	rec.Phase = PhaseFinalizing
	return rec.Analysis, nil
}

// decideCollaborators asks which other experts should weigh in. Any response
// that is not a clean list of known expert identities is treated as "no
// collaborators" — the pipeline fails open, not closed.
func (t *expertPipeline) decideCollaborators(ctx context.Context, s *State, rec *ExpertRecord) []string {
	var b strings.Builder
	b.WriteString("Other panel experts:\n")
	for _, e := range t.experts {
		if e.ID == t.spec.ID {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.ID, e.Description)
	}
	fmt.Fprintf(&b, "\nYour critique:\n%s\n\n", rec.Reflection)
	b.WriteString("Reply with a comma-separated list of expert ids whose input would materially improve the analysis, or 'none'.")

	text, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: t.spec.Instructions,
		Prompt: b.String(),
	})
	if err != nil {
		t.deps.Logger.Warn("Collaboration decision failed, proceeding without collaborators",
			zap.String("run_id", s.RunID),
			zap.String("expert", t.spec.ID),
			zap.Error(err),
		)
		return nil
	}
	return parseExpertIDs(text, t.experts, t.spec.ID)
}

// revise regenerates the analysis incorporating the prior draft, the
// critique, and all collaborator notes, then finalizes the record.
func (t *expertPipeline) revise(ctx context.Context, s *State, rec *ExpertRecord) (string, error) {
	var notes strings.Builder
	for _, id := range rec.Collaborators {
		if note := rec.CollaborationNotes[id]; note != "" {
			fmt.Fprintf(&notes, "Note from %s:\n%s\n\n", id, note)
		}
	}

	prompt := fmt.Sprintf(
		"Revise your analysis of the question below, incorporating your critique and the collaborator notes.\n\nQuestion: %s\n\nPrior analysis:\n%s\n\nYour critique:\n%s\n\n%s",
		s.RewrittenQuestion, rec.Analysis, rec.Reflection, notes.String(),
	)

	revised, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: t.spec.Instructions,
		Prompt: prompt,
	})

	rec.CollabRounds++
	s.CollabRequester = ""
	s.Flags.CollaborationRemaining = false

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Keep the pre-collaboration draft; the record is finalized with the
		// error so synthesis can surface the degraded result.
		return t.failRecord(s, rec, "revision", err), nil
	}

	rec.Analysis = strings.TrimSpace(revised)
	rec.Done = true
	rec.Phase = PhaseFinalizing
	return rec.Analysis, nil
}

func (t *expertPipeline) draftPrompt(s *State, rec *ExpertRecord, refs string) string {
	var b strings.Builder
	if rec.Guidance != "" {
		fmt.Fprintf(&b, "Moderator guidance: %s\n\n", rec.Guidance)
	}
	if refs != "" {
		fmt.Fprintf(&b, "Reference material:\n%s\n\n", refs)
	}
	fmt.Fprintf(&b, "Question: %s", s.RewrittenQuestion)
	return b.String()
}

func (t *expertPipeline) failRecord(s *State, rec *ExpertRecord, stage string, err error) string {
	rec.Error = fmt.Sprintf("%s: %v", stage, err)
	rec.Done = true
	rec.Phase = PhaseFinalizing
	s.Flags.CollaborationInProgress = false
	t.deps.Logger.Warn("Expert finalized with error",
		zap.String("run_id", s.RunID),
		zap.String("expert", t.spec.ID),
		zap.String("stage", stage),
		zap.Error(err),
	)
	return fmt.Sprintf("%s failed during %s", t.spec.ID, stage)
}
