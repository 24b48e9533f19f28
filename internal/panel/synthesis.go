package panel

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/gateway"
)

// synthesisTask is the terminal task: it merges all finalized expert outputs
// into the single user-facing report. It runs exactly once per run, only
// after the pending queue is empty.
type synthesisTask struct {
	deps    Deps
	experts []ExpertSpec
}

func (t *synthesisTask) Name() TaskName { return TaskSynthesis }
func (t *synthesisTask) Role() Role     { return RoleSynthesizer }

func (t *synthesisTask) Run(ctx context.Context, s *State) (string, error) {
	if s.OutOfScope || len(s.SelectionOrder) == 0 {
		s.SynthesizedReport = t.outOfScopeReport(ctx, s)
		return s.SynthesizedReport, nil
	}

	completed := s.CompletedExperts()
	failed := s.FailedExperts()

	var report string
	if len(completed) == 0 {
		report = "The panel was unable to analyze this question."
	} else {
		report = t.merge(ctx, s, completed)
	}

	if len(failed) > 0 {
		var b strings.Builder
		b.WriteString(report)
		b.WriteString("\n\nSome experts could not complete their analysis:\n")
		for _, id := range failed {
			fmt.Fprintf(&b, "- %s: %s\n", id, s.Experts[id].Error)
		}
		report = b.String()
	}

	s.SynthesizedReport = report
	return s.SynthesizedReport, nil
}

// merge asks the completion gateway to weave the analyses together; if that
// call fails the analyses are concatenated verbatim so the caller still gets
// every expert's work.
func (t *synthesisTask) merge(ctx context.Context, s *State, completed []*ExpertRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", s.RewrittenQuestion)
	for _, rec := range completed {
		fmt.Fprintf(&b, "Analysis from %s:\n%s\n\n", rec.ExpertID, rec.Analysis)
	}

	text, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: t.deps.Registry.Instructions(TaskSynthesis),
		Prompt: b.String(),
	})
	if err != nil {
		t.deps.Logger.Warn("Synthesis generation failed, concatenating analyses",
			zap.String("run_id", s.RunID),
			zap.Error(err),
		)
		var fallback strings.Builder
		for _, rec := range completed {
			fmt.Fprintf(&fallback, "## %s\n\n%s\n\n", rec.ExpertID, rec.Analysis)
		}
		return strings.TrimSpace(fallback.String())
	}
	return strings.TrimSpace(text)
}

// outOfScopeReport tells the user the question fits no expert and offers
// example in-scope questions drawn from the catalogue.
func (t *synthesisTask) outOfScopeReport(ctx context.Context, s *State) string {
	var examples []string
	for _, e := range t.experts {
		examples = append(examples, e.Examples...)
	}

	var b strings.Builder
	b.WriteString("This question is outside the panel's areas of expertise.")
	if len(examples) > 0 {
		b.WriteString(" Questions the panel can help with include:\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "- %s\n", ex)
		}
	}

	text, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: t.deps.Registry.Instructions(TaskSynthesis),
		Prompt: fmt.Sprintf("The question %q fits none of the panel's experts. Politely say so and suggest these example questions instead:\n%s", s.Question, b.String()),
	})
	if err != nil || strings.TrimSpace(text) == "" {
		return strings.TrimSpace(b.String())
	}
	return strings.TrimSpace(text)
}
