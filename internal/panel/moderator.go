package panel

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/symposium-labs/symposium/internal/gateway"
)

// rewriteTask rewrites the user's question as a standalone question using the
// loaded conversation history. Failures fail open to the original question so
// a flaky gateway never blocks the run at its first step.
type rewriteTask struct {
	deps Deps
}

func (t *rewriteTask) Name() TaskName { return TaskRewrite }
func (t *rewriteTask) Role() Role     { return RoleModerator }

func (t *rewriteTask) Run(ctx context.Context, s *State) (string, error) {
	if len(s.History) == 0 {
		s.RewrittenQuestion = s.Question
		return s.RewrittenQuestion, nil
	}

	var b strings.Builder
	b.WriteString("Prior conversation:\n")
	for _, h := range s.History {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", h.Question, h.Report)
	}
	fmt.Fprintf(&b, "\nCurrent question: %s", s.Question)

	text, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: t.deps.Registry.Instructions(TaskRewrite),
		Prompt: b.String(),
	})
	if err != nil {
		t.deps.Logger.Warn("Question rewrite failed, using original",
			zap.String("run_id", s.RunID),
			zap.Error(err),
		)
		s.RewrittenQuestion = s.Question
		return s.RewrittenQuestion, nil
	}

	s.RewrittenQuestion = strings.TrimSpace(text)
	if s.RewrittenQuestion == "" {
		s.RewrittenQuestion = s.Question
	}
	return s.RewrittenQuestion, nil
}

// selectExpertsTask asks the completion gateway which experts the question
// touches and seeds the pending queue. Output that is not a clean list of
// known expert ids is treated as "no experts".
type selectExpertsTask struct {
	deps    Deps
	experts []ExpertSpec
}

func (t *selectExpertsTask) Name() TaskName { return TaskSelectExperts }
func (t *selectExpertsTask) Role() Role     { return RoleModerator }

func (t *selectExpertsTask) Run(ctx context.Context, s *State) (string, error) {
	var b strings.Builder
	b.WriteString("Panel experts:\n")
	for _, e := range t.experts {
		fmt.Fprintf(&b, "- %s: %s\n", e.ID, e.Description)
	}
	fmt.Fprintf(&b, "\nQuestion: %s", s.RewrittenQuestion)

	var selected []string
	text, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: t.deps.Registry.Instructions(TaskSelectExperts),
		Prompt: b.String(),
	})
	if err != nil {
		t.deps.Logger.Warn("Expert selection failed, treating question as out of scope",
			zap.String("run_id", s.RunID),
			zap.Error(err),
		)
	} else {
		selected = parseExpertIDs(text, t.experts, "")
	}

	s.Flags.ExpertsIdentified = true
	s.PendingExperts = append(s.PendingExperts, selected...)
	s.SelectionOrder = append(s.SelectionOrder, selected...)
	for _, id := range selected {
		s.Record(id)
	}

	if len(selected) == 0 {
		s.OutOfScope = true
		return "no experts selected", nil
	}
	return strings.Join(selected, ", "), nil
}

// moderateTask produces guidance for the expert at the head of the pending
// queue. Empty guidance on failure; the expert proceeds without it.
type moderateTask struct {
	deps Deps
}

func (t *moderateTask) Name() TaskName { return TaskModerate }
func (t *moderateTask) Role() Role     { return RoleModerator }

func (t *moderateTask) Run(ctx context.Context, s *State) (string, error) {
	head, ok := s.HeadExpert()
	if !ok {
		return "", nil
	}
	spec, _ := t.deps.Registry.Expert(head)

	prompt := fmt.Sprintf("Expert: %s (%s)\nQuestion: %s", spec.ID, spec.Description, s.RewrittenQuestion)
	text, err := t.deps.Completion.Generate(ctx, gateway.CompletionRequest{
		System: t.deps.Registry.Instructions(TaskModerate),
		Prompt: prompt,
	})
	if err != nil {
		t.deps.Logger.Warn("Moderator guidance failed, expert proceeds unguided",
			zap.String("run_id", s.RunID),
			zap.String("expert", head),
			zap.Error(err),
		)
		text = ""
	}

	s.ModeratorGuidance = strings.TrimSpace(text)
	return s.ModeratorGuidance, nil
}

// librarianTask issues the retrieval request for whichever expert most
// recently became the last actor and files the ranked passages into that
// expert's record. Retrieval failures leave the context empty; analysis
// quality degrades but the run continues.
type librarianTask struct {
	deps Deps
}

func (t *librarianTask) Name() TaskName { return TaskLibrarian }
func (t *librarianTask) Role() Role     { return RoleRetriever }

func (t *librarianTask) Run(ctx context.Context, s *State) (string, error) {
	expert := s.LastActor
	rec, ok := s.Experts[expert]
	if !ok {
		return "", nil
	}
	spec, _ := t.deps.Registry.Expert(expert)

	query := s.RewrittenQuestion
	if spec.Description != "" {
		query = spec.Description + ": " + query
	}
	if rec.Guidance != "" {
		query += " " + rec.Guidance
	}

	passages, err := t.deps.Retrieval.Search(ctx, query, t.deps.RetrievalTopK)
	if err != nil {
		t.deps.Logger.Warn("Retrieval failed, expert proceeds without context",
			zap.String("run_id", s.RunID),
			zap.String("expert", expert),
			zap.Error(err),
		)
	}
	for _, p := range passages {
		rec.RetrievedContext = append(rec.RetrievedContext, p.Content)
	}
	rec.Phase = PhaseDrafting

	return fmt.Sprintf("retrieved %d passages for %s", len(passages), expert), nil
}

// parseExpertIDs extracts known expert ids from free-form gateway output.
// Anything that is not a clean match is ignored; duplicates collapse to the
// first occurrence; exclude drops self-references. A response of "none" or
// pure noise yields an empty list.
func parseExpertIDs(raw string, experts []ExpertSpec, exclude string) []string {
	known := make(map[string]struct{}, len(experts))
	for _, e := range experts {
		known[e.ID] = struct{}{}
	}

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', '\n', ';', '[', ']', '"', '\'':
			return true
		}
		return false
	})

	var out []string
	seen := make(map[string]struct{})
	for _, f := range fields {
		id := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(f), "-")))
		if id == "" || id == exclude {
			continue
		}
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
