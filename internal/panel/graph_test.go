package panel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/symposium-labs/symposium/internal/gateway"
)

type fakeRetrieval struct {
	passages []gateway.Passage
	err      error
	queries  []string
}

func (f *fakeRetrieval) Search(ctx context.Context, query string, k int) ([]gateway.Passage, error) {
	f.queries = append(f.queries, query)
	return f.passages, f.err
}

// scriptedCompletion answers prompts by shape so one fake can drive a whole
// run. Override fn for scenario-specific behavior.
type scriptedCompletion struct {
	selected      string
	collaborators string
	fn            func(req gateway.CompletionRequest) (string, error)
	calls         []gateway.CompletionRequest
}

func (f *scriptedCompletion) Generate(ctx context.Context, req gateway.CompletionRequest) (string, error) {
	f.calls = append(f.calls, req)
	if f.fn != nil {
		return f.fn(req)
	}
	return f.answer(req)
}

func (f *scriptedCompletion) answer(req gateway.CompletionRequest) (string, error) {
	switch {
	case strings.Contains(req.Prompt, "comma-separated list of expert ids"):
		return f.collaborators, nil
	case strings.HasPrefix(req.Prompt, "Panel experts:"):
		return f.selected, nil
	case strings.Contains(req.Prompt, "Critique your own draft"):
		return "self critique", nil
	case strings.Contains(req.Prompt, "Revise your analysis"):
		return "revised analysis", nil
	case strings.Contains(req.Prompt, "asked for your input"):
		return "collaboration note", nil
	case strings.HasPrefix(req.Prompt, "Expert:"):
		return "moderator guidance", nil
	case strings.HasPrefix(req.Prompt, "Question:"):
		return "synthesized report", nil
	default:
		return "draft analysis", nil
	}
}

func testDeps(t *testing.T, completion CompletionGateway, retrieval RetrievalGateway) Deps {
	t.Helper()
	registry, err := NewRegistry(DefaultCatalog(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return Deps{
		Registry:       registry,
		Retrieval:      retrieval,
		Completion:     completion,
		Logger:         zaptest.NewLogger(t),
		RetrievalTopK:  3,
		CollabDeadline: 5 * time.Second,
		CollabRoundCap: 1,
		MaxSteps:       64,
	}
}

func runGraph(t *testing.T, deps Deps, s *State) ([]Event, int) {
	t.Helper()
	g, err := Compile(deps)
	require.NoError(t, err)
	var events []Event
	steps, err := g.Run(context.Background(), s, func(evt Event) {
		events = append(events, evt)
	})
	require.NoError(t, err)
	return events, steps
}

func TestRunSingleExpertNoCollaboration(t *testing.T) {
	completion := &scriptedCompletion{selected: "economics", collaborators: "none"}
	retrieval := &fakeRetrieval{passages: []gateway.Passage{{Content: "ref"}}}
	s := NewState("run-1", "sess-1", "what drives inflation?", nil)

	events, steps := runGraph(t, testDeps(t, completion, retrieval), s)

	assert.Equal(t, "synthesized report", s.SynthesizedReport)
	assert.False(t, s.OutOfScope)
	assert.Greater(t, steps, 0)

	rec := s.Experts["economics"]
	require.NotNil(t, rec)
	assert.True(t, rec.Done)
	assert.Empty(t, rec.Error)
	assert.Equal(t, "draft analysis", rec.Analysis)
	assert.Equal(t, []string{"ref"}, rec.RetrievedContext)
	assert.Equal(t, "moderator guidance", rec.Guidance)

	// Terminal synthesis must be the last emitted event.
	require.NotEmpty(t, events)
	assert.Equal(t, TaskSynthesis, events[len(events)-1].Task)
}

func TestRunWithCollaborationRound(t *testing.T) {
	decided := false
	completion := &scriptedCompletion{selected: "economics"}
	completion.fn = func(req gateway.CompletionRequest) (string, error) {
		if strings.Contains(req.Prompt, "comma-separated list of expert ids") {
			if decided {
				return "none", nil
			}
			decided = true
			return "law", nil
		}
		return completion.answer(req)
	}
	retrieval := &fakeRetrieval{}
	s := NewState("run-2", "sess-2", "question", nil)

	runGraph(t, testDeps(t, completion, retrieval), s)

	rec := s.Experts["economics"]
	require.NotNil(t, rec)
	assert.True(t, rec.Done)
	assert.Equal(t, "revised analysis", rec.Analysis)
	assert.Equal(t, []string{"law"}, rec.Collaborators)
	assert.Equal(t, "collaboration note", rec.CollaborationNotes["law"])
	assert.Equal(t, 1, rec.CollabRounds)
	assert.False(t, s.Flags.CollaborationInProgress)
	assert.Equal(t, "synthesized report", s.SynthesizedReport)
}

func TestCollaborationRoundCapStopsSecondRequest(t *testing.T) {
	// The expert always asks for collaborators; the cap must force it to
	// finalize after one round instead of looping.
	completion := &scriptedCompletion{selected: "economics", collaborators: "law"}
	s := NewState("run-3", "sess-3", "question", nil)

	_, steps := runGraph(t, testDeps(t, completion, &fakeRetrieval{}), s)

	rec := s.Experts["economics"]
	require.NotNil(t, rec)
	assert.True(t, rec.Done)
	assert.Equal(t, 1, rec.CollabRounds)
	assert.Less(t, steps, 64)
}

func TestRunMultipleExpertsSequential(t *testing.T) {
	completion := &scriptedCompletion{selected: "economics, law", collaborators: "none"}
	s := NewState("run-4", "sess-4", "question", nil)

	runGraph(t, testDeps(t, completion, &fakeRetrieval{}), s)

	assert.Equal(t, []string{"economics", "law"}, s.SelectionOrder)
	assert.Empty(t, s.PendingExperts)
	for _, id := range []string{"economics", "law"} {
		rec := s.Experts[id]
		require.NotNil(t, rec, id)
		assert.True(t, rec.Done, id)
		assert.Empty(t, rec.Error, id)
	}
	assert.Equal(t, "synthesized report", s.SynthesizedReport)
}

func TestOutOfScopeQuestion(t *testing.T) {
	completion := &scriptedCompletion{selected: "none"}
	completion.fn = func(req gateway.CompletionRequest) (string, error) {
		if strings.Contains(req.Prompt, "fits none of the panel's experts") {
			return "", nil // fall back to the catalogue examples
		}
		return completion.answer(req)
	}
	s := NewState("run-5", "sess-5", "how do I bake bread?", nil)

	runGraph(t, testDeps(t, completion, &fakeRetrieval{}), s)

	assert.True(t, s.OutOfScope)
	assert.Contains(t, s.SynthesizedReport, "outside the panel's areas of expertise")
	// Example questions come from the catalogue seats.
	assert.Contains(t, s.SynthesizedReport, "carbon border tax")
}

func TestExpertGatewayFailureDoesNotAbortRun(t *testing.T) {
	completion := &scriptedCompletion{selected: "economics, law", collaborators: "none"}
	completion.fn = func(req gateway.CompletionRequest) (string, error) {
		// The economist's system instructions carry its seat description.
		if strings.Contains(req.System, "economist") {
			return "", gateway.ErrRuntime
		}
		return completion.answer(req)
	}
	s := NewState("run-6", "sess-6", "question", nil)

	runGraph(t, testDeps(t, completion, &fakeRetrieval{}), s)

	econ := s.Experts["economics"]
	require.NotNil(t, econ)
	assert.True(t, econ.Done)
	assert.NotEmpty(t, econ.Error)

	law := s.Experts["law"]
	require.NotNil(t, law)
	assert.True(t, law.Done)
	assert.Empty(t, law.Error)

	assert.Equal(t, []string{"economics"}, s.FailedExperts())
	assert.Contains(t, s.SynthesizedReport, "could not complete their analysis")
	assert.Contains(t, s.SynthesizedReport, "economics")
}

func TestRetrievalFailureDegradesGracefully(t *testing.T) {
	completion := &scriptedCompletion{selected: "economics", collaborators: "none"}
	retrieval := &fakeRetrieval{err: gateway.ErrConnection}
	s := NewState("run-7", "sess-7", "question", nil)

	runGraph(t, testDeps(t, completion, retrieval), s)

	rec := s.Experts["economics"]
	require.NotNil(t, rec)
	assert.True(t, rec.Done)
	assert.Empty(t, rec.Error)
	assert.Empty(t, rec.RetrievedContext)
}

func TestStepBudgetExhaustion(t *testing.T) {
	completion := &scriptedCompletion{selected: "economics", collaborators: "none"}
	deps := testDeps(t, completion, &fakeRetrieval{})
	deps.MaxSteps = 2

	g, err := Compile(deps)
	require.NoError(t, err)

	s := NewState("run-8", "sess-8", "question", nil)
	_, err = g.Run(context.Background(), s, nil)
	assert.ErrorIs(t, err, ErrGraphExhausted)
	assert.Empty(t, s.SynthesizedReport)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	completion := &scriptedCompletion{selected: "economics", collaborators: "none"}
	g, err := Compile(testDeps(t, completion, &fakeRetrieval{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewState("run-9", "sess-9", "question", nil)
	_, err = g.Run(ctx, s, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRewriteUsesHistory(t *testing.T) {
	completion := &scriptedCompletion{selected: "economics", collaborators: "none"}
	completion.fn = func(req gateway.CompletionRequest) (string, error) {
		if strings.HasPrefix(req.Prompt, "Prior conversation:") {
			return "standalone question", nil
		}
		return completion.answer(req)
	}
	history := []HistoryEntry{{Question: "earlier", Report: "earlier report"}}
	s := NewState("run-10", "sess-10", "and what about that?", history)

	runGraph(t, testDeps(t, completion, &fakeRetrieval{}), s)

	assert.Equal(t, "standalone question", s.RewrittenQuestion)
}

func TestRewriteFailureFallsBackToOriginal(t *testing.T) {
	completion := &scriptedCompletion{selected: "economics", collaborators: "none"}
	completion.fn = func(req gateway.CompletionRequest) (string, error) {
		if strings.HasPrefix(req.Prompt, "Prior conversation:") {
			return "", gateway.ErrTimeout
		}
		return completion.answer(req)
	}
	history := []HistoryEntry{{Question: "earlier", Report: "earlier report"}}
	s := NewState("run-11", "sess-11", "original question", history)

	runGraph(t, testDeps(t, completion, &fakeRetrieval{}), s)

	assert.Equal(t, "original question", s.RewrittenQuestion)
}

func TestCompileRejectsMissingDeps(t *testing.T) {
	registry, err := NewRegistry(DefaultCatalog(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = Compile(Deps{Registry: registry})
	assert.Error(t, err)

	_, err = Compile(Deps{Retrieval: &fakeRetrieval{}, Completion: &scriptedCompletion{}})
	assert.Error(t, err)
}
