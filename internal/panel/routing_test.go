package panel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExperts() []ExpertSpec {
	return []ExpertSpec{
		{ID: "economics"},
		{ID: "law"},
	}
}

func knownTasks(experts []ExpertSpec) map[TaskName]struct{} {
	known := map[TaskName]struct{}{
		TaskRewrite:       {},
		TaskSelectExperts: {},
		TaskModerate:      {},
		TaskLibrarian:     {},
		TaskCollaborate:   {},
		TaskSynthesis:     {},
	}
	for _, e := range experts {
		known[PipelineTask(e.ID)] = struct{}{}
	}
	return known
}

func TestValidateAcceptsCompleteTaskSet(t *testing.T) {
	experts := testExperts()
	table := BuildRoutingTable(experts)
	assert.NoError(t, table.Validate(knownTasks(experts)))
}

func TestValidateRejectsMissingPipeline(t *testing.T) {
	experts := testExperts()
	table := BuildRoutingTable(experts)

	known := knownTasks(experts)
	delete(known, PipelineTask("law"))

	err := table.Validate(known)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestEntryIsRewrite(t *testing.T) {
	table := BuildRoutingTable(testExperts())
	assert.Equal(t, TaskRewrite, table.Entry())
}

func TestNextUnknownTask(t *testing.T) {
	table := BuildRoutingTable(testExperts())
	_, _, err := table.Next(TaskName("bogus"), NewState("r", "s", "q", nil))
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestSynthesisIsTerminal(t *testing.T) {
	table := BuildRoutingTable(testExperts())
	_, cont, err := table.Next(TaskSynthesis, NewState("r", "s", "q", nil))
	require.NoError(t, err)
	assert.False(t, cont)
}

func TestExpertDispatchEmptyQueueGoesToSynthesis(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	assert.Equal(t, []TaskName{TaskSynthesis}, expertDispatch(s))
}

func TestExpertDispatchFreshExpertGetsModerated(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	s.PendingExperts = []string{"economics"}
	s.Record("economics")
	assert.Equal(t, []TaskName{TaskModerate}, expertDispatch(s))
}

func TestExpertDispatchTouchedExpertReentersPipeline(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	s.PendingExperts = []string{"economics"}
	s.Record("economics").Phase = PhaseDrafting
	assert.Equal(t, []TaskName{PipelineTask("economics")}, expertDispatch(s))
}

func TestPostPipelineRoutesToLibrarian(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	s.PendingExperts = []string{"economics"}
	s.LastActor = "economics"
	s.Record("economics").Phase = PhaseAwaitingRetrieval
	assert.Equal(t, []TaskName{TaskLibrarian}, postPipeline(s))
}

func TestPostPipelineRoutesToCollaborate(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	s.PendingExperts = []string{"economics"}
	s.LastActor = "economics"
	rec := s.Record("economics")
	rec.Phase = PhaseCollaborationRequested
	s.Flags.CollaborationInProgress = true
	assert.Equal(t, []TaskName{TaskCollaborate}, postPipeline(s))
}

func TestPostPipelinePopsDoneExpert(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	s.PendingExperts = []string{"economics", "law"}
	s.LastActor = "economics"
	rec := s.Record("economics")
	rec.Phase = PhaseFinalizing
	rec.Done = true
	s.Record("law") // fresh, so dispatch moderates it

	next := postPipeline(s)
	assert.Equal(t, []TaskName{TaskModerate}, next)
	assert.Equal(t, []string{"law"}, s.PendingExperts)
}

func TestPostPipelineLastExpertDoneGoesToSynthesis(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	s.PendingExperts = []string{"economics"}
	s.LastActor = "economics"
	rec := s.Record("economics")
	rec.Phase = PhaseFinalizing
	rec.Done = true

	assert.Equal(t, []TaskName{TaskSynthesis}, postPipeline(s))
	assert.Empty(t, s.PendingExperts)
}

func TestPostPipelineMissingRecordFailsOpen(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	s.PendingExperts = []string{"economics"}
	s.LastActor = "ghost"

	assert.Equal(t, []TaskName{TaskSynthesis}, postPipeline(s))
	assert.Empty(t, s.PendingExperts)
}

func TestPostCollaborationReentersRequester(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	s.CollabRequester = "economics"
	assert.Equal(t, []TaskName{PipelineTask("economics")}, postCollaboration(s))
}

func TestLibrarianDispatchReturnsToLastActor(t *testing.T) {
	s := NewState("r", "s", "q", nil)
	s.LastActor = "law"
	assert.Equal(t, []TaskName{PipelineTask("law")}, librarianDispatch(s))
}
