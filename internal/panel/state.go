package panel

import (
	"time"
)

// Phase tracks where an expert's pipeline currently is. Phases only ever move
// forward; a revision pass after collaboration re-enters the pipeline in
// PhaseCollaborationRequested, never back in PhaseDrafting.
type Phase int

const (
	PhaseAwaitingGuidance Phase = iota
	PhaseAwaitingRetrieval
	PhaseDrafting
	PhaseReflecting
	PhaseDecidingCollaboration
	PhaseCollaborationRequested
	PhaseFinalizing
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingGuidance:
		return "awaiting_guidance"
	case PhaseAwaitingRetrieval:
		return "awaiting_retrieval"
	case PhaseDrafting:
		return "drafting"
	case PhaseReflecting:
		return "reflecting"
	case PhaseDecidingCollaboration:
		return "deciding_collaboration"
	case PhaseCollaborationRequested:
		return "collaboration_requested"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// ExpertRecord accumulates one expert's work across pipeline invocations.
// Fields are filled monotonically and never rolled back.
type ExpertRecord struct {
	ExpertID           string            `json:"expert_id"`
	Guidance           string            `json:"guidance,omitempty"`
	RetrievedContext   []string          `json:"retrieved_context,omitempty"`
	Analysis           string            `json:"analysis,omitempty"`
	Reflection         string            `json:"reflection,omitempty"`
	Collaborators      []string          `json:"collaborators,omitempty"`
	CollaborationNotes map[string]string `json:"collaboration_notes,omitempty"`
	CollabRounds       int               `json:"collab_rounds"`
	Done               bool              `json:"done"`
	Error              string            `json:"error,omitempty"`
	Phase              Phase             `json:"-"`
}

// Flags are the session-scoped control bits the routing engine reads. They
// live on the run's state, never on the process, so concurrent runs cannot
// corrupt each other.
type Flags struct {
	ExpertsIdentified       bool
	CollaborationInProgress bool
	CollaborationRemaining  bool
}

// HistoryEntry is one prior turn of the conversation, loaded from the session
// store for question rewriting.
type HistoryEntry struct {
	Question string
	Report   string
}

// State is the mutable record threaded through every task invocation of one
// run. It is exclusively owned by its run and needs no synchronization.
type State struct {
	RunID     string
	SessionID string
	StartedAt time.Time

	Question          string
	RewrittenQuestion string
	History           []HistoryEntry

	PendingExperts    []string
	SelectionOrder    []string
	Experts           map[string]*ExpertRecord
	ModeratorGuidance string
	LastActor         string
	CollabRequester   string

	SynthesizedReport string
	OutOfScope        bool

	Flags Flags
}

// NewState creates the state for a fresh run.
func NewState(runID, sessionID, question string, history []HistoryEntry) *State {
	return &State{
		RunID:     runID,
		SessionID: sessionID,
		StartedAt: time.Now(),
		Question:  question,
		History:   history,
		Experts:   make(map[string]*ExpertRecord),
	}
}

// HeadExpert returns the expert at the head of the pending queue.
func (s *State) HeadExpert() (string, bool) {
	if len(s.PendingExperts) == 0 {
		return "", false
	}
	return s.PendingExperts[0], true
}

// PopExpert removes the head of the pending queue. An expert is removed
// exactly once, after its pipeline fully completes.
func (s *State) PopExpert() {
	if len(s.PendingExperts) > 0 {
		s.PendingExperts = s.PendingExperts[1:]
	}
}

// Record returns the record for an expert, creating it on first touch.
func (s *State) Record(expertID string) *ExpertRecord {
	rec, ok := s.Experts[expertID]
	if !ok {
		rec = &ExpertRecord{ExpertID: expertID, Phase: PhaseAwaitingGuidance}
		s.Experts[expertID] = rec
	}
	return rec
}

// FailedExperts lists experts whose records finalized with an error, in
// selection order.
func (s *State) FailedExperts() []string {
	var failed []string
	for _, rec := range s.orderedRecords() {
		if rec.Error != "" {
			failed = append(failed, rec.ExpertID)
		}
	}
	return failed
}

// CompletedExperts lists experts that finished cleanly, in selection order.
func (s *State) CompletedExperts() []*ExpertRecord {
	var done []*ExpertRecord
	for _, rec := range s.orderedRecords() {
		if rec.Done && rec.Error == "" {
			done = append(done, rec)
		}
	}
	return done
}

// orderedRecords returns records in selection order; the Experts map alone
// loses ordering.
func (s *State) orderedRecords() []*ExpertRecord {
	out := make([]*ExpertRecord, 0, len(s.Experts))
	for _, id := range s.SelectionOrder {
		if rec, ok := s.Experts[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}
