package panel

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Role tags a task with its function in the panel.
type Role string

const (
	RoleModerator    Role = "moderator"
	RoleRetriever    Role = "retriever"
	RoleExpert       Role = "expert"
	RoleCollaborator Role = "collaborator"
	RoleSynthesizer  Role = "synthesizer"
)

// TaskName identifies an executable unit in the compiled graph.
type TaskName string

// Fixed task names. Expert pipelines are derived per catalogue entry.
const (
	TaskRewrite       TaskName = "rewrite"
	TaskSelectExperts TaskName = "select_experts"
	TaskModerate      TaskName = "moderate"
	TaskLibrarian     TaskName = "librarian"
	TaskCollaborate   TaskName = "collaborate"
	TaskSynthesis     TaskName = "synthesis"
)

// PipelineTask returns the pipeline task name for an expert.
func PipelineTask(expertID string) TaskName {
	return TaskName(expertID + "-pipeline")
}

// ExpertSpec describes one expert seat on the panel.
type ExpertSpec struct {
	ID           string   `yaml:"id"`
	Description  string   `yaml:"description"`
	Instructions string   `yaml:"instructions"`
	FocusAreas   []string `yaml:"focus_areas,omitempty"`
	Examples     []string `yaml:"examples,omitempty"`
}

// Catalog is the on-disk shape of the panel catalogue.
type Catalog struct {
	Experts      []ExpertSpec      `yaml:"experts"`
	Instructions map[string]string `yaml:"instructions,omitempty"`
}

// Registry is the static catalogue of task names, roles, and instruction text.
// Reads take a snapshot so compiled graphs stay immutable across hot reloads.
type Registry struct {
	mu           sync.RWMutex
	experts      []ExpertSpec
	instructions map[TaskName]string
	version      uint64
	logger       *zap.Logger
}

// NewRegistry builds a registry from a catalogue. Empty catalogues are
// rejected: a panel with no experts cannot answer anything.
func NewRegistry(cat Catalog, logger *zap.Logger) (*Registry, error) {
	if len(cat.Experts) == 0 {
		return nil, fmt.Errorf("catalogue has no experts")
	}
	seen := make(map[string]struct{}, len(cat.Experts))
	for _, e := range cat.Experts {
		if e.ID == "" {
			return nil, fmt.Errorf("catalogue expert with empty id")
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("duplicate expert id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
	}

	instructions := defaultInstructions()
	for k, v := range cat.Instructions {
		instructions[TaskName(k)] = v
	}

	return &Registry{
		experts:      cat.Experts,
		instructions: instructions,
		version:      1,
		logger:       logger,
	}, nil
}

// LoadCatalog reads a catalogue file and builds a registry from it.
func LoadCatalog(path string, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalogue: %w", err)
	}
	return NewRegistry(cat, logger)
}

// Experts returns a copy of the expert catalogue in declaration order.
func (r *Registry) Experts() []ExpertSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExpertSpec, len(r.experts))
	copy(out, r.experts)
	return out
}

// Expert looks up a single expert by ID.
func (r *Registry) Expert(id string) (ExpertSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.experts {
		if e.ID == id {
			return e, true
		}
	}
	return ExpertSpec{}, false
}

// Instructions returns the instruction text bound to a task name.
func (r *Registry) Instructions(name TaskName) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instructions[name]
}

// TaskNames returns every task name the registry can produce, fixed tasks and
// per-expert pipelines included. Compile uses this for edge-table validation.
func (r *Registry) TaskNames() []TaskName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := []TaskName{TaskRewrite, TaskSelectExperts, TaskModerate, TaskLibrarian, TaskCollaborate, TaskSynthesis}
	for _, e := range r.experts {
		names = append(names, PipelineTask(e.ID))
	}
	return names
}

// Version returns the reload generation of the catalogue.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Reload replaces the catalogue in place. Compiled graphs that snapshotted the
// previous catalogue keep running on it; only new compilations see the update.
func (r *Registry) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalogue: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("parse catalogue: %w", err)
	}
	fresh, err := NewRegistry(cat, r.logger)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.experts = fresh.experts
	r.instructions = fresh.instructions
	r.version++
	r.mu.Unlock()

	r.logger.Info("Panel catalogue reloaded",
		zap.Int("experts", len(fresh.experts)),
		zap.Uint64("version", r.Version()),
	)
	return nil
}

// Watch reloads the catalogue whenever the file changes. Returns a stop
// function; reload failures keep the previous catalogue.
func (r *Registry) Watch(path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch catalogue: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.Reload(path); err != nil {
					r.logger.Warn("Catalogue reload failed, keeping previous version",
						zap.String("path", path),
						zap.Error(err),
					)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Catalogue watcher error", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

func defaultInstructions() map[TaskName]string {
	return map[TaskName]string{
		TaskRewrite: "Rewrite the user's question as a standalone question, " +
			"resolving references to the prior conversation. Return only the rewritten question.",
		TaskSelectExperts: "Given the question and the list of panel experts, " +
			"reply with a comma-separated list of the expert ids whose domain the question touches. " +
			"Reply with 'none' if no expert is relevant.",
		TaskModerate: "Write one short paragraph of guidance steering the named expert's " +
			"analysis toward the user's question.",
		TaskCollaborate: "You are assisting another panel expert. Given their draft analysis " +
			"and critique, contribute a short augmentation note from your own domain, " +
			"limited to their stated focus areas.",
		TaskSynthesis: "Merge the finalized expert analyses into a single coherent report " +
			"answering the user's question. Attribute key points to their experts.",
	}
}

// DefaultCatalog is the built-in panel used when no catalogue file is
// configured. The seats mirror a general advisory panel.
func DefaultCatalog() Catalog {
	return Catalog{
		Experts: []ExpertSpec{
			{
				ID:          "economics",
				Description: "Macroeconomics, markets, and cost-benefit analysis",
				Instructions: "You are the panel's economist. Analyze the question through incentives, " +
					"market structure, and quantified trade-offs. Cite the retrieved material where it supports a claim.",
				FocusAreas: []string{"incentives", "costs", "market effects"},
				Examples: []string{
					"What are the economic effects of a carbon border tax?",
					"How would a four-day work week affect productivity?",
				},
			},
			{
				ID:          "law",
				Description: "Regulation, compliance, and legal precedent",
				Instructions: "You are the panel's legal analyst. Identify the governing frameworks, " +
					"obligations, and precedent relevant to the question. Flag jurisdictional differences explicitly.",
				FocusAreas: []string{"regulation", "liability", "precedent"},
				Examples: []string{
					"What regulations apply to cross-border data transfers?",
					"Who is liable when an autonomous system causes harm?",
				},
			},
			{
				ID:          "engineering",
				Description: "Systems design, feasibility, and technical risk",
				Instructions: "You are the panel's engineer. Assess technical feasibility, failure modes, " +
					"and implementation constraints. Be concrete about what is and is not buildable today.",
				FocusAreas: []string{"feasibility", "failure modes", "scalability"},
				Examples: []string{
					"Can grid-scale storage cover a week without wind?",
					"What are the failure modes of large model deployments?",
				},
			},
		},
	}
}
