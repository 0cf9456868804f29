// ABOUTME: In-memory catalog of known A2A agents backed by a YAML file
// ABOUTME: Supports add/update/remove with built-in protection and a single default agent

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrAgentNotFound is returned when an agent id is not registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrDuplicateAgent is returned by Add when the id is taken.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrBuiltIn is returned when removing a built-in agent.
	ErrBuiltIn = errors.New("built-in agents cannot be removed")
)

// fileFormat is the persisted form: an ordered list keyed by id.
type fileFormat struct {
	Agents []*Agent `yaml:"agents"`
}

// BuiltIns returns the agents that exist even with an empty registry file.
func BuiltIns() []*Agent {
	return []*Agent{{
		ID:          "interview_prep",
		Name:        "Interview Prep",
		Description: "Builds interview preparation plans and practice questions.",
		URL:         "http://localhost:10000",
		Capabilities: Capabilities{
			PushNotifications: true,
		},
		IsBuiltIn: true,
	}}
}

// Registry holds agents in insertion order. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents []*Agent
	path   string
	logger *slog.Logger
}

// New creates a registry holding only the built-in agents. path may be empty
// for a registry that is never saved.
func New(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:   path,
		logger: logger.With("component", "registry"),
	}
	r.agents = mergeBuiltIns(nil)
	return r
}

// Load creates a registry from the file at path. A missing file yields the
// built-in agents only.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	r := New(path, logger)
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the catalog with the file contents.
func (r *Registry) Reload() error {
	agents, err := readFile(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.agents = mergeBuiltIns(agents)
	n := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("agent registry loaded", "path", r.path, "agents", n)
	return nil
}

func readFile(path string) ([]*Agent, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent registry: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing agent registry: %w", err)
	}

	seen := make(map[string]bool, len(f.Agents))
	for _, a := range f.Agents {
		if a == nil {
			continue
		}
		a.normalize()
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("agent registry: %w", err)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("agent registry: duplicate id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return f.Agents, nil
}

// mergeBuiltIns appends any built-in agent missing from agents. A file entry
// with a built-in id overrides the built-in definition but stays built-in.
func mergeBuiltIns(agents []*Agent) []*Agent {
	out := make([]*Agent, 0, len(agents)+1)
	ids := make(map[string]bool)
	for _, a := range agents {
		if a == nil {
			continue
		}
		out = append(out, a)
		ids[a.ID] = true
	}
	for _, b := range BuiltIns() {
		b.normalize()
		if ids[b.ID] {
			for _, a := range out {
				if a.ID == b.ID {
					a.IsBuiltIn = true
				}
			}
			continue
		}
		out = append(out, b)
	}
	return out
}

// Save writes the catalog to the registry file.
func (r *Registry) Save() error {
	if r.path == "" {
		return nil
	}

	r.mu.RLock()
	f := fileFormat{Agents: make([]*Agent, len(r.agents))}
	for i, a := range r.agents {
		f.Agents[i] = a.Clone()
	}
	r.mu.RUnlock()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encoding agent registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	// Write then rename so a watcher never reads a half-written file.
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing agent registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replacing agent registry: %w", err)
	}
	return nil
}

func (r *Registry) indexLocked(id string) int {
	for i, a := range r.agents {
		if a.ID == id {
			return i
		}
	}
	return -1
}

// Add registers a new agent.
func (r *Registry) Add(agent *Agent) error {
	a := agent.Clone()
	a.normalize()
	if err := a.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexLocked(a.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID)
	}
	a.IsBuiltIn = false
	if a.IsDefault {
		r.clearDefaultLocked()
	}
	r.agents = append(r.agents, a)
	r.logger.Info("agent added", "agent_id", a.ID, "url", a.URL)
	return nil
}

// Update replaces an existing agent. The built-in flag cannot be changed.
func (r *Registry) Update(agent *Agent) error {
	a := agent.Clone()
	a.normalize()
	if err := a.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(a.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, a.ID)
	}
	a.IsBuiltIn = r.agents[i].IsBuiltIn
	if a.IsDefault {
		r.clearDefaultLocked()
	}
	r.agents[i] = a
	return nil
}

// Upsert adds the agent or updates it in place.
func (r *Registry) Upsert(agent *Agent) error {
	err := r.Update(agent)
	if errors.Is(err, ErrAgentNotFound) {
		return r.Add(agent)
	}
	return err
}

// Remove deletes an agent. Built-in agents are refused.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if r.agents[i].IsBuiltIn {
		return fmt.Errorf("%w: %s", ErrBuiltIn, id)
	}
	r.agents = append(r.agents[:i], r.agents[i+1:]...)
	r.logger.Info("agent removed", "agent_id", id)
	return nil
}

// Get returns a copy of the agent with id.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return r.agents[i].Clone(), nil
}

// List returns copies of all agents in registration order.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, len(r.agents))
	for i, a := range r.agents {
		out[i] = a.Clone()
	}
	return out
}

// Default returns the agent marked default, else the first agent.
func (r *Registry) Default() (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.agents {
		if a.IsDefault {
			return a.Clone(), nil
		}
	}
	if len(r.agents) == 0 {
		return nil, ErrAgentNotFound
	}
	return r.agents[0].Clone(), nil
}

// SetDefault marks id as the only default agent.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	r.clearDefaultLocked()
	r.agents[i].IsDefault = true
	return nil
}

func (r *Registry) clearDefaultLocked() {
	for _, a := range r.agents {
		a.IsDefault = false
	}
}
