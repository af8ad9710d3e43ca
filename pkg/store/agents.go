package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AgentConfig is one configured council expert.
type AgentConfig struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	ModelSpec       string   `json:"model_spec"`
	Enabled         bool     `json:"enabled"`
	Persona         string   `json:"persona"`
	InfluenceWeight float64  `json:"influence_weight"`
	SeniorityYears  int      `json:"seniority_years"`
	KBDocIDs        []string `json:"kb_doc_ids"`
	KBCategories    []string `json:"kb_categories"`
	GraphID         string   `json:"graph_id"`
	CreatedAt       string   `json:"created_at"`
}

// ModelRoles are the privileged model assignments.
type ModelRoles struct {
	ChairmanModel string `json:"chairman_model"`
	TitleModel    string `json:"title_model"`
}

type agentsFile struct {
	Agents        []AgentConfig `json:"agents"`
	ChairmanModel string        `json:"chairman_model"`
	TitleModel    string        `json:"title_model"`
	UpdatedAt     string        `json:"updated_at"`
}

// Agents persists the roster and model roles in data/agents.json,
// seeding defaults from the environment on first use.
type Agents struct {
	path     string
	mu       sync.Mutex
	seed     []string
	chairman string
	title    string
}

// NewAgents creates the store. seedModels/chairman/title fill a fresh
// file when none exists yet.
func NewAgents(dataDir string, seedModels []string, chairmanModel, titleModel string) *Agents {
	return &Agents{
		path:     filepath.Join(dataDir, "agents.json"),
		seed:     seedModels,
		chairman: chairmanModel,
		title:    titleModel,
	}
}

func (a *Agents) loadOrInit() (*agentsFile, error) {
	var data agentsFile
	err := readJSON(a.path, &data)
	if err == nil {
		return &data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	data = agentsFile{ChairmanModel: a.chairman, TitleModel: a.title, UpdatedAt: nowISO()}
	for i, spec := range a.seed {
		data.Agents = append(data.Agents, AgentConfig{
			ID:              fmt.Sprintf("agent-%d", i+1),
			Name:            fmt.Sprintf("Agent %d", i+1),
			ModelSpec:       spec,
			Enabled:         true,
			InfluenceWeight: 1.0,
			CreatedAt:       nowISO(),
		})
	}
	if err := writeJSONAtomic(a.path, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (a *Agents) save(data *agentsFile) error {
	data.UpdatedAt = nowISO()
	return writeJSONAtomic(a.path, data)
}

// List returns all configured agents.
func (a *Agents) List() ([]AgentConfig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := a.loadOrInit()
	if err != nil {
		return nil, err
	}
	out := make([]AgentConfig, len(data.Agents))
	copy(out, data.Agents)
	for i := range out {
		if out[i].Name == "" {
			out[i].Name = out[i].ID
		}
		if out[i].KBDocIDs == nil {
			out[i].KBDocIDs = []string{}
		}
		if out[i].KBCategories == nil {
			out[i].KBCategories = []string{}
		}
	}
	return out, nil
}

// Get returns one agent or ErrNotFound.
func (a *Agents) Get(agentID string) (*AgentConfig, error) {
	agents, err := a.List()
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if agents[i].ID == agentID {
			return &agents[i], nil
		}
	}
	return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
}

// Upsert inserts or replaces an agent by id.
func (a *Agents) Upsert(agent AgentConfig) (*AgentConfig, error) {
	if strings.TrimSpace(agent.ID) == "" {
		return nil, fmt.Errorf("agent id is empty")
	}
	if agent.CreatedAt == "" {
		agent.CreatedAt = nowISO()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := a.loadOrInit()
	if err != nil {
		return nil, err
	}
	replaced := false
	for i := range data.Agents {
		if data.Agents[i].ID == agent.ID {
			data.Agents[i] = agent
			replaced = true
			break
		}
	}
	if !replaced {
		data.Agents = append(data.Agents, agent)
	}
	if err := a.save(data); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Delete removes an agent. False when the id was unknown.
func (a *Agents) Delete(agentID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := a.loadOrInit()
	if err != nil {
		return false, err
	}
	kept := data.Agents[:0]
	for _, agent := range data.Agents {
		if agent.ID != agentID {
			kept = append(kept, agent)
		}
	}
	if len(kept) == len(data.Agents) {
		return false, nil
	}
	data.Agents = kept
	if err := a.save(data); err != nil {
		return false, err
	}
	return true, nil
}

// Models returns the chairman and title model specs.
func (a *Agents) Models() (*ModelRoles, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := a.loadOrInit()
	if err != nil {
		return nil, err
	}
	roles := &ModelRoles{ChairmanModel: data.ChairmanModel, TitleModel: data.TitleModel}
	if roles.ChairmanModel == "" {
		roles.ChairmanModel = a.chairman
	}
	if roles.TitleModel == "" {
		roles.TitleModel = a.title
	}
	return roles, nil
}

// SetModels updates the model roles; nil leaves a role unchanged.
func (a *Agents) SetModels(chairmanModel, titleModel *string) (*ModelRoles, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := a.loadOrInit()
	if err != nil {
		return nil, err
	}
	if chairmanModel != nil {
		data.ChairmanModel = strings.TrimSpace(*chairmanModel)
	}
	if titleModel != nil {
		data.TitleModel = strings.TrimSpace(*titleModel)
	}
	if err := a.save(data); err != nil {
		return nil, err
	}
	return &ModelRoles{ChairmanModel: data.ChairmanModel, TitleModel: data.TitleModel}, nil
}

// ChairmanModel satisfies the tools dependency; empty on store errors.
func (a *Agents) ChairmanModel() string {
	roles, err := a.Models()
	if err != nil {
		return ""
	}
	return roles.ChairmanModel
}
