package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

// AgentStore is the part of the repository the registry writes to.
type AgentStore interface {
	SaveAgent(ctx context.Context, a *workflow.Agent) error
	GetAgentByType(ctx context.Context, t workflow.AgentType) (*workflow.Agent, error)
	ListAgents(ctx context.Context) ([]*workflow.Agent, error)
	DeleteAgentsNotIn(ctx context.Context, types []workflow.AgentType) error
}

type Registry struct {
	store AgentStore

	mu        sync.RWMutex
	overrides map[string]config.AgentDefinition
	cfg       config.LLMConfig
}

func New(s AgentStore, overrides map[string]config.AgentDefinition, cfg config.LLMConfig) *Registry {
	return &Registry{
		store:     s,
		overrides: overrides,
		cfg:       cfg,
	}
}

// Update swaps the overrides and defaults. Call Sync afterwards to persist.
func (r *Registry) Update(overrides map[string]config.AgentDefinition, cfg config.LLMConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = overrides
	r.cfg = cfg
}

// Sync upserts every agent type and deletes rows for types no longer defined.
func (r *Registry) Sync(ctx context.Context) error {
	types := make([]workflow.AgentType, 0, len(workflow.AgentTypes))
	for _, t := range workflow.AgentTypes {
		types = append(types, t)

		a := r.Definition(t)
		if err := r.store.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("save agent %s: %w", t, err)
		}
	}

	if err := r.store.DeleteAgentsNotIn(ctx, types); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, t workflow.AgentType) (*workflow.Agent, error) {
	return r.store.GetAgentByType(ctx, t)
}

func (r *Registry) List(ctx context.Context) ([]*workflow.Agent, error) {
	return r.store.ListAgents(ctx)
}

// Definition merges the built-in definition of t with its config override.
func (r *Registry) Definition(t workflow.AgentType) *workflow.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b := builtins[t]
	a := &workflow.Agent{
		ID:           "agent-" + string(t),
		Type:         t,
		Name:         b.name,
		Description:  b.description,
		SystemPrompt: b.systemPrompt,
		Temperature:  &b.temperature,
		MaxTokens:    b.maxTokens,
	}
	if def, ok := r.overrides[string(t)]; ok {
		if def.Name != "" {
			a.Name = def.Name
		}
		if def.Description != "" {
			a.Description = def.Description
		}
		if def.SystemPrompt != "" {
			a.SystemPrompt = def.SystemPrompt
		}
		if def.Model != "" {
			a.Model = def.Model
		}
		if def.Temperature != nil {
			temp := *def.Temperature
			a.Temperature = &temp
		}
		if def.MaxTokens > 0 {
			a.MaxTokens = def.MaxTokens
		}
	}
	if a.Model == "" {
		a.Model = r.cfg.Model
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = r.cfg.MaxTokens
	}
	return a
}

func (r *Registry) ResolveModel(t workflow.AgentType) string {
	return r.Definition(t).Model
}

func (r *Registry) AgentDescriptions() map[workflow.AgentType]string {
	descs := make(map[workflow.AgentType]string, len(workflow.AgentTypes))
	for _, t := range workflow.AgentTypes {
		descs[t] = r.Definition(t).Description
	}
	return descs
}
