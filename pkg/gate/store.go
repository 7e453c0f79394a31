package gate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// AgentStore persists agents and their oath history. Put must write the
// agent and the new oath record together; SQL implementations use one
// transaction. Mutation happens only on the gate's behalf.
type AgentStore interface {
	// Get returns the agent and its most recent oath record.
	Get(ctx context.Context, agentID string) (*Agent, *OathRecord, error)
	// Put upserts the agent and appends a new oath record.
	Put(ctx context.Context, agent *Agent, oath *OathRecord) error
	// SetStatus updates the agent's status and stamps the latest oath
	// record's invalidation time when status is OathInvalidated.
	SetStatus(ctx context.Context, agentID string, status OathStatus, at time.Time) error
	// History returns every oath record for the agent, oldest first.
	History(ctx context.Context, agentID string) ([]*OathRecord, error)
	// List returns all agents, ordered by id.
	List(ctx context.Context) ([]*Agent, error)
	Close() error
}

// MemoryAgentStore is the in-process implementation used by tests and
// ephemeral nodes.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	oaths  map[string][]*OathRecord
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		agents: make(map[string]*Agent),
		oaths:  make(map[string][]*OathRecord),
	}
}

func (s *MemoryAgentStore) Get(_ context.Context, agentID string) (*Agent, *OathRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, nil, ErrUnknownAgent
	}
	cp := cloneAgent(agent)

	history := s.oaths[agentID]
	if len(history) == 0 {
		return cp, nil, nil
	}
	oath := *history[len(history)-1]
	return cp, &oath, nil
}

func (s *MemoryAgentStore) Put(_ context.Context, agent *Agent, oath *OathRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents[agent.ID] = cloneAgent(agent)
	if oath != nil {
		cp := *oath
		s.oaths[agent.ID] = append(s.oaths[agent.ID], &cp)
	}
	return nil
}

func (s *MemoryAgentStore) SetStatus(_ context.Context, agentID string, status OathStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	agent.OathStatus = status

	if status == OathInvalidated {
		if history := s.oaths[agentID]; len(history) > 0 {
			stamped := at
			history[len(history)-1].InvalidatedAt = &stamped
		}
	}
	return nil
}

func (s *MemoryAgentStore) History(_ context.Context, agentID string) ([]*OathRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.oaths[agentID]
	out := make([]*OathRecord, len(history))
	for i, o := range history {
		cp := *o
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryAgentStore) List(_ context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryAgentStore) Close() error { return nil }

func cloneAgent(a *Agent) *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}
