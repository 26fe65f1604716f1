package registry

import (
	"context"
	"sync"

	"github.com/wudi/schemahub/internal/schema"
)

// MemoryStore keeps registry state in process memory. Suitable for a
// single instance; state is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	states  map[string]*TargetState
	history map[string][]Version
	bases   map[string]string
	limit   int
}

// NewMemoryStore creates an empty in-memory store keeping up to
// historyLimit versions per target.
func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &MemoryStore{
		states:  make(map[string]*TargetState),
		history: make(map[string][]Version),
		bases:   make(map[string]string),
		limit:   historyLimit,
	}
}

func (s *MemoryStore) Latest(ctx context.Context, sel schema.TargetSelector) (*TargetState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[sel.String()]
	if !ok {
		return nil, nil
	}
	return cloneState(state), nil
}

func (s *MemoryStore) Insert(ctx context.Context, sel schema.TargetSelector, v Version) error {
	key := sel.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[key] = applyVersion(s.states[key], v)

	hist := append([]Version{v}, s.history[key]...)
	if len(hist) > s.limit {
		hist = hist[:s.limit]
	}
	s.history[key] = hist

	return nil
}

func (s *MemoryStore) History(ctx context.Context, sel schema.TargetSelector, limit int) ([]Version, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.history[sel.String()]
	if len(hist) > limit {
		hist = hist[:limit]
	}
	out := make([]Version, len(hist))
	copy(out, hist)
	return out, nil
}

func (s *MemoryStore) SetBaseSchema(ctx context.Context, sel schema.TargetSelector, base string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if base == "" {
		delete(s.bases, sel.String())
		return nil
	}
	s.bases[sel.String()] = base
	return nil
}

func (s *MemoryStore) BaseSchema(ctx context.Context, sel schema.TargetSelector) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bases[sel.String()], nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// cloneState copies the state so callers cannot mutate stored data.
func cloneState(state *TargetState) *TargetState {
	out := *state
	out.Subgraphs = make([]Subgraph, len(state.Subgraphs))
	copy(out.Subgraphs, state.Subgraphs)
	return &out
}
