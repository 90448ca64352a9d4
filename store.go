package recordrule

import (
	"context"
	"fmt"
	"sync"
)

// RuleStore manages rule persistence. Implementations must be safe for
// concurrent readers; mutation is expected to be infrequent.
type RuleStore interface {
	SaveRule(ctx context.Context, r *Rule) error
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	// ListRules returns the rules for one entity; an empty entity name
	// returns every rule.
	ListRules(ctx context.Context, entity string) ([]*Rule, error)
	DeletePluginRules(ctx context.Context, pluginID string) (int, error)
}

// MemoryRuleStore holds rules in process memory. The zero store is not
// usable; construct with NewMemoryRuleStore.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]*Rule)}
}

func (s *MemoryRuleStore) SaveRule(ctx context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *MemoryRuleStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

func (s *MemoryRuleStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return r, nil
}

func (s *MemoryRuleStore) ListRules(ctx context.Context, entity string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Rule, 0)
	for _, r := range s.rules {
		if entity == "" || r.EntityName == entity {
			result = append(result, r)
		}
	}
	return result, nil
}

// DeletePluginRules removes only rules tagged with pluginID; untagged rules
// and rules owned by other plugins are untouched.
func (s *MemoryRuleStore) DeletePluginRules(ctx context.Context, pluginID string) (int, error) {
	if pluginID == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, r := range s.rules {
		if r.PluginID == pluginID {
			delete(s.rules, id)
			count++
		}
	}
	return count, nil
}
