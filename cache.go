package recordrule

import (
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// DecisionKey identifies one memoized access decision. The tenant id is
// part of the key: user ids are not globally unique across tenants, and
// tenant isolation is enforced here rather than assumed from upstream.
type DecisionKey struct {
	EntityName string
	Operation  Operation
	SubjectID  string
	TenantID   string
}

// DecisionCache memoizes decision plans, the record-independent product of
// rule evaluation for one key. Decisions over concrete records change with
// the record, so the cached unit is the applicable-rule plan rather than a
// boolean; evaluating a plan against a record is cheap and allocation-free.
// The cache never invalidates itself on rule mutation; callers that change
// rules and need immediate effect must call Clear or InvalidateAll
// explicitly.
type DecisionCache interface {
	Get(key DecisionKey) (*DecisionPlan, bool)
	Put(key DecisionKey, plan *DecisionPlan)
	// Clear drops every cached plan for one entity.
	Clear(entity string)
	InvalidateAll()
}

// MemoryDecisionCache is the default cache: a map under a reader-writer
// lock, exact-match clearing.
type MemoryDecisionCache struct {
	mu    sync.RWMutex
	plans map[DecisionKey]*DecisionPlan
}

func NewMemoryDecisionCache() *MemoryDecisionCache {
	return &MemoryDecisionCache{plans: make(map[DecisionKey]*DecisionPlan)}
}

func (c *MemoryDecisionCache) Get(key DecisionKey) (*DecisionPlan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[key]
	return p, ok
}

func (c *MemoryDecisionCache) Put(key DecisionKey, plan *DecisionPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[key] = plan
}

func (c *MemoryDecisionCache) Clear(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.plans {
		if k.EntityName == entity {
			delete(c.plans, k)
		}
	}
}

func (c *MemoryDecisionCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.plans {
		delete(c.plans, k)
	}
}

// RistrettoDecisionCache keeps decision plans in a ristretto cache, sized
// by cost. Ristretto has no per-prefix deletion, so Clear bumps a
// per-entity generation counter that is folded into every key; stale
// entries age out under cost pressure.
type RistrettoDecisionCache struct {
	cache *ristretto.Cache

	mu  sync.RWMutex
	gen map[string]uint64
}

func NewRistrettoDecisionCache(numCounters, maxCost, bufferItems int64) (*RistrettoDecisionCache, error) {
	if numCounters <= 0 {
		numCounters = 1e5
	}
	if maxCost <= 0 {
		maxCost = 1e4
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoDecisionCache{cache: cache, gen: make(map[string]uint64)}, nil
}

func (c *RistrettoDecisionCache) keyString(key DecisionKey) string {
	c.mu.RLock()
	gen := c.gen[key.EntityName]
	c.mu.RUnlock()
	var b strings.Builder
	b.WriteString(strconv.FormatUint(gen, 10))
	b.WriteByte('|')
	b.WriteString(key.EntityName)
	b.WriteByte('|')
	b.WriteString(string(key.Operation))
	b.WriteByte('|')
	b.WriteString(key.SubjectID)
	b.WriteByte('|')
	b.WriteString(key.TenantID)
	return b.String()
}

func (c *RistrettoDecisionCache) Get(key DecisionKey) (*DecisionPlan, bool) {
	v, ok := c.cache.Get(c.keyString(key))
	if !ok {
		return nil, false
	}
	plan, ok := v.(*DecisionPlan)
	return plan, ok
}

func (c *RistrettoDecisionCache) Put(key DecisionKey, plan *DecisionPlan) {
	c.cache.Set(c.keyString(key), plan, 1)
}

func (c *RistrettoDecisionCache) Clear(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[entity]++
}

func (c *RistrettoDecisionCache) InvalidateAll() {
	c.cache.Clear()
}

// Wait blocks until buffered writes are applied; writes are otherwise
// applied asynchronously and a Put may not be visible to an immediate Get.
func (c *RistrettoDecisionCache) Wait() { c.cache.Wait() }

func (c *RistrettoDecisionCache) Close() { c.cache.Close() }
