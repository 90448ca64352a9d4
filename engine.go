package recordrule

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/recordrule/logger"
)

// Engine answers row-level access questions: given a user, an entity record
// and an operation, is access permitted. It is a pure in-memory evaluator
// over a RuleStore and a DecisionCache; denial is a normal boolean outcome,
// never an error.
type Engine struct {
	store       RuleStore
	cache       DecisionCache
	defaultDeny bool
	log         logger.Logger
}

// NewEngine builds an engine over the given rule store with a memory
// decision cache and a default-deny fallback.
func NewEngine(store RuleStore) *Engine {
	return &Engine{
		store:       store,
		cache:       NewMemoryDecisionCache(),
		defaultDeny: true,
		log:         logger.NewPhuslu(),
	}
}

// SetDefaultDeny controls the fallback decision when no rule applies to an
// entity/operation pair. Like the other Set* methods it is configuration,
// not runtime tuning: call it before the engine starts serving concurrent
// access checks.
func (e *Engine) SetDefaultDeny(deny bool) { e.defaultDeny = deny }

// SetLogger replaces the decision logger. Configure-before-use, see
// SetDefaultDeny.
func (e *Engine) SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.NewNull()
	}
	e.log = l
}

// SetDecisionCache replaces the decision cache. Configure-before-use, see
// SetDefaultDeny.
func (e *Engine) SetDecisionCache(c DecisionCache) {
	if c != nil {
		e.cache = c
	}
}

// ConfigureRistrettoDecisionCache swaps the decision cache for a
// ristretto-backed one with the given sizing. Configure-before-use, see
// SetDefaultDeny.
func (e *Engine) ConfigureRistrettoDecisionCache(numCounters, maxCost, bufferItems int64) error {
	c, err := NewRistrettoDecisionCache(numCounters, maxCost, bufferItems)
	if err != nil {
		return err
	}
	e.cache = c
	return nil
}

// bypassKey marks a context whose dynamic extent skips rule evaluation.
type bypassKey struct{}

// BypassActive reports whether the context carries an active bypass scope.
func BypassActive(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}

// WithoutRules runs fn with a bypass scope: every CanAccess/CanCreate call
// made with the derived context returns true regardless of rules, cache or
// identity. The scope is carried by the context, so it nests, cannot leak
// past the call, and is restored even when fn panics. Checks made with the
// original context are unaffected.
func (e *Engine) WithoutRules(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, bypassKey{}, true))
}

// DefineRule validates and stores a rule. Missing entity names and unknown
// operators are definition errors surfaced here; they are never deferred to
// evaluation time. Defining a rule does not touch cached decisions: callers
// that need immediate effect call ClearCache themselves.
func (e *Engine) DefineRule(ctx context.Context, r *Rule) (*Rule, error) {
	if r == nil {
		return nil, fmt.Errorf("rule is nil")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = fmt.Sprintf("rule-%d", time.Now().UnixNano())
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if err := e.store.SaveRule(ctx, r); err != nil {
		return nil, err
	}
	e.log.Debug("rule defined",
		"rule", r.ID, "entity", r.EntityName, "plugin", r.PluginID, "global", r.Global)
	return r, nil
}

// DeleteRule removes a single rule by id.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	return e.store.DeleteRule(ctx, id)
}

// DeletePluginRules removes all rules tagged with pluginID and returns the
// count removed. Untagged rules and other plugins' rules are unaffected.
func (e *Engine) DeletePluginRules(ctx context.Context, pluginID string) (int, error) {
	count, err := e.store.DeletePluginRules(ctx, pluginID)
	if err != nil {
		return 0, err
	}
	e.log.Debug("plugin rules deleted", "plugin", pluginID, "count", count)
	return count, nil
}

// ClearCache drops cached decisions for one entity.
func (e *Engine) ClearCache(entity string) { e.cache.Clear(entity) }

// InvalidateCache drops every cached decision.
func (e *Engine) InvalidateCache() { e.cache.InvalidateAll() }

// CanAccess decides whether identity may perform op on the given record.
func (e *Engine) CanAccess(ctx context.Context, rec Record, op Operation, id Identity) bool {
	if rec == nil {
		return BypassActive(ctx)
	}
	return e.decide(ctx, rec.EntityName(), op, rec, id)
}

// CanCreate decides whether identity may create records of the given
// entity type. Domain predicates over record fields are not evaluable
// before the record exists and are treated as non-matching; only rules
// with an empty domain can grant creation.
func (e *Engine) CanCreate(ctx context.Context, entity string, id Identity) bool {
	return e.decide(ctx, entity, OpCreate, nil, id)
}

func (e *Engine) decide(ctx context.Context, entity string, op Operation, rec Record, id Identity) bool {
	// Bypass wins over everything, including an absent identity.
	if BypassActive(ctx) {
		return true
	}
	if id == nil {
		e.logDecision(entity, op, "", "", false, "no-identity")
		return false
	}
	subject := id.ID()
	tenant := tenantOf(id)
	if isSuperuser(id) {
		e.logDecision(entity, op, subject, tenant, true, "superuser")
		return true
	}

	key := DecisionKey{EntityName: entity, Operation: op, SubjectID: subject, TenantID: tenant}
	plan, ok := e.cache.Get(key)
	source := "cache"
	if !ok {
		rules, err := e.store.ListRules(ctx, entity)
		if err != nil {
			// A store failure must not grant access; it is also not cached.
			e.log.Error("rule store lookup failed", "entity", entity, "error", err)
			return false
		}
		plan = e.buildPlan(rules, op, id)
		e.cache.Put(key, plan)
		source = "rules"
	}
	allowed := plan.Evaluate(rec, id)
	e.logDecision(entity, op, subject, tenant, allowed, source)
	return allowed
}

// DecisionPlan is the record-independent half of a decision: the rules
// applicable to one (entity, operation, subject, tenant) key, already
// filtered by permission flag and group membership. Building a plan reads
// the rule store; evaluating it against a record does not.
type DecisionPlan struct {
	decided bool
	outcome bool
	global  []*Rule
	group   []*Rule
}

func constantPlan(outcome bool) *DecisionPlan {
	return &DecisionPlan{decided: true, outcome: outcome}
}

// Evaluate applies the combination policy to a record: within a partition
// any matching rule grants (OR), across non-empty partitions both must
// agree (AND).
func (p *DecisionPlan) Evaluate(rec Record, id Identity) bool {
	if p.decided {
		return p.outcome
	}
	globalOK := anyDomainMatches(p.global, rec, id)
	groupOK := anyDomainMatches(p.group, rec, id)
	switch {
	case len(p.global) > 0 && len(p.group) > 0:
		return globalOK && groupOK
	case len(p.global) > 0:
		return globalOK
	default:
		return groupOK
	}
}

func anyDomainMatches(rules []*Rule, rec Record, id Identity) bool {
	for _, r := range rules {
		if matchDomain(r.Domain, rec, id) {
			return true
		}
	}
	return false
}

// buildPlan partitions the entity's rules for one operation and identity.
// Rules with no groups and is_global=false are inert and never selected.
func (e *Engine) buildPlan(rules []*Rule, op Operation, id Identity) *DecisionPlan {
	plan := &DecisionPlan{}
	applicable := false
	for _, r := range rules {
		if !r.AllowsOperation(op) {
			continue
		}
		applicable = true
		switch {
		case r.Global:
			plan.global = append(plan.global, r)
		case memberOfAny(id, r.Groups):
			plan.group = append(plan.group, r)
		}
	}
	if !applicable {
		// No rule governs this entity/operation: fall back to the
		// configured default policy.
		return constantPlan(!e.defaultDeny)
	}
	if len(plan.global) == 0 && len(plan.group) == 0 {
		// Rules govern this operation but none covers this identity's
		// groups: deny rather than fall through to the default policy.
		return constantPlan(false)
	}
	return plan
}

func (e *Engine) logDecision(entity string, op Operation, subject, tenant string, allowed bool, source string) {
	e.log.Info("access decision",
		"entity", entity,
		"operation", string(op),
		"subject", subject,
		"tenant", tenant,
		"allowed", allowed,
		"source", source)
}

// ApplyRules rewrites q so that bulk reads only return records the identity
// could access individually. An absent identity constrains the query to
// zero rows; it never defaults to unrestricted access.
func (e *Engine) ApplyRules(ctx context.Context, q Query, entity string, op Operation, id Identity) {
	q.Where(e.AccessCondition(ctx, entity, op, id))
}

// AccessCondition builds the boolean condition equivalent to per-record
// CanAccess for the given entity and operation.
func (e *Engine) AccessCondition(ctx context.Context, entity string, op Operation, id Identity) Condition {
	if BypassActive(ctx) {
		return TrueCond{}
	}
	if id == nil {
		return FalseCond{}
	}
	if isSuperuser(id) {
		return TrueCond{}
	}
	rules, err := e.store.ListRules(ctx, entity)
	if err != nil {
		e.log.Error("rule store lookup failed", "entity", entity, "error", err)
		return FalseCond{}
	}

	var globalConds, groupConds []Condition
	var globalSeen, groupSeen bool
	for _, r := range rules {
		if !r.AllowsOperation(op) {
			continue
		}
		switch {
		case r.Global:
			globalSeen = true
			globalConds = append(globalConds, domainCondition(r.Domain, id))
		case memberOfAny(id, r.Groups):
			groupSeen = true
			groupConds = append(groupConds, domainCondition(r.Domain, id))
		}
	}

	switch {
	case globalSeen && groupSeen:
		return AndCond{Conds: []Condition{OrCond{Conds: globalConds}, OrCond{Conds: groupConds}}}
	case globalSeen:
		return OrCond{Conds: globalConds}
	case groupSeen:
		return OrCond{Conds: groupConds}
	}

	// Nothing applicable. Distinguish "no rule for this operation" (default
	// policy) from "rules exist but none covers this identity" (deny), to
	// mirror the per-record decision exactly.
	for _, r := range rules {
		if r.AllowsOperation(op) {
			return FalseCond{}
		}
	}
	if e.defaultDeny {
		return FalseCond{}
	}
	return TrueCond{}
}

// domainCondition translates one rule's domain to a concrete condition with
// placeholders resolved against the identity. Resolution gaps and operators
// without a SQL rendering fail closed.
func domainCondition(domain []Predicate, id Identity) Condition {
	if len(domain) == 0 {
		return TrueCond{}
	}
	parts := make([]Condition, 0, len(domain))
	for _, p := range domain {
		parts = append(parts, predicateCondition(p, id))
	}
	return AndCond{Conds: parts}
}

func predicateCondition(p Predicate, id Identity) Condition {
	value, ok := p.Value.resolve(id)
	if !ok {
		return FalseCond{}
	}
	switch p.Operator {
	case "=":
		return EqCond{Field: p.Field, Value: value}
	case "!=":
		return NeCond{Field: p.Field, Value: value}
	case "in":
		return InCond{Field: p.Field, Values: collectionOf(value)}
	}
	return FalseCond{}
}
