package recordrule

import (
	"context"
	"errors"
	"testing"

	"github.com/oarkflow/recordrule/logger"
)

func newTestEngine() (*Engine, *MemoryRuleStore) {
	store := NewMemoryRuleStore()
	eng := NewEngine(store)
	eng.SetLogger(logger.NewNull())
	return eng, store
}

func invoiceRecord(id, userID int) *MapRecord {
	return &MapRecord{Entity: "invoice", Fields: map[string]any{"id": id, "user_id": userID}}
}

func salesperson(id string) *MapIdentity {
	return &MapIdentity{UserID: id, UserGroups: []string{"salesperson"}}
}

func TestOwnRecordsRule(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	rule := NewRuleBuilder("invoice").
		ID("own-invoices").
		Groups("salesperson").
		Where("user_id", "=", UserAttr("id")).
		AllowRead().
		Build()
	if _, err := eng.DefineRule(ctx, rule); err != nil {
		t.Fatalf("define rule: %v", err)
	}

	rec1 := invoiceRecord(1, 1)
	rec2 := invoiceRecord(2, 2)
	u1 := salesperson("1")
	u2 := salesperson("2")

	if !eng.CanAccess(ctx, rec1, OpRead, u1) {
		t.Fatalf("expected u1 to read own invoice")
	}
	if eng.CanAccess(ctx, rec2, OpRead, u1) {
		t.Fatalf("expected u1 denied on u2's invoice")
	}
	if !eng.CanAccess(ctx, rec2, OpRead, u2) {
		t.Fatalf("expected u2 to read own invoice")
	}
	if eng.CanAccess(ctx, rec1, OpRead, u2) {
		t.Fatalf("expected u2 denied on u1's invoice")
	}
}

func TestSliceValuedFieldsDecideWithoutPanic(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	rule := NewRuleBuilder("invoice").
		ID("tags-match-groups").
		Global().
		Where("tags", "=", UserAttr("groups")).
		AllowRead().
		Build()
	if _, err := eng.DefineRule(ctx, rule); err != nil {
		t.Fatalf("define rule: %v", err)
	}

	rec := &MapRecord{Entity: "invoice", Fields: map[string]any{"tags": []string{"sales"}}}
	member := &MapIdentity{UserID: "1", UserGroups: []string{"sales"}}
	outsider := &MapIdentity{UserID: "2", UserGroups: []string{"support"}}

	if !eng.CanAccess(ctx, rec, OpRead, member) {
		t.Fatalf("expected matching slice values to grant access")
	}
	if eng.CanAccess(ctx, rec, OpRead, outsider) {
		t.Fatalf("expected mismatched slice values to deny access")
	}
}

func TestGlobalRuleVetoesGroupAllow(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	global := NewRuleBuilder("invoice").
		ID("open-only").
		Global().
		Where("status", "=", Lit("open")).
		AllowRead().
		Build()
	group := NewRuleBuilder("invoice").
		ID("own-invoices").
		Groups("salesperson").
		Where("user_id", "=", UserAttr("id")).
		AllowRead().
		Build()
	for _, r := range []*Rule{global, group} {
		if _, err := eng.DefineRule(ctx, r); err != nil {
			t.Fatalf("define rule: %v", err)
		}
	}

	u1 := salesperson("1")

	closedOwn := &MapRecord{Entity: "invoice", Fields: map[string]any{"user_id": 1, "status": "closed"}}
	if eng.CanAccess(ctx, closedOwn, OpRead, u1) {
		t.Fatalf("expected global restriction to veto group allow")
	}

	openOwn := &MapRecord{Entity: "invoice", Fields: map[string]any{"user_id": 1, "status": "open"}}
	if !eng.CanAccess(ctx, openOwn, OpRead, u1) {
		t.Fatalf("expected allow when both partitions agree")
	}

	openOther := &MapRecord{Entity: "invoice", Fields: map[string]any{"user_id": 2, "status": "open"}}
	if eng.CanAccess(ctx, openOther, OpRead, u1) {
		t.Fatalf("expected group partition to veto global allow")
	}
}

func TestDefaultPolicyWhenNoRules(t *testing.T) {
	ctx := context.Background()
	rec := &MapRecord{Entity: "new_entity", Fields: map[string]any{"id": 1}}
	user := &MapIdentity{UserID: "1"}

	eng, _ := newTestEngine()
	if eng.CanAccess(ctx, rec, OpRead, user) {
		t.Fatalf("expected deny under default_deny=true")
	}

	open, _ := newTestEngine()
	open.SetDefaultDeny(false)
	if !open.CanAccess(ctx, rec, OpRead, user) {
		t.Fatalf("expected allow under default_deny=false")
	}
}

func TestOtherOperationFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()
	eng.SetDefaultDeny(false)

	rule := NewRuleBuilder("invoice").
		ID("write-own").
		Groups("salesperson").
		Where("user_id", "=", UserAttr("id")).
		AllowWrite().
		Build()
	if _, err := eng.DefineRule(ctx, rule); err != nil {
		t.Fatalf("define rule: %v", err)
	}

	// No rule participates in read decisions, so the default policy applies
	// even though the entity has rules.
	if !eng.CanAccess(ctx, invoiceRecord(1, 2), OpRead, salesperson("1")) {
		t.Fatalf("expected read to fall back to default allow")
	}
	if eng.CanAccess(ctx, invoiceRecord(1, 2), OpWrite, salesperson("1")) {
		t.Fatalf("expected write denied for non-owner")
	}
}

func TestNoIdentityAlwaysDenied(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()
	eng.SetDefaultDeny(false)

	rec := invoiceRecord(1, 1)
	for _, op := range []Operation{OpRead, OpWrite, OpCreate, OpDelete} {
		if eng.CanAccess(ctx, rec, op, nil) {
			t.Fatalf("expected deny for op %s with no identity", op)
		}
	}
	if eng.CanCreate(ctx, "invoice", nil) {
		t.Fatalf("expected create denied with no identity")
	}
}

// roleIdentity exposes HasRole but no explicit superuser capability.
type roleIdentity struct {
	id    string
	roles []string
}

func (r *roleIdentity) ID() string              { return r.id }
func (r *roleIdentity) Groups() []string        { return nil }
func (r *roleIdentity) Attr(string) (any, bool) { return nil, false }
func (r *roleIdentity) HasRole(name string) bool {
	for _, have := range r.roles {
		if have == name {
			return true
		}
	}
	return false
}

// attrIdentity has no capability methods at all.
type attrIdentity struct {
	id    string
	attrs map[string]any
}

func (a *attrIdentity) ID() string       { return a.id }
func (a *attrIdentity) Groups() []string { return nil }
func (a *attrIdentity) Attr(name string) (any, bool) {
	v, ok := a.attrs[name]
	return v, ok
}

func TestSuperuserBypassesRules(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	// default_deny with no rules: only the superuser paths can allow.
	rec := invoiceRecord(1, 99)

	explicit := &MapIdentity{UserID: "root", Superuser: true}
	if !eng.CanAccess(ctx, rec, OpDelete, explicit) {
		t.Fatalf("expected explicit superuser capability to allow")
	}

	viaRole := &roleIdentity{id: "ops", roles: []string{"admin"}}
	if !eng.CanAccess(ctx, rec, OpDelete, viaRole) {
		t.Fatalf("expected admin role to allow")
	}

	viaAttr := &attrIdentity{id: "svc", attrs: map[string]any{"is_admin": true}}
	if !eng.CanAccess(ctx, rec, OpDelete, viaAttr) {
		t.Fatalf("expected is_admin attribute to allow")
	}

	regular := &attrIdentity{id: "joe", attrs: map[string]any{"is_admin": false}}
	if eng.CanAccess(ctx, rec, OpDelete, regular) {
		t.Fatalf("expected regular user denied")
	}

	// Superuser decisions skip the cache entirely.
	key := DecisionKey{EntityName: "invoice", Operation: OpDelete, SubjectID: "root"}
	if _, ok := eng.cache.Get(key); ok {
		t.Fatalf("superuser decision must not be cached")
	}
}

func TestWithoutRulesBypassScope(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	rec := invoiceRecord(1, 1)
	user := salesperson("2")

	if eng.CanAccess(ctx, rec, OpRead, user) {
		t.Fatalf("expected deny before bypass")
	}

	err := eng.WithoutRules(ctx, func(ctx context.Context) error {
		if !eng.CanAccess(ctx, rec, OpRead, user) {
			t.Fatalf("expected allow inside bypass")
		}
		if !eng.CanAccess(ctx, rec, OpDelete, nil) {
			t.Fatalf("expected bypass to win over absent identity")
		}
		if !eng.CanCreate(ctx, "invoice", user) {
			t.Fatalf("expected create allowed inside bypass")
		}
		// Nested scope behaves identically and unwinds cleanly.
		return eng.WithoutRules(ctx, func(ctx context.Context) error {
			if !eng.CanAccess(ctx, rec, OpRead, user) {
				t.Fatalf("expected allow inside nested bypass")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("withoutRules: %v", err)
	}

	if eng.CanAccess(ctx, rec, OpRead, user) {
		t.Fatalf("expected pre-bypass behavior restored after withoutRules")
	}
}

func TestWithoutRulesRestoredOnPanic(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()
	rec := invoiceRecord(1, 1)
	user := salesperson("2")

	func() {
		defer func() { recover() }()
		eng.WithoutRules(ctx, func(ctx context.Context) error {
			panic("boom")
		})
	}()

	if eng.CanAccess(ctx, rec, OpRead, user) {
		t.Fatalf("expected bypass discarded after panic")
	}
}

func TestWithoutRulesDoesNotLeakAcrossContexts(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()
	rec := invoiceRecord(1, 1)
	user := salesperson("2")

	eng.WithoutRules(ctx, func(inner context.Context) error {
		// A concurrent request with its own context is unaffected.
		done := make(chan bool)
		go func() {
			done <- eng.CanAccess(context.Background(), rec, OpRead, user)
		}()
		if allowed := <-done; allowed {
			t.Fatalf("bypass leaked into unrelated context")
		}
		return nil
	})
}

func TestDeletePluginRules(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine()

	defs := []*Rule{
		NewRuleBuilder("invoice").ID("p1-a").Plugin("crm-plugin").Global().AllowRead().Build(),
		NewRuleBuilder("invoice").ID("p1-b").Plugin("crm-plugin").Global().AllowWrite().Build(),
		NewRuleBuilder("order").ID("p2-a").Plugin("shop-plugin").Global().AllowRead().Build(),
		NewRuleBuilder("order").ID("core-a").Global().AllowRead().Build(),
	}
	for _, r := range defs {
		if _, err := eng.DefineRule(ctx, r); err != nil {
			t.Fatalf("define rule %s: %v", r.ID, err)
		}
	}

	count, err := eng.DeletePluginRules(ctx, "crm-plugin")
	if err != nil {
		t.Fatalf("delete plugin rules: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rules removed, got %d", count)
	}

	remaining, _ := store.ListRules(ctx, "")
	if len(remaining) != 2 {
		t.Fatalf("expected 2 rules remaining, got %d", len(remaining))
	}
	for _, r := range remaining {
		if r.PluginID == "crm-plugin" {
			t.Fatalf("rule %s should have been removed", r.ID)
		}
	}
}

// countingStore counts rule listings so tests can tell cached decisions
// from re-evaluations.
type countingStore struct {
	RuleStore
	lists int
}

func (c *countingStore) ListRules(ctx context.Context, entity string) ([]*Rule, error) {
	c.lists++
	return c.RuleStore.ListRules(ctx, entity)
}

func TestDecisionCacheIdempotenceAndManualClear(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{RuleStore: NewMemoryRuleStore()}
	eng := NewEngine(store)
	eng.SetLogger(logger.NewNull())

	rule := NewRuleBuilder("invoice").
		ID("own-invoices").
		Groups("salesperson").
		Where("user_id", "=", UserAttr("id")).
		AllowRead().
		Build()
	if _, err := eng.DefineRule(ctx, rule); err != nil {
		t.Fatalf("define rule: %v", err)
	}

	rec := invoiceRecord(1, 1)
	u1 := salesperson("1")

	if !eng.CanAccess(ctx, rec, OpRead, u1) {
		t.Fatalf("expected allow")
	}
	if !eng.CanAccess(ctx, rec, OpRead, u1) {
		t.Fatalf("expected same result on repeat")
	}
	if store.lists != 1 {
		t.Fatalf("expected second call served from cache, got %d evaluations", store.lists)
	}

	// Redefining the rule does not retroactively invalidate cached plans.
	inert := NewRuleBuilder("invoice").ID("own-invoices").AllowRead().Build()
	if _, err := eng.DefineRule(ctx, inert); err != nil {
		t.Fatalf("redefine rule: %v", err)
	}
	if !eng.CanAccess(ctx, rec, OpRead, u1) {
		t.Fatalf("expected stale cached allow until explicit clear")
	}
	if store.lists != 1 {
		t.Fatalf("expected no re-evaluation before clear, got %d", store.lists)
	}

	eng.ClearCache("invoice")
	if eng.CanAccess(ctx, rec, OpRead, u1) {
		t.Fatalf("expected deny after clearing cache against inert rule")
	}
	if store.lists != 2 {
		t.Fatalf("expected re-evaluation after clear, got %d", store.lists)
	}
}

func TestCacheIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{RuleStore: NewMemoryRuleStore()}
	eng := NewEngine(store)
	eng.SetLogger(logger.NewNull())

	rule := NewRuleBuilder("invoice").
		ID("tenant-own").
		Groups("salesperson").
		Where("tenant_id", "=", UserAttr("tenant_id")).
		Where("user_id", "=", UserAttr("id")).
		AllowRead().
		Build()
	if _, err := eng.DefineRule(ctx, rule); err != nil {
		t.Fatalf("define rule: %v", err)
	}

	rec := &MapRecord{Entity: "invoice", Fields: map[string]any{"user_id": 1, "tenant_id": "acme"}}

	// Same user id in two tenants: the cached allow for acme must not leak
	// into the lookup for the globex principal.
	acmeUser := &MapIdentity{UserID: "1", UserGroups: []string{"salesperson"}, Attrs: map[string]any{"tenant_id": "acme"}}
	globexUser := &MapIdentity{UserID: "1", UserGroups: []string{"salesperson"}, Attrs: map[string]any{"tenant_id": "globex"}}

	if !eng.CanAccess(ctx, rec, OpRead, acmeUser) {
		t.Fatalf("expected acme user allowed")
	}
	if eng.CanAccess(ctx, rec, OpRead, globexUser) {
		t.Fatalf("expected globex user denied")
	}
	if store.lists != 2 {
		t.Fatalf("expected separate evaluations per tenant, got %d", store.lists)
	}
}

func TestInertRuleNeverSelects(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()
	eng.SetDefaultDeny(false)

	// No groups and not global: legal but inert. It still marks the
	// operation as governed, so the decision is deny, not default-allow.
	inert := NewRuleBuilder("invoice").ID("inert").AllowRead().Build()
	if _, err := eng.DefineRule(ctx, inert); err != nil {
		t.Fatalf("define rule: %v", err)
	}

	if eng.CanAccess(ctx, invoiceRecord(1, 1), OpRead, salesperson("1")) {
		t.Fatalf("expected inert rule to never grant access")
	}
}

func TestCanCreate(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	unconditional := NewRuleBuilder("invoice").
		ID("sales-create").
		Groups("salesperson").
		AllowCreate().
		Build()
	fieldScoped := NewRuleBuilder("order").
		ID("own-create").
		Groups("salesperson").
		Where("user_id", "=", UserAttr("id")).
		AllowCreate().
		Build()
	for _, r := range []*Rule{unconditional, fieldScoped} {
		if _, err := eng.DefineRule(ctx, r); err != nil {
			t.Fatalf("define rule: %v", err)
		}
	}

	if !eng.CanCreate(ctx, "invoice", salesperson("1")) {
		t.Fatalf("expected unconditional create rule to allow group member")
	}
	if eng.CanCreate(ctx, "invoice", &MapIdentity{UserID: "9", UserGroups: []string{"support"}}) {
		t.Fatalf("expected non-member denied")
	}

	// Record-field predicates are not evaluable before the record exists.
	if eng.CanCreate(ctx, "order", salesperson("1")) {
		t.Fatalf("expected field-scoped create rule to be non-matching pre-creation")
	}
}

func TestDefineRuleValidation(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	missingEntity := NewRuleBuilder("").ID("bad").AllowRead().Build()
	if _, err := eng.DefineRule(ctx, missingEntity); !errors.Is(err, ErrMissingEntity) {
		t.Fatalf("expected ErrMissingEntity, got %v", err)
	}

	badOperator := NewRuleBuilder("invoice").
		ID("bad-op").
		Global().
		Where("user_id", "~", UserAttr("id")).
		AllowRead().
		Build()
	if _, err := eng.DefineRule(ctx, badOperator); !errors.Is(err, ErrUnknownOperator) {
		t.Fatalf("expected ErrUnknownOperator, got %v", err)
	}
}

func TestRegisteredOperatorExtension(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	RegisterOperator("prefix", func(fieldValue, ruleValue any) bool {
		fs, ok1 := fieldValue.(string)
		rs, ok2 := ruleValue.(string)
		return ok1 && ok2 && len(fs) >= len(rs) && fs[:len(rs)] == rs
	})

	rule := NewRuleBuilder("document").
		ID("dept-docs").
		Global().
		Where("path", "prefix", Lit("/sales/")).
		AllowRead().
		Build()
	if _, err := eng.DefineRule(ctx, rule); err != nil {
		t.Fatalf("define rule with registered operator: %v", err)
	}

	doc := &MapRecord{Entity: "document", Fields: map[string]any{"path": "/sales/q3.pdf"}}
	other := &MapRecord{Entity: "document", Fields: map[string]any{"path": "/hr/review.pdf"}}
	user := &MapIdentity{UserID: "1"}

	if !eng.CanAccess(ctx, doc, OpRead, user) {
		t.Fatalf("expected custom operator match")
	}
	if eng.CanAccess(ctx, other, OpRead, user) {
		t.Fatalf("expected custom operator miss")
	}
}
