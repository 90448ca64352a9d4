package recordrule

import (
	"context"
	"strings"
	"testing"

	"github.com/oarkflow/recordrule/logger"
)

func TestConditionSQLRendering(t *testing.T) {
	cases := []struct {
		name    string
		cond    Condition
		wantSQL string
		wantN   int
	}{
		{"true", TrueCond{}, "1 = 1", 0},
		{"false", FalseCond{}, "1 = 0", 0},
		{"eq", EqCond{Field: "user_id", Value: 7}, "user_id = :rr_p1", 1},
		{"eq null", EqCond{Field: "deleted_at", Value: nil}, "deleted_at IS NULL", 0},
		{"ne", NeCond{Field: "status", Value: "draft"}, "status <> :rr_p1", 1},
		{"ne null", NeCond{Field: "owner", Value: nil}, "owner IS NOT NULL", 0},
		{"in", InCond{Field: "status", Values: []any{"open", "paid"}}, "status IN (:rr_p1, :rr_p2)", 2},
		{"in empty", InCond{Field: "status", Values: nil}, "1 = 0", 0},
		{"and empty", AndCond{}, "1 = 1", 0},
		{"or empty", OrCond{}, "1 = 0", 0},
		{
			"nested",
			AndCond{Conds: []Condition{
				OrCond{Conds: []Condition{EqCond{Field: "user_id", Value: 1}}},
				OrCond{Conds: []Condition{EqCond{Field: "status", Value: "open"}}},
			}},
			"((user_id = :rr_p1) AND (status = :rr_p2))",
			2,
		},
	}
	for _, tc := range cases {
		sql, args := ConditionSQL(tc.cond)
		if sql != tc.wantSQL {
			t.Errorf("%s: got %q, want %q", tc.name, sql, tc.wantSQL)
		}
		if len(args) != tc.wantN {
			t.Errorf("%s: got %d args, want %d", tc.name, len(args), tc.wantN)
		}
	}
}

func TestSelectQuerySQL(t *testing.T) {
	q := NewSelectQuery("invoices")
	sql, args := q.SQL()
	if sql != "SELECT * FROM invoices" {
		t.Fatalf("unexpected unfiltered sql %q", sql)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %v", args)
	}

	q.Where(EqCond{Field: "user_id", Value: 7})
	sql, args = q.SQL()
	if sql != "SELECT * FROM invoices WHERE (user_id = :rr_p1)" {
		t.Fatalf("unexpected filtered sql %q", sql)
	}
	if args["rr_p1"] != 7 {
		t.Fatalf("expected rr_p1=7, got %v", args)
	}
}

func TestApplyRulesRewritesQuery(t *testing.T) {
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

	q := NewSelectQuery("invoices")
	eng.ApplyRules(ctx, q, "invoice", OpRead, salesperson("7"))
	sql, args := q.SQL()
	if !strings.Contains(sql, "user_id = :rr_p1") {
		t.Fatalf("expected ownership filter in %q", sql)
	}
	if args["rr_p1"] != "7" {
		t.Fatalf("expected resolved subject id, got %v", args)
	}
}

func TestApplyRulesWithoutIdentityReturnsNothing(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()
	eng.SetDefaultDeny(false)

	q := NewSelectQuery("invoices")
	eng.ApplyRules(ctx, q, "invoice", OpRead, nil)
	sql, _ := q.SQL()
	if !strings.Contains(sql, "1 = 0") {
		t.Fatalf("expected always-false filter, got %q", sql)
	}
}

func TestAccessConditionMirrorsDecision(t *testing.T) {
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

	cond := eng.AccessCondition(ctx, "invoice", OpRead, salesperson("7"))
	sql, args := ConditionSQL(cond)
	if !strings.Contains(sql, "status = ") || !strings.Contains(sql, "user_id = ") {
		t.Fatalf("expected both partitions rendered, got %q", sql)
	}
	if !strings.Contains(sql, " AND ") {
		t.Fatalf("expected partitions combined with AND, got %q", sql)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}

	// Superuser and bypass collapse to an unrestricted condition.
	su := eng.AccessCondition(ctx, "invoice", OpRead, &MapIdentity{UserID: "root", Superuser: true})
	if sql, _ := ConditionSQL(su); sql != "1 = 1" {
		t.Fatalf("expected superuser unrestricted, got %q", sql)
	}
	eng.WithoutRules(ctx, func(ctx context.Context) error {
		bypass := eng.AccessCondition(ctx, "invoice", OpRead, nil)
		if sql, _ := ConditionSQL(bypass); sql != "1 = 1" {
			t.Fatalf("expected bypass unrestricted, got %q", sql)
		}
		return nil
	})
}

func TestAccessConditionDefaults(t *testing.T) {
	ctx := context.Background()
	user := salesperson("7")

	deny, _ := newTestEngine()
	if sql, _ := ConditionSQL(deny.AccessCondition(ctx, "invoice", OpRead, user)); sql != "1 = 0" {
		t.Fatalf("expected default deny to constrain to nothing, got %q", sql)
	}

	open := NewEngine(NewMemoryRuleStore())
	open.SetLogger(logger.NewNull())
	open.SetDefaultDeny(false)
	if sql, _ := ConditionSQL(open.AccessCondition(ctx, "invoice", OpRead, user)); sql != "1 = 1" {
		t.Fatalf("expected default allow to leave query unrestricted, got %q", sql)
	}

	// Rules govern the operation but cover a different group: constrain to
	// nothing even under default allow.
	other := NewRuleBuilder("invoice").
		ID("support-read").
		Groups("support").
		AllowRead().
		Build()
	if _, err := open.DefineRule(ctx, other); err != nil {
		t.Fatalf("define rule: %v", err)
	}
	if sql, _ := ConditionSQL(open.AccessCondition(ctx, "invoice", OpRead, user)); sql != "1 = 0" {
		t.Fatalf("expected uncovered identity constrained to nothing, got %q", sql)
	}
}
