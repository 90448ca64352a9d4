package recordrule

// RuleBuilder provides a fluent API for creating rules.
type RuleBuilder struct {
	r *Rule
}

func NewRuleBuilder(entity string) *RuleBuilder {
	return &RuleBuilder{r: &Rule{EntityName: entity}}
}

func (b *RuleBuilder) ID(id string) *RuleBuilder     { b.r.ID = id; return b }
func (b *RuleBuilder) Name(n string) *RuleBuilder    { b.r.Name = n; return b }
func (b *RuleBuilder) Plugin(id string) *RuleBuilder { b.r.PluginID = id; return b }
func (b *RuleBuilder) Global() *RuleBuilder          { b.r.Global = true; return b }

func (b *RuleBuilder) Groups(groups ...string) *RuleBuilder {
	b.r.Groups = append(b.r.Groups, groups...)
	return b
}

// Where appends a predicate to the rule's domain; predicates combine with
// logical AND.
func (b *RuleBuilder) Where(field, operator string, value Value) *RuleBuilder {
	b.r.Domain = append(b.r.Domain, Predicate{Field: field, Operator: operator, Value: value})
	return b
}

// Perms sets the per-operation participation flags in one call.
func (b *RuleBuilder) Perms(read, write, create, del bool) *RuleBuilder {
	b.r.Read, b.r.Write, b.r.Create, b.r.Delete = read, write, create, del
	return b
}

func (b *RuleBuilder) AllowRead() *RuleBuilder   { b.r.Read = true; return b }
func (b *RuleBuilder) AllowWrite() *RuleBuilder  { b.r.Write = true; return b }
func (b *RuleBuilder) AllowCreate() *RuleBuilder { b.r.Create = true; return b }
func (b *RuleBuilder) AllowDelete() *RuleBuilder { b.r.Delete = true; return b }

func (b *RuleBuilder) Build() *Rule { return b.r }
