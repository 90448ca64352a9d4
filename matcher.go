package recordrule

// matchDomain evaluates a rule's domain against a record under the acting
// identity. Predicates are combined with logical AND; an empty domain is
// vacuously true. rec may be nil for pre-creation checks, in which case any
// predicate that needs a record field is treated as non-matching.
func matchDomain(domain []Predicate, rec Record, id Identity) bool {
	for _, p := range domain {
		if !matchPredicate(p, rec, id) {
			return false
		}
	}
	return true
}

// matchPredicate fails closed on every resolution gap: missing record
// field, unresolvable identity attribute, or an operator that is no longer
// registered at evaluation time.
func matchPredicate(p Predicate, rec Record, id Identity) bool {
	fn, ok := operatorFunc(p.Operator)
	if !ok {
		return false
	}
	if rec == nil {
		return false
	}
	fieldValue, ok := rec.Get(p.Field)
	if !ok {
		return false
	}
	ruleValue, ok := p.Value.resolve(id)
	if !ok {
		return false
	}
	return fn(fieldValue, ruleValue)
}
