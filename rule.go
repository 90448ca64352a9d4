package recordrule

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Operation is the access mode a rule decision is asked about.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpCreate Operation = "create"
	OpDelete Operation = "delete"
)

// Definition errors returned from DefineRule / Rule.Validate.
var (
	ErrMissingEntity   = errors.New("rule entity name is required")
	ErrUnknownOperator = errors.New("unknown domain operator")
)

// Rule is the unit of policy: it governs one entity type and participates
// in decisions for the operations whose permission flag is set.
type Rule struct {
	ID         string      `json:"id" yaml:"id"`
	EntityName string      `json:"entity_name" yaml:"entity_name"`
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	Domain     []Predicate `json:"domain,omitempty" yaml:"domain,omitempty"`
	Groups     []string    `json:"groups,omitempty" yaml:"groups,omitempty"`
	Global     bool        `json:"is_global" yaml:"is_global"`
	Read       bool        `json:"perm_read" yaml:"perm_read"`
	Write      bool        `json:"perm_write" yaml:"perm_write"`
	Create     bool        `json:"perm_create" yaml:"perm_create"`
	Delete     bool        `json:"perm_delete" yaml:"perm_delete"`
	PluginID   string      `json:"plugin_id,omitempty" yaml:"plugin_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// AllowsOperation reports whether the rule participates in decisions for op.
func (r *Rule) AllowsOperation(op Operation) bool {
	switch op {
	case OpRead:
		return r.Read
	case OpWrite:
		return r.Write
	case OpCreate:
		return r.Create
	case OpDelete:
		return r.Delete
	}
	return false
}

// Validate performs definition-time checks. Authoring errors are loud:
// an unknown operator is rejected here rather than silently skipped later.
func (r *Rule) Validate() error {
	if r.EntityName == "" {
		return ErrMissingEntity
	}
	for _, p := range r.Domain {
		if !KnownOperator(p.Operator) {
			return fmt.Errorf("%w: %q in rule for entity %q", ErrUnknownOperator, p.Operator, r.EntityName)
		}
	}
	return nil
}

// Predicate is a single (field, operator, value) condition over a record.
type Predicate struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    Value  `json:"value" yaml:"value"`
}

// Value is the right-hand side of a predicate: either a literal, or a
// reference to an attribute of the acting identity written as
// "{user.<attr>}" in serialized rule domains.
type Value struct {
	Literal any
	Attr    string
}

// Lit wraps a literal value.
func Lit(v any) Value { return Value{Literal: v} }

// UserAttr references an identity attribute, resolved per evaluation.
func UserAttr(path string) Value { return Value{Attr: path} }

// IsPlaceholder reports whether the value references the acting identity.
func (v Value) IsPlaceholder() bool { return v.Attr != "" }

// ParseValue interprets a raw decoded value: strings of the form
// "{user.<attr>}" become identity references, everything else is literal.
func ParseValue(raw any) Value {
	if s, ok := raw.(string); ok {
		if attr, ok := parsePlaceholder(s); ok {
			return UserAttr(attr)
		}
	}
	return Lit(raw)
}

func parsePlaceholder(s string) (string, bool) {
	if !strings.HasPrefix(s, "{user.") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	attr := s[len("{user.") : len(s)-1]
	if attr == "" {
		return "", false
	}
	return attr, true
}

// resolve returns the concrete right-hand-side value for the given identity.
// A placeholder whose attribute is absent resolves to nothing and the
// predicate fails closed.
func (v Value) resolve(id Identity) (any, bool) {
	if !v.IsPlaceholder() {
		return v.Literal, true
	}
	return resolveAttr(id, v.Attr)
}

func (v Value) String() string {
	if v.IsPlaceholder() {
		return "{user." + v.Attr + "}"
	}
	return fmt.Sprint(v.Literal)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsPlaceholder() {
		return json.Marshal("{user." + v.Attr + "}")
	}
	return json.Marshal(v.Literal)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = ParseValue(raw)
	return nil
}

func (v Value) MarshalYAML() (any, error) {
	if v.IsPlaceholder() {
		return "{user." + v.Attr + "}", nil
	}
	return v.Literal, nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*v = ParseValue(raw)
	return nil
}

// OperatorFunc evaluates a record field value against the resolved
// right-hand side of a predicate.
type OperatorFunc func(fieldValue, ruleValue any) bool

var (
	operatorMu sync.RWMutex
	operators  = map[string]OperatorFunc{
		"=":  opEqual,
		"!=": opNotEqual,
		"in": opIn,
	}
)

// RegisterOperator adds or replaces a domain operator. Registration is the
// extension point for rule authors; evaluation of an operator that is not
// registered never grants access.
func RegisterOperator(name string, fn OperatorFunc) {
	operatorMu.Lock()
	defer operatorMu.Unlock()
	operators[name] = fn
}

// KnownOperator reports whether name is registered.
func KnownOperator(name string) bool {
	operatorMu.RLock()
	defer operatorMu.RUnlock()
	_, ok := operators[name]
	return ok
}

func operatorFunc(name string) (OperatorFunc, bool) {
	operatorMu.RLock()
	defer operatorMu.RUnlock()
	fn, ok := operators[name]
	return fn, ok
}

func opEqual(fieldValue, ruleValue any) bool    { return equalValues(fieldValue, ruleValue) }
func opNotEqual(fieldValue, ruleValue any) bool { return !equalValues(fieldValue, ruleValue) }

// opIn treats a scalar right-hand side as a one-element collection.
func opIn(fieldValue, ruleValue any) bool {
	for _, item := range collectionOf(ruleValue) {
		if equalValues(fieldValue, item) {
			return true
		}
	}
	return false
}

// equalValues compares across the types YAML/JSON decoding produces:
// ints arrive as int or int64, numbers from JSON as float64. Operands of
// non-comparable dynamic type (slices, maps) skip the direct comparison,
// which would otherwise panic, and fall through to the textual one.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() && a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func collectionOf(v any) []any {
	switch c := v.(type) {
	case []any:
		return c
	case []string:
		out := make([]any, len(c))
		for i, s := range c {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(c))
		for i, n := range c {
			out[i] = n
		}
		return out
	case []int64:
		out := make([]any, len(c))
		for i, n := range c {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(c))
		for i, n := range c {
			out[i] = n
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}
