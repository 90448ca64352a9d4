package recordrule

// Record is the engine's view of an entity row: a stable entity/table name
// plus named attribute access. The engine never mutates records.
type Record interface {
	EntityName() string
	Get(field string) (any, bool)
}

// MapRecord is a record backed by a field map, the common shape handed over
// by ORM layers and tests.
type MapRecord struct {
	Entity string
	Fields map[string]any
}

func (r *MapRecord) EntityName() string { return r.Entity }

func (r *MapRecord) Get(field string) (any, bool) {
	v, ok := r.Fields[field]
	return v, ok
}
