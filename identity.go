package recordrule

import "fmt"

// Identity is a read-only view over the acting principal. A nil Identity is
// a first-class state and always yields no access.
type Identity interface {
	ID() string
	Groups() []string
	Attr(name string) (any, bool)
}

// SuperuserChecker is an optional capability: identities implementing it
// can declare themselves exempt from rule evaluation.
type SuperuserChecker interface {
	IsSuperuser() bool
}

// RoleChecker is an optional capability used as the second step of the
// superuser lookup when SuperuserChecker is not implemented.
type RoleChecker interface {
	HasRole(name string) bool
}

// MapIdentity is a plain identity backed by maps and slices, suitable for
// request principals decoded from tokens or session state.
type MapIdentity struct {
	UserID     string
	UserGroups []string
	Attrs      map[string]any
	Roles      []string
	Superuser  bool
}

func (m *MapIdentity) ID() string { return m.UserID }

func (m *MapIdentity) Groups() []string { return m.UserGroups }

func (m *MapIdentity) Attr(name string) (any, bool) {
	v, ok := m.Attrs[name]
	return v, ok
}

func (m *MapIdentity) IsSuperuser() bool { return m.Superuser }

func (m *MapIdentity) HasRole(name string) bool {
	for _, r := range m.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// resolveAttr resolves a "{user.<path>}" placeholder path against an
// identity. id and groups are always addressable; everything else goes
// through the identity's attribute access.
func resolveAttr(id Identity, path string) (any, bool) {
	if id == nil {
		return nil, false
	}
	switch path {
	case "id":
		return id.ID(), true
	case "groups":
		return id.Groups(), true
	}
	return id.Attr(path)
}

// isSuperuser applies the capability lookup order: an explicit superuser
// capability, then a role check for "superuser"/"admin", then an
// is_admin-style attribute. Identities without any of these are treated as
// regular users.
func isSuperuser(id Identity) bool {
	if su, ok := id.(SuperuserChecker); ok && su.IsSuperuser() {
		return true
	}
	if rc, ok := id.(RoleChecker); ok && (rc.HasRole("superuser") || rc.HasRole("admin")) {
		return true
	}
	if v, ok := id.Attr("is_admin"); ok {
		if b, ok := v.(bool); ok && b {
			return true
		}
	}
	return false
}

// tenantOf returns the identity's tenant id, empty when untenanted.
func tenantOf(id Identity) string {
	v, ok := id.Attr("tenant_id")
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// memberOfAny reports whether the identity belongs to at least one of the
// named groups. An empty group set never matches anyone.
func memberOfAny(id Identity, groups []string) bool {
	if len(groups) == 0 {
		return false
	}
	for _, have := range id.Groups() {
		for _, want := range groups {
			if have == want {
				return true
			}
		}
	}
	return false
}
