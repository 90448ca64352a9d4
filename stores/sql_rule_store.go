package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/recordrule"
)

// SQLRuleStore persists record rules in SQL (squealx).
type SQLRuleStore struct {
	db *squealx.DB
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

func (s *SQLRuleStore) SaveRule(ctx context.Context, r *recordrule.Rule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	domain, err := json.Marshal(r.Domain)
	if err != nil {
		return fmt.Errorf("marshal domain: %w", err)
	}
	groups, _ := json.Marshal(r.Groups)
	q := `INSERT INTO record_rules(id, entity_name, name, domain_json, groups_json, is_global, perm_read, perm_write, perm_create, perm_delete, plugin_id, created_at)
	VALUES(:id, :entity_name, :name, :domain_json, :groups_json, :is_global, :perm_read, :perm_write, :perm_create, :perm_delete, :plugin_id, :created_at)
	ON CONFLICT(id) DO UPDATE SET entity_name=:entity_name, name=:name, domain_json=:domain_json, groups_json=:groups_json, is_global=:is_global, perm_read=:perm_read, perm_write=:perm_write, perm_create=:perm_create, perm_delete=:perm_delete, plugin_id=:plugin_id`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          r.ID,
		"entity_name": r.EntityName,
		"name":        r.Name,
		"domain_json": string(domain),
		"groups_json": string(groups),
		"is_global":   boolToInt(r.Global),
		"perm_read":   boolToInt(r.Read),
		"perm_write":  boolToInt(r.Write),
		"perm_create": boolToInt(r.Create),
		"perm_delete": boolToInt(r.Delete),
		"plugin_id":   r.PluginID,
		"created_at":  r.CreatedAt,
	})
	return err
}

func (s *SQLRuleStore) DeleteRule(ctx context.Context, id string) error {
	q := `DELETE FROM record_rules WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLRuleStore) GetRule(ctx context.Context, id string) (*recordrule.Rule, error) {
	q := `SELECT id, entity_name, name, domain_json, groups_json, is_global, perm_read, perm_write, perm_create, perm_delete, plugin_id, created_at FROM record_rules WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return scanRule(r)
}

func (s *SQLRuleStore) ListRules(ctx context.Context, entity string) ([]*recordrule.Rule, error) {
	q := `SELECT id, entity_name, name, domain_json, groups_json, is_global, perm_read, perm_write, perm_create, perm_delete, plugin_id, created_at FROM record_rules WHERE :entity = '' OR entity_name = :entity`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"entity": entity})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	result := make([]*recordrule.Rule, 0)
	for r.Next() {
		rule, err := scanRule(r)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, nil
}

func (s *SQLRuleStore) DeletePluginRules(ctx context.Context, pluginID string) (int, error) {
	if pluginID == "" {
		return 0, nil
	}
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM record_rules WHERE plugin_id = :plugin_id`, map[string]any{"plugin_id": pluginID})
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(r rowScanner) (*recordrule.Rule, error) {
	var id, entity, name, domainJSON, groupsJSON, pluginID string
	var isGlobal, permRead, permWrite, permCreate, permDelete int
	var createdRaw any
	if err := r.Scan(&id, &entity, &name, &domainJSON, &groupsJSON, &isGlobal, &permRead, &permWrite, &permCreate, &permDelete, &pluginID, &createdRaw); err != nil {
		return nil, err
	}
	rule := &recordrule.Rule{
		ID:         id,
		EntityName: entity,
		Name:       name,
		Global:     isGlobal == 1,
		Read:       permRead == 1,
		Write:      permWrite == 1,
		Create:     permCreate == 1,
		Delete:     permDelete == 1,
		PluginID:   pluginID,
		CreatedAt:  scanTime(createdRaw),
	}
	if domainJSON != "" {
		if err := json.Unmarshal([]byte(domainJSON), &rule.Domain); err != nil {
			return nil, fmt.Errorf("unmarshal domain for rule %s: %w", id, err)
		}
	}
	if groupsJSON != "" && groupsJSON != "null" {
		if err := json.Unmarshal([]byte(groupsJSON), &rule.Groups); err != nil {
			return nil, fmt.Errorf("unmarshal groups for rule %s: %w", id, err)
		}
	}
	return rule, nil
}
