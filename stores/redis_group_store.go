package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/recordrule"
)

// RedisGroupStore keeps subject group membership in Redis sets
// (key: groupmem:{subjectID}), for deployments where group assignments are
// shared across nodes.
type RedisGroupStore struct {
	client *redis.Client
	keyFmt string
}

func NewRedisGroupStore(client *redis.Client) *RedisGroupStore {
	return &RedisGroupStore{client: client, keyFmt: "groupmem:%s"}
}

func (r *RedisGroupStore) key(subjectID string) string {
	return fmt.Sprintf(r.keyFmt, subjectID)
}

func (r *RedisGroupStore) AssignGroup(ctx context.Context, subjectID, group string) error {
	return r.client.SAdd(ctx, r.key(subjectID), group).Err()
}

func (r *RedisGroupStore) RemoveGroup(ctx context.Context, subjectID, group string) error {
	return r.client.SRem(ctx, r.key(subjectID), group).Err()
}

func (r *RedisGroupStore) ListGroups(ctx context.Context, subjectID string) ([]string, error) {
	return r.client.SMembers(ctx, r.key(subjectID)).Result()
}

// Identity builds an engine identity for subjectID with its groups loaded
// from Redis. attrs may be nil.
func (r *RedisGroupStore) Identity(ctx context.Context, subjectID string, attrs map[string]any) (*recordrule.MapIdentity, error) {
	groups, err := r.ListGroups(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list groups for %s: %w", subjectID, err)
	}
	return &recordrule.MapIdentity{UserID: subjectID, UserGroups: groups, Attrs: attrs}, nil
}
