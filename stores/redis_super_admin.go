package stores

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisSuperAdminDirectory keeps the platform super-admins in one Redis set
// so every service instance shares the same view.
type RedisSuperAdminDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisSuperAdminDirectory(client *redis.Client) *RedisSuperAdminDirectory {
	return &RedisSuperAdminDirectory{client: client, key: "propauthz:super_admins"}
}

// WithKey overrides the set key, e.g. to namespace environments.
func (r *RedisSuperAdminDirectory) WithKey(key string) *RedisSuperAdminDirectory {
	r.key = key
	return r
}

func (r *RedisSuperAdminDirectory) IsSuperAdmin(ctx context.Context, userID string) (bool, error) {
	return r.client.SIsMember(ctx, r.key, userID).Result()
}

func (r *RedisSuperAdminDirectory) SetSuperAdmin(ctx context.Context, userID string, on bool) error {
	if on {
		return r.client.SAdd(ctx, r.key, userID).Err()
	}
	return r.client.SRem(ctx, r.key, userID).Err()
}

func (r *RedisSuperAdminDirectory) List(ctx context.Context) ([]string, error) {
	res, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}
