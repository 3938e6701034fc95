package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xxxsen/vcode/internal/model"
	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
)

const (
	redisCodePrefix  = "vc"
	redisIndexPrefix = "vci"
	redisMaxRetries  = 4
)

// RedisCodeRepo stores one value per email, so a SET is the whole
// replace-previous-code step. Records expire through the key TTL as well as
// the expires_at check.
type RedisCodeRepo struct {
	redis redis.UniversalClient
	now   func() time.Time
}

func NewRedisCodeRepo(client redis.UniversalClient) *RedisCodeRepo {
	return &RedisCodeRepo{redis: client, now: time.Now}
}

func (r *RedisCodeRepo) codeKey(email string) string {
	return redisCodePrefix + ":" + email
}

func (r *RedisCodeRepo) indexKey(id string) string {
	return redisIndexPrefix + ":" + id
}

func (r *RedisCodeRepo) Issue(ctx context.Context, code *model.VerificationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return err
	}
	ttl := time.Unix(code.ExpiresAt, 0).Sub(r.now())
	if ttl <= 0 {
		return appErr.ErrInvalid
	}
	_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.codeKey(code.Email), data, ttl)
		pipe.Set(ctx, r.indexKey(code.ID), code.Email, ttl)
		return nil
	})
	return err
}

func (r *RedisCodeRepo) Lookup(ctx context.Context, email, code string, now int64) (*model.VerificationCode, error) {
	item, err := r.get(ctx, r.redis, email)
	if err != nil {
		return nil, err
	}
	return matchCode(item, code, now)
}

func (r *RedisCodeRepo) Consume(ctx context.Context, id string) error {
	email, err := r.redis.Get(ctx, r.indexKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return appErr.ErrNotFound
		}
		return err
	}
	key := r.codeKey(email)
	for i := 0; i < redisMaxRetries; i++ {
		err = r.redis.Watch(ctx, func(tx *redis.Tx) error {
			item, err := r.get(ctx, tx, email)
			if err != nil {
				return err
			}
			if item.ID != id {
				return appErr.ErrNotFound
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key, r.indexKey(id))
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return appErr.ErrNotFound
}

// PurgeExpired is a no-op, keys carry their own TTL.
func (r *RedisCodeRepo) PurgeExpired(ctx context.Context, before int64) (int64, error) {
	return 0, nil
}

func (r *RedisCodeRepo) get(ctx context.Context, c redis.Cmdable, email string) (*model.VerificationCode, error) {
	data, err := c.Get(ctx, r.codeKey(email)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	var item model.VerificationCode
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}
