package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// MarkSeen records a provider message id and reports whether this was the
// first sighting. Redelivered webhooks get first=false and are skipped
// without a database roundtrip.
func (c *RedisCache) MarkSeen(ctx context.Context, waMessageID string) (bool, error) {
	key := "wamid:" + waMessageID
	return c.rdb.SetNX(ctx, key, 1, c.ttl).Result()
}

// Unmark drops a seen marker so the provider's next redelivery is processed
// again. Used when persistence failed after MarkSeen.
func (c *RedisCache) Unmark(ctx context.Context, waMessageID string) error {
	return c.rdb.Del(ctx, "wamid:"+waMessageID).Err()
}

type sentValue struct {
	WaMessageID string    `json:"waMessageId"`
	SentAt      time.Time `json:"sentAt"`
}

func (c *RedisCache) StoreSent(ctx context.Context, messageID int64, waMessageID string, sentAt time.Time) error {
	key := fmt.Sprintf("msg:%d", messageID)
	val := sentValue{
		WaMessageID: waMessageID,
		SentAt:      sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}
