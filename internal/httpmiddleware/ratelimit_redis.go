package httpmiddleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RedisFixedWindow limits requests per key per minute using a redis counter,
// so limits hold across multiple server instances.
type RedisFixedWindow struct {
	client    *redis.Client
	perMinute int
	prefix    string
}

// NewRedisFixedWindow builds a redis-backed limiter.
func NewRedisFixedWindow(client *redis.Client, perMinute int, prefix string) *RedisFixedWindow {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisFixedWindow{client: client, perMinute: perMinute, prefix: prefix}
}

// Allow implements Limiter. Redis outages fail open.
func (l *RedisFixedWindow) Allow(c *gin.Context, key string) bool {
	ctx := c.Request.Context()
	window := time.Now().Unix() / 60
	redisKey := l.prefix + ":" + key + ":" + strconv.FormatInt(window, 10)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		l.client.Expire(ctx, redisKey, 2*time.Minute)
	}
	return count <= int64(l.perMinute)
}
