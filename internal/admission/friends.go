package admission

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-syncroom/internal/database"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	friendsKeyPrefix  = "syncroom:friends:"
	defaultFriendsTTL = time.Minute
)

// FriendChecker answers whether two users are friends.
type FriendChecker interface {
	AreFriends(ctx context.Context, userA, userB string) (bool, error)
}

// CachedFriendChecker caches answers of the social graph in redis. Cache
// failures fall back to the underlying checker.
type CachedFriendChecker struct {
	next   FriendChecker
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
	group  singleflight.Group
}

func NewCachedFriendChecker(next FriendChecker, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedFriendChecker {
	if ttl <= 0 {
		ttl = defaultFriendsTTL
	}

	return &CachedFriendChecker{
		next:   next,
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "friends_cache").Logger(),
	}
}

func friendsKey(userA, userB string) string {
	u1, u2 := database.FriendPair(userA, userB)
	return friendsKeyPrefix + u1 + ":" + u2
}

func (c *CachedFriendChecker) AreFriends(ctx context.Context, userA, userB string) (bool, error) {
	key := friendsKey(userA, userB)

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return val == "1", nil
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Msg("redis get failed")
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		ok, err := c.next.AreFriends(ctx, userA, userB)
		if err != nil {
			return false, err
		}

		cached := "0"
		if ok {
			cached = "1"
		}
		if err := c.client.Set(ctx, key, cached, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Msg("redis set failed")
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}

	return v.(bool), nil
}
