package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/go-syncroom/internal/config"
	"github.com/npezzotti/go-syncroom/internal/stats"
	"github.com/npezzotti/go-syncroom/internal/types"
	"github.com/rs/zerolog"
)

type Class string

const (
	ClassRoomCreate Class = "room_create"
	ClassJoin       Class = "join"
	// ClassEvent is keyed by connection rather than by user.
	ClassEvent Class = "event"
)

type Rule struct {
	Limit  int
	Window time.Duration
}

func RulesFromConfig(c config.LimitsConfig) map[Class]Rule {
	return map[Class]Rule{
		ClassRoomCreate: {Limit: c.RoomCreatePerHour, Window: time.Hour},
		ClassJoin:       {Limit: c.JoinsPerMinute, Window: time.Minute},
		ClassEvent:      {Limit: c.EventsPerMinute, Window: time.Minute},
	}
}

// Guard rejects calls that exceed their class's rate before they reach a
// room. Limiter failures let the call through.
type Guard struct {
	limiter Limiter
	rules   map[Class]Rule
	log     zerolog.Logger
	stats   stats.StatsProvider
}

func NewGuard(l Limiter, rules map[Class]Rule, logger zerolog.Logger, st stats.StatsProvider) *Guard {
	return &Guard{
		limiter: l,
		rules:   rules,
		log:     logger.With().Str("component", "admission").Logger(),
		stats:   st,
	}
}

// Check counts one call of class by subject and returns an error wrapping
// types.ErrRateLimited once the class limit is exceeded.
func (g *Guard) Check(ctx context.Context, class Class, subject string) error {
	rule, ok := g.rules[class]
	if !ok {
		return nil
	}

	allowed, err := g.limiter.Allow(ctx, string(class)+":"+subject, rule.Limit, rule.Window)
	if err != nil {
		g.log.Warn().Err(err).Str("class", string(class)).Msg("rate limiter unavailable, allowing call")
		return nil
	}

	if !allowed {
		g.stats.Incr(stats.RateLimited)
		g.log.Debug().Str("class", string(class)).Str("subject", subject).Msg("rate limited")
		return fmt.Errorf("%s limit of %d per %s: %w", class, rule.Limit, rule.Window, types.ErrRateLimited)
	}

	return nil
}
