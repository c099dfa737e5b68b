// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/utils/clock"

	"github.com/square/llmquota/events"
	"github.com/square/llmquota/logging"
)

const redisTimeout = 100 * time.Millisecond

type redisListener struct {
	client redis.Cmdable
	clock  clock.PassiveClock
}

// NewRedisStatsListener keeps stats in sorted sets that expire at the top of the hour, so that
// every gateway instance contributes to, and reads, the same numbers.
func NewRedisStatsListener(client redis.Cmdable, clk clock.PassiveClock) Listener {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &redisListener{client: client, clock: clk}
}

func statsKey(key, tenant string) string {
	return fmt.Sprintf("stats:%s:%s", tenant, key)
}

func (l *redisListener) redisTopList(key string) []*EntityScore {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	results, err := l.client.ZRevRangeWithScores(ctx, key, 0, topListSize-1).Result()
	if err != nil && err != redis.Nil {
		logging.Printf("RedisStatsListener.TopList error (%s) %v", key, err)
		return []*EntityScore{}
	}

	arr := make([]*EntityScore, len(results))
	for i, item := range results {
		arr[i] = &EntityScore{Entity: item.Member.(string), Score: int64(item.Score)}
	}
	return arr
}

func (l *redisListener) TopAdmitted(tenant string) []*EntityScore {
	return l.redisTopList(statsKey("admitted", tenant))
}

func (l *redisListener) TopDenied(tenant string) []*EntityScore {
	return l.redisTopList(statsKey("denied", tenant))
}

func (l *redisListener) Get(tenant, entity string) *EntityScores {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	var admitted, denied *redis.FloatCmd
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		admitted = pipe.ZScore(ctx, statsKey("admitted", tenant), entity)
		denied = pipe.ZScore(ctx, statsKey("denied", tenant), entity)
		return nil
	})
	if err != nil && err != redis.Nil {
		logging.Printf("RedisStatsListener.Get error (%s, %s) %v", tenant, entity, err)
	}

	scores := &EntityScores{}
	if v, err := admitted.Result(); err == nil {
		scores.Admitted = int64(v)
	}
	if v, err := denied.Result(); err == nil {
		scores.Denied = int64(v)
	}
	return scores
}

func (l *redisListener) nearestHour() time.Time {
	return l.clock.Now().Add(time.Hour).Truncate(time.Hour)
}

func (l *redisListener) HandleEvent(event events.Event) {
	admitted, n, ok := score(event)
	if !ok {
		return
	}

	key := statsKey("denied", event.TenantID())
	if admitted {
		key = statsKey("admitted", event.TenantID())
	}
	entity := EntityKey(event)

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	var incr *redis.FloatCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.ZIncrBy(ctx, key, float64(n), entity)
		pipe.ExpireAt(ctx, key, l.nearestHour())
		return nil
	})

	if err != nil || incr.Err() != nil {
		logging.Printf("RedisStatsListener.HandleEvent error (%s, %s, %d) %v, %v",
			key, entity, n, err, incr.Err())
	}
}
