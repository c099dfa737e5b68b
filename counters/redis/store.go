// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package redis implements window counters as Redis hashes. Every counter key holds the fields
// input, output and requests, and expires on its own.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/square/llmquota"
	"github.com/square/llmquota/logging"
)

// Hash fields
const (
	fieldInput    = "input"
	fieldOutput   = "output"
	fieldRequests = "requests"
)

// reserveScript checks every key against its limits and, only if all of them fit, charges every
// key. It is executed atomically in Redis, and invoked by its SHA once loaded.
//
// KEYS: the counter keys.
// ARGV: for each key, its input, output and request limits; then the cost (input, output,
// requests), the charge (input, output, requests) and the TTL in seconds.
// Returns {allowed, usage...} where usage holds input, output and requests for every key, as read
// before charging.
var reserveScript = redis.NewScript(`
	local function num(v)
		if not v then
			return 0
		end
		return tonumber(v) or 0
	end

	local n = #KEYS
	local base = 3 * n
	local costInput = tonumber(ARGV[base + 1])
	local costOutput = tonumber(ARGV[base + 2])
	local costRequests = tonumber(ARGV[base + 3])
	local ttl = tonumber(ARGV[base + 7])

	local result = {1}
	local allowed = true

	for i = 1, n do
		local v = redis.call("HMGET", KEYS[i], "input", "output", "requests")
		local input = num(v[1])
		local output = num(v[2])
		local requests = num(v[3])
		table.insert(result, input)
		table.insert(result, output)
		table.insert(result, requests)

		local l = 3 * (i - 1)
		if input + costInput > tonumber(ARGV[l + 1]) or
			output + costOutput > tonumber(ARGV[l + 2]) or
			requests + costRequests > tonumber(ARGV[l + 3]) then
			allowed = false
		end
	end

	if not allowed then
		result[1] = 0
		return result
	end

	for i = 1, n do
		local fields = {"input", "output", "requests"}
		for f = 1, 3 do
			local delta = tonumber(ARGV[base + 3 + f])
			if delta ~= 0 then
				redis.call("HINCRBY", KEYS[i], fields[f], delta)
			end
		end
		redis.call("EXPIRE", KEYS[i], ttl)
	end

	return result
	`)

// CounterStore holds counters in Redis. The client is shared and owned by the caller.
type CounterStore struct {
	client redis.Cmdable
}

func NewCounterStore(client redis.Cmdable) *CounterStore {
	return &CounterStore{client: client}
}

// Load loads the reservation script into Redis, so later reservations only send its SHA.
func (s *CounterStore) Load(ctx context.Context) error {
	sha, err := reserveScript.Load(ctx, s.client).Result()
	if err != nil {
		logging.Errorf("Unable to load LUA script into Redis; error=%v", err)
		return err
	}
	logging.Debugf("Loaded LUA script into Redis; script SHA %v", sha)
	return nil
}

// Get reads every key in a single pipelined round trip.
func (s *CounterStore) Get(ctx context.Context, keys ...string) ([]llmquota.RateLimits, error) {
	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, k, fieldInput, fieldOutput, fieldRequests)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}

	usage := make([]llmquota.RateLimits, len(keys))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if usage[i], err = toRateLimits(vals); err != nil {
			return nil, fmt.Errorf("counter %v: %w", keys[i], err)
		}
	}
	return usage, nil
}

// Increment adds delta to every key in one MULTI/EXEC transaction, refreshing each key's TTL.
func (s *CounterStore) Increment(ctx context.Context, delta llmquota.RateLimits, ttl time.Duration, keys ...string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.HIncrBy(ctx, k, fieldInput, delta.InputTokensPerMinute)
			pipe.HIncrBy(ctx, k, fieldOutput, delta.OutputTokensPerMinute)
			pipe.HIncrBy(ctx, k, fieldRequests, delta.RequestsPerMinute)
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	return err
}

func (s *CounterStore) Reserve(ctx context.Context, keys []string, limits []llmquota.RateLimits, cost llmquota.Cost, charge llmquota.RateLimits, ttl time.Duration) (bool, []llmquota.RateLimits, error) {
	if len(keys) != len(limits) {
		return false, nil, llmquota.InvalidArgument("%d keys but %d limits", len(keys), len(limits))
	}

	args := make([]interface{}, 0, 3*len(keys)+7)
	for _, l := range limits {
		args = append(args, l.InputTokensPerMinute, l.OutputTokensPerMinute, l.RequestsPerMinute)
	}
	ttlSeconds := int64(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	args = append(args,
		strconv.FormatFloat(cost.InputTokens, 'f', -1, 64), cost.OutputTokens, cost.Requests,
		charge.InputTokensPerMinute, charge.OutputTokensPerMinute, charge.RequestsPerMinute,
		ttlSeconds)

	res, err := reserveScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return false, nil, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 1+3*len(keys) {
		return false, nil, fmt.Errorf("invalid reserve reply %v", res)
	}

	allowed, err := toInt64(vals[0])
	if err != nil {
		return false, nil, err
	}

	usage := make([]llmquota.RateLimits, len(keys))
	for i := range keys {
		if usage[i], err = toRateLimits(vals[1+3*i : 4+3*i]); err != nil {
			return false, nil, fmt.Errorf("counter %v: %w", keys[i], err)
		}
	}
	return allowed == 1, usage, nil
}

// toRateLimits converts an (input, output, requests) reply. Missing fields read as zero.
func toRateLimits(vals []interface{}) (llmquota.RateLimits, error) {
	var r llmquota.RateLimits
	if len(vals) != 3 {
		return r, fmt.Errorf("expected 3 fields, got %d", len(vals))
	}

	fields := []*int64{&r.InputTokensPerMinute, &r.OutputTokensPerMinute, &r.RequestsPerMinute}
	for i, v := range vals {
		n, err := toInt64(v)
		if err != nil {
			return r, err
		}
		*fields[i] = n
	}
	return r, nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected value %v of type %T", v, v)
	}
}
