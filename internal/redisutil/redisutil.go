// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package redisutil creates the Redis clients shared by the counter store, the plan cache and the
// stats listener.
package redisutil

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/square/llmquota/logging"
)

// Connect parses a redis:// or rediss:// URL and checks the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	t, err := client.Time(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cannot connect to redis at %v: %w", opts.Addr, err)
	}

	logging.Debugf("Connection established to %v. Time on Redis server: %v", opts.Addr, t)
	return client, nil
}

// IsNil reports whether err is the "no such key" reply.
func IsNil(err error) bool {
	return err == redis.Nil
}
