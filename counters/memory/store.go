// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package memory implements window counters in process memory. Counters are not shared between
// processes, so this is suitable for a single gateway instance and for tests.
package memory

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/square/llmquota"
	"github.com/square/llmquota/logging"
)

type counter struct {
	usage     llmquota.RateLimits
	expiresAt time.Time
}

// CounterStore is a mutex-guarded map of counters with clock-driven expiry. The zero value is
// not usable; create instances with NewCounterStore.
type CounterStore struct {
	sync.Mutex
	clock    clock.WithTicker
	counters map[string]*counter
}

func NewCounterStore(clk clock.WithTicker) *CounterStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CounterStore{clock: clk, counters: make(map[string]*counter)}
}

// liveLocked returns the counter under key, dropping it if expired.
func (s *CounterStore) liveLocked(key string, now time.Time) *counter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !now.Before(c.expiresAt) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *CounterStore) Get(ctx context.Context, keys ...string) ([]llmquota.RateLimits, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	now := s.clock.Now()
	usage := make([]llmquota.RateLimits, len(keys))
	for i, k := range keys {
		if c := s.liveLocked(k, now); c != nil {
			usage[i] = c.usage
		}
	}
	return usage, nil
}

func (s *CounterStore) Increment(ctx context.Context, delta llmquota.RateLimits, ttl time.Duration, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	s.incrementLocked(delta, ttl, s.clock.Now(), keys)
	return nil
}

func (s *CounterStore) incrementLocked(delta llmquota.RateLimits, ttl time.Duration, now time.Time, keys []string) {
	for _, k := range keys {
		c := s.liveLocked(k, now)
		if c == nil {
			c = &counter{}
			s.counters[k] = c
		}
		c.usage = c.usage.Add(delta)
		c.expiresAt = now.Add(ttl)
	}
}

func (s *CounterStore) Reserve(ctx context.Context, keys []string, limits []llmquota.RateLimits, cost llmquota.Cost, charge llmquota.RateLimits, ttl time.Duration) (bool, []llmquota.RateLimits, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	if len(keys) != len(limits) {
		return false, nil, llmquota.InvalidArgument("%d keys but %d limits", len(keys), len(limits))
	}

	s.Lock()
	defer s.Unlock()

	now := s.clock.Now()
	usage := make([]llmquota.RateLimits, len(keys))
	allowed := true
	for i, k := range keys {
		if c := s.liveLocked(k, now); c != nil {
			usage[i] = c.usage
		}
		if !fits(usage[i], limits[i], cost) {
			allowed = false
		}
	}

	if allowed {
		s.incrementLocked(charge, ttl, now, keys)
	}
	return allowed, usage, nil
}

func fits(usage, limits llmquota.RateLimits, cost llmquota.Cost) bool {
	return float64(usage.InputTokensPerMinute)+cost.InputTokens <= float64(limits.InputTokensPerMinute) &&
		usage.OutputTokensPerMinute+cost.OutputTokens <= limits.OutputTokensPerMinute &&
		usage.RequestsPerMinute+cost.Requests <= limits.RequestsPerMinute
}

// Len returns the number of counters held, expired or not.
func (s *CounterStore) Len() int {
	s.Lock()
	defer s.Unlock()
	return len(s.counters)
}

// Sweep drops expired counters and returns how many were dropped.
func (s *CounterStore) Sweep() int {
	s.Lock()
	defer s.Unlock()

	now := s.clock.Now()
	var reaped int
	for k, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, k)
			reaped++
		}
	}
	return reaped
}

// StartReaper sweeps expired counters every interval until the returned function is called.
func (s *CounterStore) StartReaper(interval time.Duration) (stop func()) {
	ticker := s.clock.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if n := s.Sweep(); n > 0 {
					logging.Debugf("Reaped %d expired counters", n)
				}
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
