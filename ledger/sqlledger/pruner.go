// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package sqlledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/square/llmquota/logging"
)

// DefaultPruneSchedule runs the pruner once an hour.
const DefaultPruneSchedule = "@hourly"

// Pruner deletes expired usage records on a cron schedule.
type Pruner struct {
	store    *LedgerStore
	schedule string
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewPruner returns a pruner for store. An empty schedule uses DefaultPruneSchedule. timeout
// bounds a single pruning run; zero leaves it unbounded.
func NewPruner(store *LedgerStore, schedule string, timeout time.Duration) (*Pruner, error) {
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return &Pruner{store: store, schedule: schedule, timeout: timeout, cron: cron.New()}, nil
}

// Start schedules pruning. It is a no-op if the pruner is already running.
func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if _, err := p.cron.AddFunc(p.schedule, func() { _, _ = p.Prune(context.Background()) }); err != nil {
		return err
	}
	p.cron.Start()
	p.running = true
	logging.Infof("Pruning expired usage records on schedule %v", p.schedule)
	return nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	<-p.cron.Stop().Done()
	p.running = false
}

// Prune runs one pruning pass immediately.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	n, err := p.store.DeleteExpired(ctx)
	if err != nil {
		logging.Errorf("Unable to prune expired usage records: %v", err)
		return 0, err
	}
	if n > 0 {
		logging.Infof("Pruned %v expired usage records", n)
	} else {
		logging.Debug("No expired usage records to prune")
	}
	return n, nil
}

// NextRun returns when the next pruning pass is due, or the zero time if not running.
func (p *Pruner) NextRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
