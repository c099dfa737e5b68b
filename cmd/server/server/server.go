// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package server wires the llmquota server together from a config.
package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/square/llmquota"
	"github.com/square/llmquota/config"
	countermem "github.com/square/llmquota/counters/memory"
	counterredis "github.com/square/llmquota/counters/redis"
	"github.com/square/llmquota/internal/redisutil"
	"github.com/square/llmquota/internal/sqlutil"
	"github.com/square/llmquota/ledger/dsledger"
	ledgermem "github.com/square/llmquota/ledger/memory"
	"github.com/square/llmquota/ledger/sqlledger"
	"github.com/square/llmquota/logging"
	"github.com/square/llmquota/metrics"
	"github.com/square/llmquota/plans/memcache"
	planmem "github.com/square/llmquota/plans/memory"
	"github.com/square/llmquota/plans/rediscache"
	"github.com/square/llmquota/plans/sqlstore"
	qshttp "github.com/square/llmquota/rpc/http"
	"github.com/square/llmquota/stats"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

var (
	app           = kingpin.New("llmquota", "The llmquota server.")
	configFile    = app.Flag("config", "YAML config file").Short('c').Default("").String()
	HTTPServer    = app.Flag("http_server", "HTTP server TCP endpoint, overrides http.listen").Default("").String()
	countersURL   = app.Flag("counters_url", "Counter store URL, redis://... or memory://, overrides counters.url").Default("").String()
	failurePolicy = app.Flag("failure_policy", "closed or open, overrides failure_policy").Default("").String()
	strategy      = app.Flag("strategy", "soft or atomic, overrides limiter.strategy").Default("").String()
)

// Server is a running engine and everything it was built on.
type Server struct {
	Config   *config.ServiceConfig
	Engine   *llmquota.Engine
	Endpoint *qshttp.HttpEndpoint
	Stats    stats.Listener
	Registry *prometheus.Registry

	pruner  *sqlledger.Pruner
	closers []func() error
}

// Build connects to every store the config names and creates the engine over them. Nothing is
// served until Start.
func Build(ctx context.Context, cfg *config.ServiceConfig) (*Server, error) {
	s := &Server{Config: cfg, Registry: prometheus.NewRegistry()}
	if err := s.build(ctx); err != nil {
		_ = s.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) (err error) {
	cfg := s.Config

	components := llmquota.Components{}
	if components.Counters, err = s.counters(ctx, cfg.Counters); err != nil {
		return err
	}
	if components.Plans, err = s.plans(ctx, cfg.Plans); err != nil {
		return err
	}
	if components.Cache, err = s.cache(ctx, cfg.Plans); err != nil {
		return err
	}
	if components.Ledger, err = s.ledger(ctx, cfg.Ledger); err != nil {
		return err
	}
	if s.Stats == nil {
		s.Stats = stats.NewMemoryStatsListener(nil)
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	s.Registry.MustRegister(collectors.NewGoCollector())
	opts.Metrics = metrics.New(s.Registry)
	opts.Listener = s.Stats.HandleEvent

	if s.Engine, err = llmquota.New(components, opts); err != nil {
		return err
	}
	s.closers = append(s.closers, func() error { s.Engine.Close(); return nil })

	s.Endpoint = qshttp.New(cfg.HTTP.Listen, s.Engine, qshttp.Options{Stats: s.Stats, Gatherer: s.Registry})
	return nil
}

func (s *Server) counters(ctx context.Context, cfg config.CountersConfig) (llmquota.CounterStore, error) {
	if cfg.URL == config.MemoryURL {
		logging.Print("Using memory counters")
		store := countermem.NewCounterStore(nil)
		stop := store.StartReaper(cfg.ReapInterval)
		s.closers = append(s.closers, func() error { stop(); return nil })
		return store, nil
	}

	client, err := redisutil.Connect(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, client.Close)

	store := counterredis.NewCounterStore(client)
	if err := store.Load(ctx); err != nil {
		return nil, err
	}
	// Stats are shared by every instance using these counters.
	s.Stats = stats.NewRedisStatsListener(client, nil)
	logging.Printf("Using Redis counters")
	return store, nil
}

func (s *Server) plans(ctx context.Context, cfg config.PlansConfig) (llmquota.PlanStore, error) {
	if cfg.Driver == config.DriverMemory {
		logging.Print("Using memory plan store")
		return planmem.NewPlanStore(), nil
	}

	db, err := sqlutil.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	store := sqlstore.New(db, cfg.Driver, nil)
	s.closers = append(s.closers, store.Close)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	logging.Printf("Using %v plan store", cfg.Driver)
	return store, nil
}

func (s *Server) cache(ctx context.Context, cfg config.PlansConfig) (llmquota.PlanCache, error) {
	switch cfg.CacheURL {
	case "":
		return nil, nil
	case config.MemoryURL:
		return memcache.NewPlanCache(nil), nil
	}

	client, err := redisutil.Connect(ctx, cfg.CacheURL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, client.Close)
	return rediscache.NewPlanCache(client), nil
}

func (s *Server) ledger(ctx context.Context, cfg config.LedgerConfig) (llmquota.LedgerStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logging.Print("Using memory ledger")
		return ledgermem.NewLedgerStore(nil), nil
	case config.DriverDatastore:
		store, err := dsledger.New(ctx, dsledger.Config{
			ProjectID:       cfg.Project,
			CredentialsFile: cfg.CredentialsFile,
			Namespace:       cfg.Namespace,
			Kind:            cfg.Kind})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		logging.Printf("Using Datastore ledger in project %v", cfg.Project)
		return store, nil
	}

	db, err := sqlutil.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	store := sqlledger.New(db, cfg.Driver, nil)
	s.closers = append(s.closers, store.Close)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	if s.pruner, err = sqlledger.NewPruner(store, cfg.PruneSchedule, 0); err != nil {
		return nil, err
	}
	logging.Printf("Using %v ledger, pruned %v", cfg.Driver, cfg.PruneSchedule)
	return store, nil
}

// Start serves HTTP and starts background maintenance.
func (s *Server) Start() error {
	if s.pruner != nil {
		if err := s.pruner.Start(); err != nil {
			return err
		}
		s.closers = append(s.closers, func() error { s.pruner.Stop(); return nil })
	}
	return s.Endpoint.Start()
}

// Stop drains HTTP requests, then releases every store in reverse order of creation.
func (s *Server) Stop(ctx context.Context) error {
	err := s.Endpoint.Stop(ctx)
	return errors.Join(err, s.close())
}

func (s *Server) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// LoadConfig reads the config file, if one is given, and applies command-line overrides.
func LoadConfig(args []string) (*config.ServiceConfig, error) {
	if _, err := app.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.NewDefaultServiceConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.ReadConfigFromFile(*configFile); err != nil {
			return nil, err
		}
	}

	if *HTTPServer != "" {
		cfg.HTTP.Listen = *HTTPServer
	}
	if *countersURL != "" {
		cfg.Counters.URL = *countersURL
	}
	if *failurePolicy != "" {
		cfg.FailurePolicy = *failurePolicy
	}
	if *strategy != "" {
		cfg.Limiter.Strategy = *strategy
	}
	return cfg, config.Validate(cfg)
}

func RunServer(args []string) {
	cfg, err := LoadConfig(args)
	kingpin.FatalIfError(err, "Invalid configuration")

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	server, err := Build(ctx, cfg)
	cancel()
	kingpin.FatalIfError(err, "Unable to create server")

	kingpin.FatalIfError(server.Start(), "Unable to start server")
	logging.Printf("Serving on %v", server.Endpoint.Addr())

	// Block until SIGTERM or SIGINT
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logging.Errorf("Unclean shutdown: %v", err)
	}
}
