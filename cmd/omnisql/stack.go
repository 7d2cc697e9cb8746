package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/cache"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/config"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/connector"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/executor"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/logging"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/metrics"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/orchestrator"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/rate"
	"github.com/KrishnaKumarTiwari/omni-sql/internal/security"
)

// stack bundles the long-lived collaborators built from one config.
type stack struct {
	cfg          *config.Config
	logger       *zap.Logger
	registry     *connector.Registry
	cache        *cache.Cache
	governor     *rate.Governor
	orchestrator *orchestrator.Orchestrator
	promRegistry *prometheus.Registry
}

// buildStack loads manifests and policies and wires the pipeline.
func buildStack(configPath string) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		JSON:       cfg.Logging.JSON,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}

	adapters, err := connector.LoadDir(cfg.ManifestDir)
	if err != nil {
		return nil, err
	}
	conns := make([]connector.Connector, len(adapters))
	for i, a := range adapters {
		conns[i] = a
	}
	registry, err := connector.NewRegistry(conns...)
	if err != nil {
		return nil, err
	}

	policies, err := security.LoadPolicyFile(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	governor := rate.NewGovernor(m)
	for _, name := range registry.Sources() {
		desc, _ := registry.Lookup(name)
		d := desc.Describe()
		if d.RateCapacity > 0 {
			governor.Configure(name, rate.Limits{
				Capacity:        d.RateCapacity,
				RefillPerSecond: d.RefillPerSecond,
			})
		}
	}

	c := cache.New(cfg.Cache.EntriesPerTenant, m)

	exec := &executor.Executor{
		Cache:           c,
		Governor:        governor,
		Registry:        registry,
		Metrics:         m,
		Logger:          logger,
		MaxParallel:     cfg.Query.MaxParallel,
		MaxRowsPerFetch: cfg.Query.MaxRowsPerFetch,
	}

	orch := &orchestrator.Orchestrator{
		Registry:          registry,
		Policies:          policies,
		Executor:          exec,
		Governor:          governor,
		Metrics:           m,
		Logger:            logger,
		DefaultDeadline:   cfg.DefaultDeadline(),
		StrictEntitlement: cfg.Query.StrictEntitlement,
	}

	logger.Info("stack ready",
		zap.Strings("sources", registry.Sources()),
		zap.String("manifest_dir", cfg.ManifestDir))

	return &stack{
		cfg:          cfg,
		logger:       logger,
		registry:     registry,
		cache:        c,
		governor:     governor,
		orchestrator: orch,
		promRegistry: promRegistry,
	}, nil
}

func (s *stack) close() {
	// Sync failures on stderr during shutdown are expected on some
	// platforms.
	_ = s.logger.Sync()
}
