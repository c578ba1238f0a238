package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/service/publisher/simulated"
	"github.com/ifuryst/crosspost/pkg/util"
)

// NewAdapterManager registers an adapter for every configured platform.
// Platform APIs are not integrated, so each platform is served by the
// simulated adapter shaped by its simulate block. With no platforms
// configured the whole catalogue is enabled with default simulation.
func NewAdapterManager(cfg *config.PublisherConfig, logger *zap.Logger) (*publisher.Manager, error) {
	manager := publisher.NewManager(logger)

	platforms := cfg.Platforms
	if len(platforms) == 0 {
		for _, p := range models.Catalog {
			platforms = append(platforms, config.PlatformConfig{Name: p.ID, Enabled: true})
		}
	}

	for _, p := range platforms {
		name := util.NormalizePlatform(p.Name)
		if _, ok := models.LookupPlatform(name); !ok {
			return nil, fmt.Errorf("unknown platform %q in publisher config", p.Name)
		}

		adapter := simulated.New(name, simulateOptions(p.Simulate)...)
		if err := manager.RegisterAdapter(adapter, publisher.PlatformConfig{
			Name:       name,
			Enabled:    p.Enabled,
			RatePerSec: p.RatePerSec,
			Burst:      p.Burst,
		}); err != nil {
			return nil, fmt.Errorf("failed to register %s adapter: %w", name, err)
		}
	}
	return manager, nil
}

func simulateOptions(cfg *config.SimulateConfig) []simulated.Option {
	if cfg == nil {
		return nil
	}
	var opts []simulated.Option
	if cfg.Steps > 0 || cfg.StepDelay != "" {
		opts = append(opts, simulated.WithSteps(cfg.Steps, config.Duration(cfg.StepDelay)))
	}
	if cfg.FailAttempts > 0 {
		msg := cfg.FailureMessage
		if msg == "" {
			msg = "simulated failure"
		}
		opts = append(opts, simulated.FailFirst(cfg.FailAttempts, msg))
	}
	return opts
}

// OrchestratorOptions converts the publisher section into orchestrator options.
func OrchestratorOptions(cfg *config.PublisherConfig) publisher.Options {
	return publisher.Options{
		AdapterTimeout: config.Duration(cfg.AdapterTimeout),
		MaxErrorLength: cfg.MaxErrorLength,
		Retry: publisher.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   config.Duration(cfg.Retry.BaseDelay),
			MaxDelay:    config.Duration(cfg.Retry.MaxDelay),
		},
	}
}
