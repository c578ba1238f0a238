package publisher

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/pkg/util"
)

type registration struct {
	adapter Adapter
	config  PlatformConfig
	limiter *rate.Limiter
}

// Manager is the registry of platform adapters.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]*registration
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		adapters: make(map[string]*registration),
		logger:   logger,
	}
}

func (m *Manager) RegisterAdapter(adapter Adapter, cfg PlatformConfig) error {
	platformName := util.NormalizePlatform(adapter.PlatformName())
	if platformName == "" {
		return fmt.Errorf("%w: adapter has no platform name", models.ErrInvalidRequest)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.adapters[platformName]; exists {
		return fmt.Errorf("adapter for platform %s already registered", platformName)
	}

	reg := &registration{adapter: adapter, config: cfg}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		reg.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	m.adapters[platformName] = reg

	m.logger.Info("Adapter registered",
		zap.String("platform", platformName),
		zap.Bool("enabled", cfg.Enabled),
		zap.Float64("rate_per_sec", cfg.RatePerSec))
	return nil
}

func (m *Manager) GetAdapter(platformName string) (Adapter, error) {
	reg, err := m.lookup(platformName)
	if err != nil {
		return nil, err
	}
	return reg.adapter, nil
}

func (m *Manager) lookup(platformName string) (*registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, exists := m.adapters[util.NormalizePlatform(platformName)]
	if !exists {
		return nil, fmt.Errorf("adapter for platform %s: %w", platformName, models.ErrNotFound)
	}
	return reg, nil
}

func (m *Manager) Enabled(platformName string) bool {
	reg, err := m.lookup(platformName)
	return err == nil && reg.config.Enabled
}

// Limiter returns the platform's rate limiter, or nil when unlimited.
func (m *Manager) Limiter(platformName string) *rate.Limiter {
	reg, err := m.lookup(platformName)
	if err != nil {
		return nil
	}
	return reg.limiter
}

// Platforms lists the enabled platforms in name order.
func (m *Manager) Platforms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, reg := range m.adapters {
		if reg.config.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Resolve normalizes a requested platform list and checks every entry has
// an enabled adapter.
func (m *Manager) Resolve(platformIDs []string) ([]string, error) {
	platforms := util.UniquePlatforms(platformIDs)
	if len(platforms) == 0 {
		return nil, fmt.Errorf("%w: no platforms requested", models.ErrInvalidRequest)
	}
	for _, p := range platforms {
		reg, err := m.lookup(p)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown platform %q", models.ErrInvalidRequest, p)
		}
		if !reg.config.Enabled {
			return nil, fmt.Errorf("%w: platform %s is disabled", models.ErrInvalidRequest, p)
		}
	}
	return platforms, nil
}
