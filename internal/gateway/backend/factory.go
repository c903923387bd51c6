package backend

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/amerfu/ollamux/internal/config"
	"github.com/amerfu/ollamux/internal/gateway/pool"
)

// Factory builds and caches routers. Two backend configs that map to the same
// equivalence key share one router instance and therefore one pool transport.
type Factory struct {
	pool   *pool.Pool
	logger *zap.Logger

	mu      sync.RWMutex
	routers map[config.BackendKey]Router
}

// NewFactory validates every backend in the given groups up front and returns
// an error naming the first offender. Misconfiguration surfaces at startup,
// not on the first request that happens to hit the broken entry.
func NewFactory(groups []config.ModelGroup, p *pool.Pool, logger *zap.Logger) (*Factory, error) {
	for _, group := range groups {
		for _, backend := range group.Backends {
			if !backend.Family.Valid() {
				return nil, fmt.Errorf("group %s: backend %s has unknown family %q",
					group.Name, backend.Name, backend.Family)
			}
			if backend.BaseURL == "" && backend.Family != config.FamilyMock {
				return nil, fmt.Errorf("group %s: backend %s has no base_url",
					group.Name, backend.Name)
			}
		}
	}
	return &Factory{
		pool:    p,
		logger:  logger,
		routers: make(map[config.BackendKey]Router),
	}, nil
}

// GetOrCreate returns the shared router for a backend config. Concurrent
// first-use races resolve to a single instance.
func (f *Factory) GetOrCreate(cfg config.BackendConfig) (Router, error) {
	key := cfg.Key()

	f.mu.RLock()
	router, ok := f.routers[key]
	f.mu.RUnlock()
	if ok {
		return router, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if router, ok := f.routers[key]; ok {
		return router, nil
	}

	router, err := f.build(cfg)
	if err != nil {
		return nil, err
	}

	f.logger.Info("router created",
		zap.String("backend", cfg.Name),
		zap.String("family", string(cfg.Family)),
		zap.String("base_url", key.BaseURL))

	f.routers[key] = router
	return router, nil
}

func (f *Factory) build(cfg config.BackendConfig) (Router, error) {
	switch cfg.Family {
	case config.FamilyOllama:
		entry := f.pool.Acquire(pool.NewKey(cfg.BaseURL, cfg.APIKey, cfg.APIVersion, cfg.Compression))
		return newOllamaRouter(cfg, entry, f.logger), nil
	case config.FamilyOpenAI:
		entry := f.pool.Acquire(pool.NewKey(cfg.BaseURL, cfg.APIKey, cfg.APIVersion, cfg.Compression))
		return newOpenAIRouter(cfg, entry, f.logger), nil
	case config.FamilyAnthropic:
		entry := f.pool.Acquire(pool.NewKey(cfg.BaseURL, cfg.APIKey, cfg.APIVersion, cfg.Compression))
		return newAnthropicRouter(cfg, entry, f.logger), nil
	case config.FamilyMock:
		return newMockRouter(cfg, f.logger), nil
	default:
		return nil, fmt.Errorf("unknown backend family %q", cfg.Family)
	}
}

// Size returns the number of cached routers.
func (f *Factory) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.routers)
}
