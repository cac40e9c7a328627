package assets

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
)

// Registry is an in-memory view over the assets table, loaded once at
// startup. Lookups are hot-path (every deposit and swap touches them),
// so they never hit the database.
type Registry struct {
	mu       sync.RWMutex
	bySymbol map[string]Asset
	repo     *Repository
	log      zerolog.Logger
}

// NewRegistry seeds defaults, loads the table and returns a ready registry.
func NewRegistry(repo *Repository, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		bySymbol: make(map[string]Asset),
		repo:     repo,
		log:      log.With().Str("service", "asset_registry").Logger(),
	}

	if err := repo.Seed(DefaultAssets()); err != nil {
		return nil, err
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}

	return r, nil
}

// Refresh reloads the registry from the database.
func (r *Registry) Refresh() error {
	all, err := r.repo.GetAll()
	if err != nil {
		return err
	}

	bySymbol := make(map[string]Asset, len(all))
	for _, a := range all {
		bySymbol[a.Symbol] = a
	}

	r.mu.Lock()
	r.bySymbol = bySymbol
	r.mu.Unlock()

	r.log.Debug().Int("count", len(all)).Msg("Asset registry refreshed")
	return nil
}

// Get returns the asset for a symbol.
func (r *Registry) Get(symbol string) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.bySymbol[symbol]
	if !ok {
		return Asset{}, domain.Ef(domain.KindValidation, "unknown asset: %s", symbol)
	}
	return a, nil
}

// IsSupported reports whether an asset can be deposited on a chain.
// Fiat assets are rail-bound and match any chain value.
func (r *Registry) IsSupported(symbol string, chain int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.bySymbol[symbol]
	if !ok {
		return false
	}
	if a.IsFiat() {
		return true
	}
	return a.Chain == chain
}

// DestinationAssets returns the basket assets (everything except fiat),
// sorted by symbol for deterministic iteration.
func (r *Registry) DestinationAssets() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Asset
	for _, a := range r.bySymbol {
		if !a.IsFiat() {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

// All returns every registered asset, sorted by symbol.
func (r *Registry) All() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Asset, 0, len(r.bySymbol))
	for _, a := range r.bySymbol {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}
