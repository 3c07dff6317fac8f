package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/theaddresstech/modular-ddd/pkg/sqlite"
)

// Strategy selects how tenants are isolated at the storage level.
type Strategy int

const (
	// SharedDatabase keeps every tenant in one database; isolation comes
	// from tenant-scoped aggregate IDs.
	SharedDatabase Strategy = iota

	// DatabasePerTenant opens a separate database file per tenant.
	DatabasePerTenant
)

// Stores routes event store access by tenant.
type Stores struct {
	strategy Strategy
	shared   *sqlite.EventStore

	// DatabasePerTenant only: the DSN template, e.g. "data/tenant_%s.db".
	dsnTemplate string
	storeOpts   []sqlite.Option

	mu      sync.RWMutex
	tenants map[string]*sqlite.EventStore
}

// NewSharedStores routes every tenant to one shared store.
func NewSharedStores(shared *sqlite.EventStore) *Stores {
	return &Stores{strategy: SharedDatabase, shared: shared}
}

// NewPerTenantStores opens one database per tenant from the DSN template.
// The options apply to every opened store; a WithDSN among them is
// overridden per tenant.
func NewPerTenantStores(dsnTemplate string, opts ...sqlite.Option) *Stores {
	return &Stores{
		strategy:    DatabasePerTenant,
		dsnTemplate: dsnTemplate,
		storeOpts:   opts,
		tenants:     make(map[string]*sqlite.EventStore),
	}
}

// Store returns the event store serving the context's tenant.
func (s *Stores) Store(ctx context.Context) (*sqlite.EventStore, error) {
	if s.strategy == SharedDatabase {
		return s.shared, nil
	}
	tenantID, ok := TenantFrom(ctx)
	if !ok {
		return nil, ErrNoTenant
	}
	return s.tenantStore(tenantID)
}

func (s *Stores) tenantStore(tenantID string) (*sqlite.EventStore, error) {
	s.mu.RLock()
	store, exists := s.tenants[tenantID]
	s.mu.RUnlock()
	if exists {
		return store, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if store, exists = s.tenants[tenantID]; exists {
		return store, nil
	}
	opts := append(append([]sqlite.Option{}, s.storeOpts...),
		sqlite.WithDSN(fmt.Sprintf(s.dsnTemplate, tenantID)))
	store, err := sqlite.NewEventStore(opts...)
	if err != nil {
		return nil, fmt.Errorf("open store for tenant %s: %w", tenantID, err)
	}
	s.tenants[tenantID] = store
	return store, nil
}

// Close closes every opened store.
func (s *Stores) Close() error {
	var errs []error
	if s.shared != nil {
		errs = append(errs, s.shared.Close())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for tenantID, store := range s.tenants {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tenant %s: %w", tenantID, err))
		}
	}
	clear(s.tenants)
	return errors.Join(errs...)
}
