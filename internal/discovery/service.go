package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
)

var (
	// ErrProviderNotFound is returned for unknown provider ids
	ErrProviderNotFound = errors.New("provider not found")

	// ErrHostNotFound is returned for unknown discovered host ids
	ErrHostNotFound = errors.New("discovered host not found")

	// ErrUnknownProviderType is returned when no adapter serves a provider's type
	ErrUnknownProviderType = errors.New("unknown provider type")

	// ErrFetch wraps adapter failures
	ErrFetch = errors.New("discovery fetch failed")
)

// Store is the persistence the discovery service needs.
type Store interface {
	HostStore
	GetProvider(ctx context.Context, id string) (*model.Provider, error)
	TouchProviderSync(ctx context.Context, id string, at time.Time) error
	GetDiscoveredHost(ctx context.Context, id string) (*model.DiscoveredHost, error)
	GetConnection(ctx context.Context, id string) (*model.ServerConnection, error)
	UpsertConnection(ctx context.Context, conn *model.ServerConnection) error
	MarkHostImported(ctx context.Context, id string, connectionID string) error
}

// SyncObserver is told about every sync attempt.
type SyncObserver interface {
	ObserveSync(providerID string, result *model.ProviderSyncResult, duration time.Duration, err error)
}

// Service fetches provider inventories and reconciles them.
type Service struct {
	store      Store
	adapters   Adapters
	reconciler *Reconciler
	observer   SyncObserver
	logger     *logging.Logger
}

// NewService creates a discovery service. A nil locker selects an in-process KeyedMutex.
func NewService(store Store, adapters Adapters, locker Locker, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if adapters == nil {
		adapters = DefaultAdapters()
	}
	return &Service{
		store:      store,
		adapters:   adapters,
		reconciler: NewReconciler(store, locker, logger),
		logger:     logger,
	}
}

// SetObserver installs an observer for sync outcomes.
func (s *Service) SetObserver(o SyncObserver) {
	s.observer = o
}

func (s *Service) provider(ctx context.Context, providerID string) (*model.Provider, error) {
	p, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	return p, nil
}

func (s *Service) fetch(ctx context.Context, p *model.Provider) ([]model.DiscoveredHost, error) {
	adapter, err := s.adapters.For(p.Type)
	if err != nil {
		return nil, err
	}
	hosts, err := adapter.Discover(ctx, *p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, p.Name, err)
	}
	for i := range hosts {
		hosts[i].ProviderID = p.ID
	}
	return hosts, nil
}

// DiscoverHosts fetches the provider's current host list without touching
// the stored inventory.
func (s *Service) DiscoverHosts(ctx context.Context, providerID string) ([]model.DiscoveredHost, error) {
	p, err := s.provider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, p)
}

// SyncProvider fetches the provider's hosts and reconciles them into the
// stored inventory. A failed fetch leaves the inventory untouched.
func (s *Service) SyncProvider(ctx context.Context, providerID string) (result *model.ProviderSyncResult, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			s.logger.LogSyncError(providerID, err)
		}
		if s.observer != nil {
			s.observer.ObserveSync(providerID, result, time.Since(start), err)
		}
	}()

	p, err := s.provider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	fresh, err := s.fetch(ctx, p)
	if err != nil {
		return nil, err
	}

	result, err = s.reconciler.Sync(ctx, p.ID, p.Name, fresh)
	if err != nil {
		return nil, err
	}

	if err := s.store.TouchProviderSync(ctx, p.ID, time.Now()); err != nil {
		return nil, fmt.Errorf("record sync time: %w", err)
	}
	return result, nil
}

// ImportOptions overrides connection fields when importing a host.
type ImportOptions struct {
	Name         string
	Port         int
	Username     string
	CredentialID string
	GroupID      string
}

// ImportHost creates a connection for a discovered host and links them.
// Importing an already linked host returns the linked connection. The import
// holds the provider's sync lock so a concurrent sync cannot interleave.
func (s *Service) ImportHost(ctx context.Context, hostID string, opts ImportOptions) (*model.ServerConnection, error) {
	host, err := s.discoveredHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.reconciler.locker.Lock(ctx, host.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("lock provider %s: %w", host.ProviderID, err)
	}
	defer unlock()

	// Re-read under the lock: another import may have linked the host meanwhile.
	host, err = s.discoveredHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	if host.Imported && host.ConnectionID != "" {
		existing, err := s.store.GetConnection(ctx, host.ConnectionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	conn := ConnectionFromHost(*host, opts)
	if err := s.store.UpsertConnection(ctx, &conn); err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	if err := s.store.MarkHostImported(ctx, host.ID, conn.ID); err != nil {
		return nil, fmt.Errorf("link discovered host: %w", err)
	}

	s.logger.Info("discovered host imported",
		"host_id", host.ID,
		"provider_id", host.ProviderID,
		"connection_id", conn.ID,
	)
	return &conn, nil
}

func (s *Service) discoveredHost(ctx context.Context, hostID string) (*model.DiscoveredHost, error) {
	host, err := s.store.GetDiscoveredHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, hostID)
	}
	return host, nil
}

// ConnectionFromHost builds the connection an import would create.
func ConnectionFromHost(host model.DiscoveredHost, opts ImportOptions) model.ServerConnection {
	conn := model.ServerConnection{
		Name:           host.Name,
		Hostname:       host.Address(),
		Type:           model.ConnSSH,
		Port:           22,
		Username:       opts.Username,
		OSType:         host.OSType,
		CredentialID:   opts.CredentialID,
		GroupID:        opts.GroupID,
		ProviderID:     host.ProviderID,
		ProviderHostID: host.ProviderHostID,
	}
	if host.OSType == model.OSWindows {
		conn.Type = model.ConnWinRM
		conn.Port = 5985
	}
	if opts.Name != "" {
		conn.Name = opts.Name
	}
	if opts.Port > 0 {
		conn.Port = opts.Port
	}
	if len(host.Tags) > 0 {
		conn.Tags = make(map[string]string, len(host.Tags))
		for k, v := range host.Tags {
			conn.Tags[k] = v
		}
	}
	return conn
}
