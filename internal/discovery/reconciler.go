package discovery

import (
	"context"
	"fmt"
	"time"

	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
)

// HostStore is the slice of the store the reconciler reads and writes.
type HostStore interface {
	GetDiscoveredHosts(ctx context.Context, providerID string) ([]model.DiscoveredHost, error)
	UpsertDiscoveredHost(ctx context.Context, host *model.DiscoveredHost) error
}

// Reconciler diffs a fresh host listing against the stored one and
// refreshes the stored inventory. Runs for one provider never interleave.
type Reconciler struct {
	store  HostStore
	locker Locker
	logger *logging.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler. A nil locker selects an in-process KeyedMutex.
func NewReconciler(store HostStore, locker Locker, logger *logging.Logger) *Reconciler {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconciler{store: store, locker: locker, logger: logger, now: time.Now}
}

// Sync classifies fresh against the provider's stored hosts and upserts every
// fresh host. Hosts missing from fresh are reported as removed and left in place.
// Later duplicates of a ProviderHostID within fresh are ignored.
func (r *Reconciler) Sync(ctx context.Context, providerID, providerName string, fresh []model.DiscoveredHost) (*model.ProviderSyncResult, error) {
	unlock, err := r.locker.Lock(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("lock provider %s: %w", providerID, err)
	}
	defer unlock()

	start := r.now()

	previous, err := r.store.GetDiscoveredHosts(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load hosts for provider %s: %w", providerID, err)
	}

	known := make(map[string]model.DiscoveredHost, len(previous))
	for _, h := range previous {
		known[h.ProviderHostID] = h
	}

	result := &model.ProviderSyncResult{
		ProviderID:    providerID,
		NewHosts:      []model.DiscoveredHost{},
		RemovedHosts:  []model.DiscoveredHost{},
		ExistingHosts: []model.DiscoveredHost{},
		ChangedHosts:  []model.HostStateChange{},
	}

	seen := make(map[string]bool, len(fresh))
	var duplicates []string
	for _, host := range fresh {
		if seen[host.ProviderHostID] {
			duplicates = append(duplicates, host.ProviderHostID)
			continue
		}
		seen[host.ProviderHostID] = true

		host.ProviderID = providerID
		host.LastSeenAt = start
		prev, existed := known[host.ProviderHostID]
		if existed {
			host.ID = prev.ID
			host.DiscoveredAt = prev.DiscoveredAt
			host.Imported = prev.Imported
			host.ConnectionID = prev.ConnectionID
		} else {
			host.ID = ""
			host.DiscoveredAt = start
			host.Imported = false
			host.ConnectionID = ""
		}

		if err := r.store.UpsertDiscoveredHost(ctx, &host); err != nil {
			return nil, fmt.Errorf("upsert host %s: %w", host.ProviderHostID, err)
		}

		if !existed {
			result.NewHosts = append(result.NewHosts, host)
		} else {
			result.ExistingHosts = append(result.ExistingHosts, host)
			if prev.State != host.State {
				result.ChangedHosts = append(result.ChangedHosts, model.HostStateChange{
					Host:          host,
					PreviousState: prev.State,
					CurrentState:  host.State,
				})
			}
		}
		if host.Imported {
			result.Summary.Imported++
		}
	}

	for _, h := range previous {
		if !seen[h.ProviderHostID] {
			result.RemovedHosts = append(result.RemovedHosts, h)
		}
	}

	if len(duplicates) > 0 {
		r.logger.Warn("provider reported duplicate host ids; first occurrence kept",
			"provider_id", providerID,
			"reported", len(fresh),
			"kept", len(seen),
			"duplicates", duplicates,
		)
	}

	// Total counts distinct hosts so that new + existing == total.
	result.Summary.Total = len(seen)
	result.Summary.New = len(result.NewHosts)
	result.Summary.Existing = len(result.ExistingHosts)
	result.Summary.Removed = len(result.RemovedHosts)
	result.Summary.Changed = len(result.ChangedHosts)

	r.logger.With("provider_name", providerName).LogSync(providerID, result.Summary, r.now().Sub(start))
	return result, nil
}
