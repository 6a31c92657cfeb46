// Package discovery fetches host inventories from providers and reconciles
// them against the stored inventory.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"fleet-plex/internal/model"
)

// Adapter lists the hosts a provider currently reports. Returned hosts carry
// ProviderHostID and provider-reported fields only.
type Adapter interface {
	Discover(ctx context.Context, provider model.Provider) ([]model.DiscoveredHost, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, provider model.Provider) ([]model.DiscoveredHost, error)

// Discover implements Adapter
func (f AdapterFunc) Discover(ctx context.Context, provider model.Provider) ([]model.DiscoveredHost, error) {
	return f(ctx, provider)
}

// Adapters maps provider types to their adapter.
type Adapters map[model.ProviderType]Adapter

// DefaultAdapters returns the built-in adapters.
func DefaultAdapters() Adapters {
	return Adapters{
		model.ProviderProxmox: NewProxmoxAdapter(0),
		model.ProviderVSphere: NewVSphereAdapter(),
		model.ProviderStatic:  NewStaticAdapter(),
	}
}

// For returns the adapter for a provider type.
func (a Adapters) For(t model.ProviderType) (Adapter, error) {
	adapter, ok := a[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProviderType, t)
	}
	return adapter, nil
}

// guessOS maps a free-form guest description onto an OSType.
func guessOS(desc string) model.OSType {
	d := strings.ToLower(desc)
	switch {
	case d == "":
		return model.OSUnknown
	case strings.Contains(d, "darwin"), strings.Contains(d, "macos"):
		return model.OSUnix
	case strings.Contains(d, "win"):
		return model.OSWindows
	case strings.Contains(d, "esx") || strings.Contains(d, "vmkernel"):
		return model.OSESXi
	case strings.Contains(d, "linux"), strings.Contains(d, "ubuntu"), strings.Contains(d, "debian"),
		strings.Contains(d, "centos"), strings.Contains(d, "rhel"), strings.Contains(d, "red hat"),
		strings.Contains(d, "suse"), strings.Contains(d, "sles"), strings.Contains(d, "fedora"),
		strings.Contains(d, "alpine"), strings.Contains(d, "l26"), strings.Contains(d, "l24"):
		return model.OSLinux
	case strings.Contains(d, "bsd"), strings.Contains(d, "solaris"):
		return model.OSUnix
	}
	return model.OSUnknown
}
