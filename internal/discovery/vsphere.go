package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"fleet-plex/internal/model"
)

// VSphereAdapter lists virtual machines and ESXi hosts from a vCenter or
// standalone ESXi endpoint. Templates are skipped.
type VSphereAdapter struct{}

// NewVSphereAdapter creates a vSphere adapter.
func NewVSphereAdapter() *VSphereAdapter {
	return &VSphereAdapter{}
}

func vsphereURL(p model.Provider) (*url.URL, error) {
	endpoint := p.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid vsphere endpoint %q", p.Endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sdk"
	}
	u.User = url.UserPassword(p.Username, p.Secret)
	return u, nil
}

// Discover implements Adapter
func (a *VSphereAdapter) Discover(ctx context.Context, p model.Provider) ([]model.DiscoveredHost, error) {
	u, err := vsphereURL(p)
	if err != nil {
		return nil, err
	}

	client, err := govmomi.NewClient(ctx, u, p.Insecure)
	if err != nil {
		return nil, fmt.Errorf("connect to vsphere %s: %w", u.Host, err)
	}
	defer client.Logout(context.Background()) //nolint:errcheck

	m := view.NewManager(client.Client)
	v, err := m.CreateContainerView(ctx, client.ServiceContent.RootFolder, []string{"VirtualMachine", "HostSystem"}, true)
	if err != nil {
		return nil, err
	}
	defer v.Destroy(context.Background()) //nolint:errcheck

	var vms []mo.VirtualMachine
	if err := v.Retrieve(ctx, []string{"VirtualMachine"}, []string{"summary", "guest"}, &vms); err != nil {
		return nil, fmt.Errorf("retrieve virtual machines: %w", err)
	}

	var hss []mo.HostSystem
	if err := v.Retrieve(ctx, []string{"HostSystem"}, []string{"summary"}, &hss); err != nil {
		return nil, fmt.Errorf("retrieve host systems: %w", err)
	}

	hosts := make([]model.DiscoveredHost, 0, len(vms)+len(hss))
	for _, vm := range vms {
		if vm.Summary.Config.Template {
			continue
		}
		hosts = append(hosts, vmHost(vm))
	}
	for _, hs := range hss {
		hosts = append(hosts, esxiHost(hs))
	}
	return hosts, nil
}

func vmHost(vm mo.VirtualMachine) model.DiscoveredHost {
	cfg := vm.Summary.Config
	host := model.DiscoveredHost{
		ProviderHostID: vm.Self.Value,
		Name:           cfg.Name,
		OSName:         cfg.GuestFullName,
		OSType:         guessOS(cfg.GuestId + " " + cfg.GuestFullName),
		State:          vmState(vm.Summary.Runtime.PowerState),
		Metadata: map[string]string{
			"type":    "VirtualMachine",
			"uuid":    cfg.Uuid,
			"guestId": cfg.GuestId,
		},
	}
	if g := vm.Guest; g != nil {
		host.Hostname = g.HostName
		host.PrivateIP = g.IpAddress
		if g.GuestFullName != "" {
			host.OSName = g.GuestFullName
			host.OSType = guessOS(g.GuestId + " " + g.GuestFullName)
		}
	}
	return host
}

func esxiHost(hs mo.HostSystem) model.DiscoveredHost {
	host := model.DiscoveredHost{
		ProviderHostID: hs.Self.Value,
		Name:           hs.Summary.Config.Name,
		Hostname:       hs.Summary.Config.Name,
		OSType:         model.OSESXi,
		State:          model.StateUnknown,
		Metadata: map[string]string{
			"type": "HostSystem",
		},
	}
	if product := hs.Summary.Config.Product; product != nil {
		host.OSName = product.FullName
	}
	if rt := hs.Summary.Runtime; rt != nil {
		switch rt.PowerState {
		case types.HostSystemPowerStatePoweredOn:
			host.State = model.StateRunning
		case types.HostSystemPowerStatePoweredOff:
			host.State = model.StateStopped
		case types.HostSystemPowerStateStandBy:
			host.State = model.StateSuspended
		}
	}
	return host
}

func vmState(ps types.VirtualMachinePowerState) model.HostState {
	switch ps {
	case types.VirtualMachinePowerStatePoweredOn:
		return model.StateRunning
	case types.VirtualMachinePowerStatePoweredOff:
		return model.StateStopped
	case types.VirtualMachinePowerStateSuspended:
		return model.StateSuspended
	}
	return model.StateUnknown
}
