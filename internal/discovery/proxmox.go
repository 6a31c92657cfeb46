package discovery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"fleet-plex/internal/model"
)

// DefaultProxmoxRate caps API calls per second against one cluster.
const DefaultProxmoxRate = 10

// ProxmoxAdapter lists QEMU VMs and LXC containers from a Proxmox VE cluster.
//
// Provider.Username is the API token id ("user@realm!token") and
// Provider.Secret the token secret. Guest configs are fetched per guest to
// learn the OS type and, for containers, the hostname and address.
type ProxmoxAdapter struct {
	rps float64
}

// NewProxmoxAdapter creates an adapter limited to rps requests per second (0 for the default).
func NewProxmoxAdapter(rps float64) *ProxmoxAdapter {
	if rps <= 0 {
		rps = DefaultProxmoxRate
	}
	return &ProxmoxAdapter{rps: rps}
}

type pveResource struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Node     string `json:"node"`
	VMID     int    `json:"vmid"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Template int    `json:"template"`
	Tags     string `json:"tags"`
	Pool     string `json:"pool"`
}

type pveResources struct {
	Data []pveResource `json:"data"`
}

type pveConfig struct {
	Data map[string]any `json:"data"`
}

type proxmoxSession struct {
	client  *resty.Client
	limiter *rate.Limiter
}

func (a *ProxmoxAdapter) session(p model.Provider) (*proxmoxSession, error) {
	endpoint := strings.TrimRight(p.Endpoint, "/")
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid proxmox endpoint %q", p.Endpoint)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), "8006")
	}
	u.Path = "/api2/json"

	client := resty.New().
		SetBaseURL(u.String()).
		SetHeader("Accept", "application/json").
		SetHeader("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", p.Username, p.Secret)).
		SetTimeout(30 * time.Second).
		SetRetryCount(3)
	if p.Insecure {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	}

	return &proxmoxSession{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(a.rps), 1),
	}, nil
}

func (s *proxmoxSession) get(ctx context.Context, path string, query map[string]string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("proxmox request %s: %w", path, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("proxmox responded %d for %s: %s", resp.StatusCode(), path, strings.TrimSpace(resp.String()))
	}
	return nil
}

// Discover implements Adapter
func (a *ProxmoxAdapter) Discover(ctx context.Context, p model.Provider) ([]model.DiscoveredHost, error) {
	s, err := a.session(p)
	if err != nil {
		return nil, err
	}

	var resources pveResources
	if err := s.get(ctx, "/cluster/resources", map[string]string{"type": "vm"}, &resources); err != nil {
		return nil, err
	}

	hosts := make([]model.DiscoveredHost, 0, len(resources.Data))
	for _, res := range resources.Data {
		if res.Template == 1 {
			continue
		}
		host := model.DiscoveredHost{
			ProviderHostID: res.ID,
			Name:           res.Name,
			State:          pveState(res.Status),
			OSType:         model.OSUnknown,
			Metadata: map[string]string{
				"node": res.Node,
				"vmid": strconv.Itoa(res.VMID),
				"type": res.Type,
			},
			Tags: pveTags(res.Tags),
		}
		if res.Pool != "" {
			host.Metadata["pool"] = res.Pool
		}

		var cfg pveConfig
		path := fmt.Sprintf("/nodes/%s/%s/%d/config", res.Node, res.Type, res.VMID)
		if err := s.get(ctx, path, nil, &cfg); err != nil {
			return nil, err
		}
		applyPVEConfig(&host, res.Type, cfg.Data)

		hosts = append(hosts, host)
	}
	return hosts, nil
}

func applyPVEConfig(host *model.DiscoveredHost, guestType string, cfg map[string]any) {
	str := func(key string) string {
		v, _ := cfg[key].(string)
		return v
	}

	if guestType == "lxc" {
		host.OSType = model.OSLinux
		host.OSName = str("ostype")
		host.Hostname = str("hostname")
		host.PrivateIP = lxcAddress(str("net0"))
		return
	}

	osType := str("ostype")
	host.OSName = osType
	switch {
	case strings.HasPrefix(osType, "win"), osType == "wxp", osType == "w2k", osType == "w2k3", osType == "w2k8", osType == "wvista":
		host.OSType = model.OSWindows
	case strings.HasPrefix(osType, "l2"):
		host.OSType = model.OSLinux
	case osType == "solaris":
		host.OSType = model.OSUnix
	default:
		host.OSType = guessOS(osType)
	}
}

// lxcAddress pulls the static IPv4 out of a net0 spec like
// "name=eth0,bridge=vmbr0,ip=10.0.0.5/24,gw=10.0.0.1".
func lxcAddress(net0 string) string {
	for _, part := range strings.Split(net0, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || k != "ip" || v == "dhcp" || v == "manual" {
			continue
		}
		addr, _, _ := strings.Cut(v, "/")
		return addr
	}
	return ""
}

func pveState(status string) model.HostState {
	switch status {
	case "running":
		return model.StateRunning
	case "stopped":
		return model.StateStopped
	case "paused", "suspended":
		return model.StateSuspended
	}
	return model.StateUnknown
}

// pveTags turns "web;prod" into {"web": "", "prod": ""}.
func pveTags(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	tags := make(map[string]string)
	for _, t := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' || r == ' ' }) {
		tags[t] = ""
	}
	return tags
}
