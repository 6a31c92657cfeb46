package discovery

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fleet-plex/internal/model"
)

// StaticAdapter reads hosts from a YAML file named by Provider.Endpoint.
//
//	hosts:
//	  - id: web-1
//	    name: web-1
//	    hostname: web-1.example.com
//	    os: linux
//	    state: running
//	    tags: {env: prod}
type StaticAdapter struct{}

// NewStaticAdapter creates a static file adapter.
func NewStaticAdapter() *StaticAdapter {
	return &StaticAdapter{}
}

type staticFile struct {
	Hosts []staticHost `yaml:"hosts"`
}

type staticHost struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Hostname  string            `yaml:"hostname"`
	PrivateIP string            `yaml:"privateIp"`
	PublicIP  string            `yaml:"publicIp"`
	OS        string            `yaml:"os"`
	OSName    string            `yaml:"osName"`
	State     string            `yaml:"state"`
	Tags      map[string]string `yaml:"tags"`
	Metadata  map[string]string `yaml:"metadata"`
}

// Discover implements Adapter
func (a *StaticAdapter) Discover(ctx context.Context, p model.Provider) ([]model.DiscoveredHost, error) {
	data, err := os.ReadFile(p.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("read static inventory: %w", err)
	}
	return parseStatic(data)
}

func parseStatic(data []byte) ([]model.DiscoveredHost, error) {
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse static inventory: %w", err)
	}

	hosts := make([]model.DiscoveredHost, 0, len(f.Hosts))
	for i, h := range f.Hosts {
		id := h.ID
		if id == "" {
			id = h.Name
		}
		if id == "" {
			id = h.Hostname
		}
		if id == "" {
			return nil, fmt.Errorf("static host %d: one of id, name or hostname is required", i+1)
		}
		name := h.Name
		if name == "" {
			name = id
		}

		osType := model.ParseOSType(h.OS)
		if h.OS == "" && h.OSName != "" {
			osType = guessOS(h.OSName)
		}
		state := model.HostState(h.State)
		switch state {
		case model.StateRunning, model.StateStopped, model.StateSuspended:
		default:
			state = model.StateUnknown
		}

		hosts = append(hosts, model.DiscoveredHost{
			ProviderHostID: id,
			Name:           name,
			Hostname:       h.Hostname,
			PrivateIP:      h.PrivateIP,
			PublicIP:       h.PublicIP,
			OSType:         osType,
			OSName:         h.OSName,
			State:          state,
			Tags:           h.Tags,
			Metadata:       h.Metadata,
		})
	}
	return hosts, nil
}
