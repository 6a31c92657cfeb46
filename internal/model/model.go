// Package model holds the records shared by discovery, dispatch and persistence.
package model

import (
	"fmt"
	"time"
)

// OSType is the operating system family of a host.
type OSType string

const (
	OSLinux   OSType = "linux"
	OSWindows OSType = "windows"
	OSUnix    OSType = "unix"
	OSESXi    OSType = "esxi"
	OSUnknown OSType = "unknown"
)

// ParseOSType normalizes free-form provider strings into an OSType.
func ParseOSType(s string) OSType {
	switch OSType(s) {
	case OSLinux, OSWindows, OSUnix, OSESXi:
		return OSType(s)
	}
	return OSUnknown
}

// HostState is the power state reported by a provider.
type HostState string

const (
	StateRunning   HostState = "running"
	StateStopped   HostState = "stopped"
	StateSuspended HostState = "suspended"
	StateUnknown   HostState = "unknown"
)

// TargetOS constrains which hosts a command may run on.
type TargetOS string

const (
	TargetAll     TargetOS = "all"
	TargetLinux   TargetOS = "linux"
	TargetWindows TargetOS = "windows"
)

// Valid reports whether t is a known target OS.
func (t TargetOS) Valid() bool {
	switch t {
	case TargetAll, TargetLinux, TargetWindows:
		return true
	}
	return false
}

// Allows reports whether a host of the given OS is eligible under t.
func (t TargetOS) Allows(os OSType) bool {
	switch t {
	case TargetLinux:
		return os != OSWindows
	case TargetWindows:
		return os == OSWindows
	default:
		return true
	}
}

// MismatchReason is the skip reason recorded when a host is ineligible under t.
func (t TargetOS) MismatchReason(os OSType) string {
	return fmt.Sprintf("OS mismatch: command targets %s, host is %s", t, os)
}

// DiscoveredHost is a host as last reported by a discovery provider.
// (ProviderID, ProviderHostID) identifies it.
type DiscoveredHost struct {
	ID             string            `json:"id" yaml:"id"`
	ProviderID     string            `json:"providerId" yaml:"providerId"`
	ProviderHostID string            `json:"providerHostId" yaml:"providerHostId"`
	Name           string            `json:"name" yaml:"name"`
	Hostname       string            `json:"hostname,omitempty" yaml:"hostname"`
	PrivateIP      string            `json:"privateIp,omitempty" yaml:"privateIp"`
	PublicIP       string            `json:"publicIp,omitempty" yaml:"publicIp"`
	OSType         OSType            `json:"osType" yaml:"osType"`
	OSName         string            `json:"osName,omitempty" yaml:"osName"`
	State          HostState         `json:"state" yaml:"state"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata"`
	Tags           map[string]string `json:"tags,omitempty" yaml:"tags"`
	DiscoveredAt   time.Time         `json:"discoveredAt" yaml:"-"`
	LastSeenAt     time.Time         `json:"lastSeenAt" yaml:"-"`
	Imported       bool              `json:"imported" yaml:"-"`
	ConnectionID   string            `json:"connectionId,omitempty" yaml:"-"`
}

// Address returns the best address to reach the host.
func (h DiscoveredHost) Address() string {
	switch {
	case h.Hostname != "":
		return h.Hostname
	case h.PrivateIP != "":
		return h.PrivateIP
	case h.PublicIP != "":
		return h.PublicIP
	}
	return h.Name
}

// HostStateChange records a state transition observed during a sync.
type HostStateChange struct {
	Host          DiscoveredHost `json:"host"`
	PreviousState HostState      `json:"previousState"`
	CurrentState  HostState      `json:"currentState"`
}

// SyncSummary counts the outcome of one sync pass.
type SyncSummary struct {
	Total    int `json:"total"`
	New      int `json:"new"`
	Removed  int `json:"removed"`
	Existing int `json:"existing"`
	Changed  int `json:"changed"`
	Imported int `json:"imported"`
}

// ProviderSyncResult is the classification produced by one sync pass.
type ProviderSyncResult struct {
	ProviderID    string            `json:"providerId"`
	NewHosts      []DiscoveredHost  `json:"newHosts"`
	RemovedHosts  []DiscoveredHost  `json:"removedHosts"`
	ExistingHosts []DiscoveredHost  `json:"existingHosts"`
	ChangedHosts  []HostStateChange `json:"changedHosts"`
	Summary       SyncSummary       `json:"summary"`
}

// ProviderType selects the discovery adapter.
type ProviderType string

const (
	ProviderProxmox ProviderType = "proxmox"
	ProviderVSphere ProviderType = "vsphere"
	ProviderStatic  ProviderType = "static"
)

// Provider is a configured discovery source.
type Provider struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Type       ProviderType      `json:"type" yaml:"type"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	Username   string            `json:"username,omitempty" yaml:"username"`
	Secret     string            `json:"-" yaml:"secret"`
	Insecure   bool              `json:"insecure,omitempty" yaml:"insecure"`
	Options    map[string]string `json:"options,omitempty" yaml:"options"`
	LastSyncAt *time.Time        `json:"lastSyncAt,omitempty" yaml:"-"`
}

// ConnectionType is the protocol a saved connection opens.
type ConnectionType string

const (
	ConnSSH    ConnectionType = "ssh"
	ConnRDP    ConnectionType = "rdp"
	ConnSerial ConnectionType = "serial"
	ConnSFTP   ConnectionType = "sftp"
	ConnWinRM  ConnectionType = "winrm"
)

// ServerConnection is a saved host the fleet can run commands on.
type ServerConnection struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name"`
	Hostname       string            `json:"hostname" yaml:"hostname"`
	Port           int               `json:"port,omitempty" yaml:"port"`
	Type           ConnectionType    `json:"type" yaml:"type"`
	Username       string            `json:"username,omitempty" yaml:"username"`
	Domain         string            `json:"domain,omitempty" yaml:"domain"`
	OSType         OSType            `json:"osType" yaml:"osType"`
	CredentialID   string            `json:"credentialId,omitempty" yaml:"credentialId"`
	GroupID        string            `json:"groupId,omitempty" yaml:"groupId"`
	ProviderID     string            `json:"providerId,omitempty" yaml:"providerId"`
	ProviderHostID string            `json:"providerHostId,omitempty" yaml:"providerHostId"`
	Tags           map[string]string `json:"tags,omitempty" yaml:"tags"`
}

// CredentialType is how a credential authenticates.
type CredentialType string

const (
	CredPassword CredentialType = "password"
	CredKey      CredentialType = "key"
	CredAgent    CredentialType = "agent"
)

// Credential holds authentication material and optional auto-assignment rules.
type Credential struct {
	ID                 string         `json:"id" yaml:"id"`
	Name               string         `json:"name" yaml:"name"`
	Type               CredentialType `json:"type" yaml:"type"`
	Username           string         `json:"username,omitempty" yaml:"username"`
	Domain             string         `json:"domain,omitempty" yaml:"domain"`
	Password           string         `json:"password,omitempty" yaml:"password"`
	PrivateKey         string         `json:"privateKey,omitempty" yaml:"privateKey"`
	Passphrase         string         `json:"passphrase,omitempty" yaml:"passphrase"`
	AgentSocket        string         `json:"agentSocket,omitempty" yaml:"agentSocket"`
	AutoAssignPatterns []string       `json:"autoAssignPatterns,omitempty" yaml:"autoAssignPatterns"`
	AutoAssignOSTypes  []OSType       `json:"autoAssignOsTypes,omitempty" yaml:"autoAssignOsTypes"`
}

// Masked replaces secret values in API responses and logs.
const Masked = "********"

// Redacted returns a copy with secrets blanked.
func (c Credential) Redacted() Credential {
	if c.Password != "" {
		c.Password = Masked
	}
	if c.PrivateKey != "" {
		c.PrivateKey = Masked
	}
	if c.Passphrase != "" {
		c.Passphrase = Masked
	}
	return c
}

// RuleField is the connection attribute a group rule inspects.
type RuleField string

const (
	FieldHostname RuleField = "hostname"
	FieldName     RuleField = "name"
	FieldOS       RuleField = "os"
	FieldTag      RuleField = "tag"
	FieldProvider RuleField = "provider"
)

// RuleOperator is how a group rule compares.
type RuleOperator string

const (
	OpEquals   RuleOperator = "equals"
	OpContains RuleOperator = "contains"
	OpMatches  RuleOperator = "matches"
)

// GroupRule is one predicate of a dynamic group. Key names the tag for FieldTag.
type GroupRule struct {
	Field    RuleField    `json:"field" yaml:"field"`
	Operator RuleOperator `json:"operator" yaml:"operator"`
	Key      string       `json:"key,omitempty" yaml:"key"`
	Value    string       `json:"value" yaml:"value"`
}

// ConnectionGroup is a static or rule-based set of connections.
type ConnectionGroup struct {
	ID       string      `json:"id" yaml:"id"`
	Name     string      `json:"name" yaml:"name"`
	Dynamic  bool        `json:"dynamic" yaml:"dynamic"`
	MatchAll bool        `json:"matchAll" yaml:"matchAll"`
	Rules    []GroupRule `json:"rules,omitempty" yaml:"rules"`
}

// FilterType selects how targets are picked.
type FilterType string

const (
	FilterAll       FilterType = "all"
	FilterGroup     FilterType = "group"
	FilterPattern   FilterType = "pattern"
	FilterSelection FilterType = "selection"
	FilterOS        FilterType = "os"
)

// HostFilter describes which connections a command targets.
type HostFilter struct {
	Type          FilterType `json:"type"`
	GroupID       string     `json:"groupId,omitempty"`
	Pattern       string     `json:"pattern,omitempty"`
	ConnectionIDs []string   `json:"connectionIds,omitempty"`
	OSType        OSType     `json:"osType,omitempty"`
}

// SavedCommand is a reusable command with default variables.
type SavedCommand struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Command   string            `json:"command" yaml:"command"`
	TargetOS  TargetOS          `json:"targetOs" yaml:"targetOs"`
	Variables map[string]string `json:"variables,omitempty" yaml:"variables"`
	CreatedAt time.Time         `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time         `json:"updatedAt" yaml:"-"`
}
