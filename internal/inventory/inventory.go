// Package inventory loads seed files that populate a store with
// connections, credentials, groups, providers and saved commands.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"fleet-plex/internal/model"
)

// Inventory is the content of a seed file.
type Inventory struct {
	Credentials   []model.Credential       `yaml:"credentials" json:"credentials"`
	Groups        []model.ConnectionGroup  `yaml:"groups" json:"groups"`
	Providers     []model.Provider         `yaml:"providers" json:"providers"`
	Connections   []model.ServerConnection `yaml:"connections" json:"connections"`
	SavedCommands []model.SavedCommand     `yaml:"savedCommands" json:"savedCommands"`

	// Ansible names an Ansible inventory whose hosts are merged in. Relative
	// paths resolve against the seed file's directory.
	Ansible string `yaml:"ansible" json:"ansible"`
}

// Seeder is the slice of the store Seed writes to.
type Seeder interface {
	UpsertCredential(ctx context.Context, cred *model.Credential) error
	UpsertGroup(ctx context.Context, group *model.ConnectionGroup) error
	UpsertProvider(ctx context.Context, provider *model.Provider) error
	UpsertConnection(ctx context.Context, conn *model.ServerConnection) error
	UpsertSavedCommand(ctx context.Context, cmd *model.SavedCommand) error
}

// LoadFile reads a seed file. Files ending in .json are decoded as JSON,
// everything else as YAML. A file that looks like a bare Ansible inventory
// (a top-level "all" key) is converted directly.
func LoadFile(path string) (*Inventory, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}

	isJSON := strings.ToLower(filepath.Ext(path)) == ".json"
	if looksLikeAnsible(content, isJSON) {
		return NewAnsibleInventory(path).Load()
	}

	var inv Inventory
	if isJSON {
		err = json.Unmarshal(content, &inv)
	} else {
		err = yaml.Unmarshal(content, &inv)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory file: %w", err)
	}

	if inv.Ansible != "" {
		ansiblePath := inv.Ansible
		if !filepath.IsAbs(ansiblePath) {
			ansiblePath = filepath.Join(filepath.Dir(path), ansiblePath)
		}
		extra, err := NewAnsibleInventory(ansiblePath).Load()
		if err != nil {
			return nil, err
		}
		inv.Merge(extra)
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func looksLikeAnsible(content []byte, isJSON bool) bool {
	var top map[string]any
	var err error
	if isJSON {
		err = json.Unmarshal(content, &top)
	} else {
		err = yaml.Unmarshal(content, &top)
	}
	if err != nil {
		return false
	}
	_, ok := top["all"]
	return ok
}

// Merge appends other's records to inv.
func (inv *Inventory) Merge(other *Inventory) {
	inv.Credentials = append(inv.Credentials, other.Credentials...)
	inv.Groups = append(inv.Groups, other.Groups...)
	inv.Providers = append(inv.Providers, other.Providers...)
	inv.Connections = append(inv.Connections, other.Connections...)
	inv.SavedCommands = append(inv.SavedCommands, other.SavedCommands...)
}

// Validate checks references between records. Records without ids get one
// from the store when seeded, so only explicit ids can be referenced.
func (inv *Inventory) Validate() error {
	creds := make(map[string]bool)
	for _, c := range inv.Credentials {
		if c.ID != "" {
			creds[c.ID] = true
		}
	}
	groups := make(map[string]bool)
	for _, g := range inv.Groups {
		if g.ID != "" {
			groups[g.ID] = true
		}
	}

	for i, conn := range inv.Connections {
		if conn.Hostname == "" {
			return fmt.Errorf("connection %d (%s): hostname is required", i, conn.Name)
		}
		if conn.CredentialID != "" && !creds[conn.CredentialID] {
			return fmt.Errorf("connection %s: unknown credential %q", conn.Hostname, conn.CredentialID)
		}
		if conn.GroupID != "" && !groups[conn.GroupID] {
			return fmt.Errorf("connection %s: unknown group %q", conn.Hostname, conn.GroupID)
		}
	}
	for i, p := range inv.Providers {
		if p.Name == "" || p.Type == "" {
			return fmt.Errorf("provider %d: name and type are required", i)
		}
	}
	for i, c := range inv.SavedCommands {
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("saved command %d (%s): command is required", i, c.Name)
		}
	}
	return nil
}

// Seed writes every record to s, credentials and groups first so
// connections can reference them.
func (inv *Inventory) Seed(ctx context.Context, s Seeder) error {
	for i := range inv.Credentials {
		if err := s.UpsertCredential(ctx, &inv.Credentials[i]); err != nil {
			return fmt.Errorf("seed credential %s: %w", inv.Credentials[i].Name, err)
		}
	}
	for i := range inv.Groups {
		if err := s.UpsertGroup(ctx, &inv.Groups[i]); err != nil {
			return fmt.Errorf("seed group %s: %w", inv.Groups[i].Name, err)
		}
	}
	for i := range inv.Providers {
		if err := s.UpsertProvider(ctx, &inv.Providers[i]); err != nil {
			return fmt.Errorf("seed provider %s: %w", inv.Providers[i].Name, err)
		}
	}
	for i := range inv.Connections {
		conn := &inv.Connections[i]
		if conn.OSType == "" {
			conn.OSType = model.OSUnknown
		}
		if conn.Name == "" {
			conn.Name = conn.Hostname
		}
		if conn.Type == "" {
			conn.Type = model.ConnSSH
		}
		if err := s.UpsertConnection(ctx, conn); err != nil {
			return fmt.Errorf("seed connection %s: %w", conn.Name, err)
		}
	}
	for i := range inv.SavedCommands {
		if err := s.UpsertSavedCommand(ctx, &inv.SavedCommands[i]); err != nil {
			return fmt.Errorf("seed saved command %s: %w", inv.SavedCommands[i].Name, err)
		}
	}
	return nil
}
