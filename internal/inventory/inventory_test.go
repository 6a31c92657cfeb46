package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-plex/internal/model"
	"fleet-plex/internal/store"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const ansibleYAML = `
all:
  vars:
    env: prod
  hosts:
    bastion:
      ansible_host: 10.0.0.1
  children:
    web:
      vars:
        ansible_user: deploy
        tier: frontend
      hosts:
        web-01:
          ansible_host: 10.0.1.1
          ansible_ssh_private_key_file: ~/.ssh/deploy
        web-02:
    windows:
      vars:
        ansible_connection: winrm
      hosts:
        dc-01:
          ansible_user: Administrator
          ansible_password: s3cret
`

func TestAnsibleInventoryLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hosts.yaml", ansibleYAML)

	inv, err := NewAnsibleInventory(path).Load()
	require.NoError(t, err)

	byName := make(map[string]model.ServerConnection)
	for _, c := range inv.Connections {
		byName[c.Name] = c
	}
	require.Len(t, byName, 4)

	bastion := byName["bastion"]
	assert.Equal(t, "10.0.0.1", bastion.Hostname)
	assert.Empty(t, bastion.GroupID)
	assert.Equal(t, "prod", bastion.Tags["env"])

	web1 := byName["web-01"]
	assert.Equal(t, "10.0.1.1", web1.Hostname)
	assert.Equal(t, "deploy", web1.Username)
	assert.Equal(t, "ansible:web", web1.GroupID)
	assert.Equal(t, "frontend", web1.Tags["tier"])
	assert.Equal(t, "prod", web1.Tags["env"])
	assert.Equal(t, model.OSLinux, web1.OSType)
	assert.Equal(t, "ansible:web-01", web1.CredentialID)
	assert.NotContains(t, web1.Tags, "ansible_user")

	web2 := byName["web-02"]
	assert.Equal(t, "web-02", web2.Hostname, "null host entries fall back to the inventory name")
	assert.Empty(t, web2.CredentialID)

	dc := byName["dc-01"]
	assert.Equal(t, model.ConnWinRM, dc.Type)
	assert.Equal(t, model.OSWindows, dc.OSType)
	assert.Equal(t, 5985, dc.Port)

	var groups []string
	for _, g := range inv.Groups {
		groups = append(groups, g.ID)
	}
	assert.Equal(t, []string{"ansible:web", "ansible:windows"}, groups)

	creds := make(map[string]model.Credential)
	for _, c := range inv.Credentials {
		creds[c.ID] = c
	}
	assert.Equal(t, model.CredKey, creds["ansible:web-01"].Type)
	assert.Equal(t, "~/.ssh/deploy", creds["ansible:web-01"].PrivateKey)
	assert.Equal(t, model.CredPassword, creds["ansible:dc-01"].Type)
	assert.Equal(t, "s3cret", creds["ansible:dc-01"].Password)

	require.NoError(t, inv.Validate())
}

func TestLoadFileSeedsStore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ansible.yaml", ansibleYAML)
	path := writeFile(t, dir, "fleet.yaml", `
credentials:
  - id: ops
    name: ops
    type: agent
    autoAssignOsTypes: [linux]
groups:
  - id: db
    name: databases
connections:
  - id: db-01
    hostname: db-01.internal
    osType: linux
    groupId: db
providers:
  - name: lab
    type: static
    endpoint: lab-hosts.yaml
savedCommands:
  - id: disk
    name: Disk usage
    command: df -h {{path}}
    targetOs: linux
    variables:
      path: /
ansible: ansible.yaml
`)

	inv, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, inv.Connections, 5)

	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, inv.Seed(ctx, s))

	conns, err := s.GetConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, conns, 5)
	assert.Equal(t, "db-01", conns[0].ID)
	assert.Equal(t, "db-01.internal", conns[0].Name)
	assert.Equal(t, model.ConnSSH, conns[0].Type)

	creds, err := s.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ops", creds[0].ID, "seed-file credentials keep their order ahead of converted ones")

	saved, err := s.GetSavedCommand(ctx, "disk")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "/", saved.Variables["path"])

	providers, err := s.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.NotEmpty(t, providers[0].ID)
}

func TestLoadFileBareAnsible(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hosts.yml", ansibleYAML)
	inv, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, inv.Connections, 4)
}

func TestLoadFileValidation(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"missing hostname", "connections:\n  - name: x\n"},
		{"unknown credential", "connections:\n  - hostname: x\n    credentialId: nope\n"},
		{"unknown group", "connections:\n  - hostname: x\n    groupId: nope\n"},
		{"empty saved command", "savedCommands:\n  - name: x\n    command: ' '\n"},
		{"provider without type", "providers:\n  - name: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, dir, "seed.yaml", tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFileJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fleet.json", `{"connections":[{"id":"a","hostname":"a.example.com","osType":"windows"}]}`)
	inv, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, inv.Connections, 1)
	assert.Equal(t, model.OSWindows, inv.Connections[0].OSType)
}
