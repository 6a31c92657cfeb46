// Package store persists connections, discovery state and executions.
package store

import (
	"context"
	"errors"
	"time"

	"fleet-plex/internal/model"
)

// ErrNotFound is returned by mutations that target a missing row.
// Reads of missing rows return (nil, nil).
var ErrNotFound = errors.New("not found")

// Store is the persistence contract shared by the memory and Postgres backends.
type Store interface {
	// --- Connections ---
	GetConnections(ctx context.Context) ([]model.ServerConnection, error)
	GetConnection(ctx context.Context, id string) (*model.ServerConnection, error)
	UpsertConnection(ctx context.Context, conn *model.ServerConnection) error
	DeleteConnection(ctx context.Context, id string) error

	// --- Credentials (returned in insertion order) ---
	GetCredentials(ctx context.Context) ([]model.Credential, error)
	GetCredential(ctx context.Context, id string) (*model.Credential, error)
	UpsertCredential(ctx context.Context, cred *model.Credential) error
	DeleteCredential(ctx context.Context, id string) error

	// --- Groups ---
	GetGroups(ctx context.Context) ([]model.ConnectionGroup, error)
	GetGroup(ctx context.Context, id string) (*model.ConnectionGroup, error)
	UpsertGroup(ctx context.Context, group *model.ConnectionGroup) error
	DeleteGroup(ctx context.Context, id string) error

	// --- Providers ---
	ListProviders(ctx context.Context) ([]model.Provider, error)
	GetProvider(ctx context.Context, id string) (*model.Provider, error)
	UpsertProvider(ctx context.Context, provider *model.Provider) error
	// DeleteProvider also removes the provider's discovered hosts.
	DeleteProvider(ctx context.Context, id string) error
	TouchProviderSync(ctx context.Context, id string, at time.Time) error

	// --- Discovered hosts ---
	GetDiscoveredHosts(ctx context.Context, providerID string) ([]model.DiscoveredHost, error)
	GetDiscoveredHost(ctx context.Context, id string) (*model.DiscoveredHost, error)
	// UpsertDiscoveredHost keys on (ProviderID, ProviderHostID). ID and
	// DiscoveredAt of an existing row are kept; every other field is replaced.
	UpsertDiscoveredHost(ctx context.Context, host *model.DiscoveredHost) error
	DeleteDiscoveredHost(ctx context.Context, id string) error
	MarkHostImported(ctx context.Context, id string, connectionID string) error

	// --- Executions ---
	CreateCommandExecution(ctx context.Context, exec *model.CommandExecution) error
	GetCommandExecution(ctx context.Context, id string) (*model.CommandExecution, error)
	ListCommandExecutions(ctx context.Context, limit int) ([]model.CommandExecution, error)
	UpdateCommandExecution(ctx context.Context, id string, patch model.ExecutionPatch) error
	// UpdateCommandResult replaces the slot whose ConnectionID matches result.
	UpdateCommandResult(ctx context.Context, id string, result model.CommandResult) error

	// --- Saved commands ---
	ListSavedCommands(ctx context.Context) ([]model.SavedCommand, error)
	GetSavedCommand(ctx context.Context, id string) (*model.SavedCommand, error)
	UpsertSavedCommand(ctx context.Context, cmd *model.SavedCommand) error
	DeleteSavedCommand(ctx context.Context, id string) error

	Close()
}
