package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-plex/internal/model"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("credentials keep insertion order", func(t *testing.T) {
		names := []string{"zeta", "alpha", "mid"}
		for _, n := range names {
			require.NoError(t, s.UpsertCredential(ctx, &model.Credential{Name: n, Type: model.CredPassword}))
		}
		creds, err := s.GetCredentials(ctx)
		require.NoError(t, err)
		var got []string
		for _, c := range creds {
			got = append(got, c.Name)
		}
		assert.Equal(t, names, got[len(got)-3:])
	})

	t.Run("missing reads return nil", func(t *testing.T) {
		c, err := s.GetConnection(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, c)

		err = s.DeleteConnection(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("connection round trip", func(t *testing.T) {
		conn := &model.ServerConnection{
			Name: "web-1", Hostname: "web-1.example.com", Port: 22, Type: model.ConnSSH,
			OSType: model.OSLinux, Tags: map[string]string{"env": "prod"},
		}
		require.NoError(t, s.UpsertConnection(ctx, conn))
		require.NotEmpty(t, conn.ID)

		got, err := s.GetConnection(ctx, conn.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "prod", got.Tags["env"])

		conn.Hostname = "10.0.0.5"
		require.NoError(t, s.UpsertConnection(ctx, conn))
		got, err = s.GetConnection(ctx, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.5", got.Hostname)

		require.NoError(t, s.DeleteConnection(ctx, conn.ID))
	})

	t.Run("discovered host upsert keeps identity", func(t *testing.T) {
		p := &model.Provider{Name: "pve", Type: model.ProviderProxmox}
		require.NoError(t, s.UpsertProvider(ctx, p))

		first := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
		h := &model.DiscoveredHost{
			ProviderID: p.ID, ProviderHostID: "qemu/100", Name: "vm100",
			OSType: model.OSLinux, State: model.StateRunning,
			DiscoveredAt: first, LastSeenAt: first,
		}
		require.NoError(t, s.UpsertDiscoveredHost(ctx, h))
		id := h.ID

		again := &model.DiscoveredHost{
			ProviderID: p.ID, ProviderHostID: "qemu/100", Name: "vm100-renamed",
			OSType: model.OSLinux, State: model.StateStopped,
			DiscoveredAt: time.Now(), LastSeenAt: time.Now(),
		}
		require.NoError(t, s.UpsertDiscoveredHost(ctx, again))
		assert.Equal(t, id, again.ID)
		assert.True(t, first.Equal(again.DiscoveredAt))

		hosts, err := s.GetDiscoveredHosts(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, hosts, 1)
		assert.Equal(t, "vm100-renamed", hosts[0].Name)
		assert.Equal(t, model.StateStopped, hosts[0].State)

		require.NoError(t, s.MarkHostImported(ctx, id, "conn-1"))
		got, err := s.GetDiscoveredHost(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Imported)
		assert.Equal(t, "conn-1", got.ConnectionID)

		// A refresh carrying no link must not clear the one already stored.
		refresh := &model.DiscoveredHost{
			ProviderID: p.ID, ProviderHostID: "qemu/100", Name: "vm100-renamed",
			OSType: model.OSLinux, State: model.StateRunning,
			DiscoveredAt: time.Now(), LastSeenAt: time.Now(),
		}
		require.NoError(t, s.UpsertDiscoveredHost(ctx, refresh))
		assert.True(t, refresh.Imported)
		assert.Equal(t, "conn-1", refresh.ConnectionID)
		got, err = s.GetDiscoveredHost(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Imported)
		assert.Equal(t, "conn-1", got.ConnectionID)
		assert.Equal(t, model.StateRunning, got.State)

		require.NoError(t, s.DeleteProvider(ctx, p.ID))
		hosts, err = s.GetDiscoveredHosts(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, hosts)
	})

	t.Run("execution slots", func(t *testing.T) {
		exec := &model.CommandExecution{
			Command:       "uptime",
			TargetOS:      model.TargetAll,
			ConnectionIDs: []string{"a", "b"},
			Results: []model.CommandResult{
				{ConnectionID: "a", ConnectionName: "A", Status: model.ResultPending},
				{ConnectionID: "b", ConnectionName: "B", Status: model.ResultPending},
			},
			Status:    model.ExecRunning,
			StartedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, s.CreateCommandExecution(ctx, exec))

		code := 0
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.UpdateCommandResult(ctx, exec.ID, model.CommandResult{
			ConnectionID: "b", ConnectionName: "B", Status: model.ResultSuccess,
			ExitCode: &code, Stdout: "up 3 days", StartedAt: &now, CompletedAt: &now,
		}))

		err := s.UpdateCommandResult(ctx, exec.ID, model.CommandResult{ConnectionID: "zzz"})
		assert.True(t, errors.Is(err, ErrNotFound))

		status := model.ExecCompleted
		require.NoError(t, s.UpdateCommandExecution(ctx, exec.ID, model.ExecutionPatch{Status: &status, CompletedAt: &now}))

		got, err := s.GetCommandExecution(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, got.Results, 2)
		assert.Equal(t, "a", got.Results[0].ConnectionID)
		assert.Equal(t, model.ResultPending, got.Results[0].Status)
		assert.Equal(t, model.ResultSuccess, got.Results[1].Status)
		require.NotNil(t, got.Results[1].ExitCode)
		assert.Equal(t, 0, *got.Results[1].ExitCode)
		assert.Equal(t, model.ExecCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("saved command keeps creation time", func(t *testing.T) {
		cmd := &model.SavedCommand{Name: "disk", Command: "df -h {{path}}", TargetOS: model.TargetLinux}
		require.NoError(t, s.UpsertSavedCommand(ctx, cmd))
		created := cmd.CreatedAt

		cmd.Command = "df -h"
		require.NoError(t, s.UpsertSavedCommand(ctx, cmd))
		got, err := s.GetSavedCommand(ctx, cmd.ID)
		require.NoError(t, err)
		assert.Equal(t, "df -h", got.Command)
		assert.True(t, created.Equal(got.CreatedAt) || created.Sub(got.CreatedAt) < time.Millisecond)
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	conn := &model.ServerConnection{ID: "c1", Name: "db", Tags: map[string]string{"role": "db"}}
	require.NoError(t, s.UpsertConnection(ctx, conn))

	conn.Tags["role"] = "mutated"
	got, err := s.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "db", got.Tags["role"])

	got.Tags["role"] = "again"
	again, err := s.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "db", again.Tags["role"])
}

func TestMemoryStoreListExecutionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()
	for i, id := range []string{"old", "new", "mid"} {
		offset := []time.Duration{0, 2 * time.Minute, time.Minute}[i]
		require.NoError(t, s.CreateCommandExecution(ctx, &model.CommandExecution{ID: id, StartedAt: base.Add(offset)}))
	}

	execs, err := s.ListCommandExecutions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "new", execs[0].ID)
	assert.Equal(t, "mid", execs[1].ID)

	err = s.CreateCommandExecution(ctx, &model.CommandExecution{ID: "old"})
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "fleet-plex:sync:prov-1", Key(ResourceProviderSync, "prov-1"))
	assert.Equal(t, "fleet-plex:events:executions", Channel(ResourceExecution))
}
