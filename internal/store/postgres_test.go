package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FLEET_PLEX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FLEET_PLEX_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.pool.Exec(ctx, `DROP TABLE IF EXISTS command_results, command_executions, saved_commands,
		discovered_hosts, providers, connection_groups, credentials, connections`)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	exerciseStore(t, s)
}
