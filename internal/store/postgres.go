package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-plex/internal/model"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	hostname TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 0,
	type TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	os_type TEXT NOT NULL,
	credential_id TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	provider_id TEXT NOT NULL DEFAULT '',
	provider_host_id TEXT NOT NULL DEFAULT '',
	tags JSONB
);

CREATE TABLE IF NOT EXISTS credentials (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT '',
	private_key TEXT NOT NULL DEFAULT '',
	passphrase TEXT NOT NULL DEFAULT '',
	agent_socket TEXT NOT NULL DEFAULT '',
	auto_assign_patterns JSONB,
	auto_assign_os_types JSONB
);

CREATE TABLE IF NOT EXISTS connection_groups (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	dynamic BOOLEAN NOT NULL DEFAULT FALSE,
	match_all BOOLEAN NOT NULL DEFAULT FALSE,
	rules JSONB
);

CREATE TABLE IF NOT EXISTS providers (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	endpoint TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL DEFAULT '',
	insecure BOOLEAN NOT NULL DEFAULT FALSE,
	options JSONB,
	last_sync_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS discovered_hosts (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
	provider_host_id TEXT NOT NULL,
	name TEXT NOT NULL,
	hostname TEXT NOT NULL DEFAULT '',
	private_ip TEXT NOT NULL DEFAULT '',
	public_ip TEXT NOT NULL DEFAULT '',
	os_type TEXT NOT NULL,
	os_name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	metadata JSONB,
	tags JSONB,
	discovered_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	imported BOOLEAN NOT NULL DEFAULT FALSE,
	connection_id TEXT NOT NULL DEFAULT '',
	UNIQUE (provider_id, provider_host_id)
);

CREATE TABLE IF NOT EXISTS command_executions (
	id TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	target_os TEXT NOT NULL,
	connection_ids JSONB NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	saved_command_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS command_results (
	execution_id TEXT NOT NULL REFERENCES command_executions(id) ON DELETE CASCADE,
	slot INTEGER NOT NULL,
	connection_id TEXT NOT NULL,
	connection_name TEXT NOT NULL DEFAULT '',
	hostname TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	exit_code INTEGER,
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	PRIMARY KEY (execution_id, connection_id)
);

CREATE TABLE IF NOT EXISTS saved_commands (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	command TEXT NOT NULL,
	target_os TEXT NOT NULL,
	variables JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func notFound(tag pgconn.CommandTag, kind, id string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// --- Connections ---

const connectionColumns = `id, name, hostname, port, type, username, domain, os_type, credential_id, group_id, provider_id, provider_host_id, tags`

func scanConnection(row pgx.Row) (model.ServerConnection, error) {
	var c model.ServerConnection
	err := row.Scan(&c.ID, &c.Name, &c.Hostname, &c.Port, &c.Type, &c.Username, &c.Domain,
		&c.OSType, &c.CredentialID, &c.GroupID, &c.ProviderID, &c.ProviderHostID, &c.Tags)
	return c, err
}

func (s *PostgresStore) GetConnections(ctx context.Context) ([]model.ServerConnection, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []model.ServerConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*model.ServerConnection, error) {
	c, err := scanConnection(s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) UpsertConnection(ctx context.Context, conn *model.ServerConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	query := `
		INSERT INTO connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			hostname = EXCLUDED.hostname,
			port = EXCLUDED.port,
			type = EXCLUDED.type,
			username = EXCLUDED.username,
			domain = EXCLUDED.domain,
			os_type = EXCLUDED.os_type,
			credential_id = EXCLUDED.credential_id,
			group_id = EXCLUDED.group_id,
			provider_id = EXCLUDED.provider_id,
			provider_host_id = EXCLUDED.provider_host_id,
			tags = EXCLUDED.tags
	`
	_, err := s.pool.Exec(ctx, query,
		conn.ID, conn.Name, conn.Hostname, conn.Port, conn.Type, conn.Username, conn.Domain,
		conn.OSType, conn.CredentialID, conn.GroupID, conn.ProviderID, conn.ProviderHostID, conn.Tags,
	)
	return err
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return notFound(tag, "connection", id)
}

// --- Credentials ---

const credentialColumns = `id, name, type, username, domain, password, private_key, passphrase, agent_socket, auto_assign_patterns, auto_assign_os_types`

func scanCredential(row pgx.Row) (model.Credential, error) {
	var c model.Credential
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.Username, &c.Domain, &c.Password, &c.PrivateKey,
		&c.Passphrase, &c.AgentSocket, &c.AutoAssignPatterns, &c.AutoAssignOSTypes)
	return c, err
}

func (s *PostgresStore) GetCredentials(ctx context.Context) ([]model.Credential, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) UpsertCredential(ctx context.Context, cred *model.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	query := `
		INSERT INTO credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			username = EXCLUDED.username,
			domain = EXCLUDED.domain,
			password = EXCLUDED.password,
			private_key = EXCLUDED.private_key,
			passphrase = EXCLUDED.passphrase,
			agent_socket = EXCLUDED.agent_socket,
			auto_assign_patterns = EXCLUDED.auto_assign_patterns,
			auto_assign_os_types = EXCLUDED.auto_assign_os_types
	`
	_, err := s.pool.Exec(ctx, query,
		cred.ID, cred.Name, cred.Type, cred.Username, cred.Domain, cred.Password, cred.PrivateKey,
		cred.Passphrase, cred.AgentSocket, cred.AutoAssignPatterns, cred.AutoAssignOSTypes,
	)
	return err
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return notFound(tag, "credential", id)
}

// --- Groups ---

func scanGroup(row pgx.Row) (model.ConnectionGroup, error) {
	var g model.ConnectionGroup
	err := row.Scan(&g.ID, &g.Name, &g.Dynamic, &g.MatchAll, &g.Rules)
	return g, err
}

func (s *PostgresStore) GetGroups(ctx context.Context) ([]model.ConnectionGroup, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, dynamic, match_all, rules FROM connection_groups ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []model.ConnectionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*model.ConnectionGroup, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx, `SELECT id, name, dynamic, match_all, rules FROM connection_groups WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) UpsertGroup(ctx context.Context, group *model.ConnectionGroup) error {
	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	query := `
		INSERT INTO connection_groups (id, name, dynamic, match_all, rules)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			dynamic = EXCLUDED.dynamic,
			match_all = EXCLUDED.match_all,
			rules = EXCLUDED.rules
	`
	_, err := s.pool.Exec(ctx, query, group.ID, group.Name, group.Dynamic, group.MatchAll, group.Rules)
	return err
}

func (s *PostgresStore) DeleteGroup(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connection_groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return notFound(tag, "group", id)
}

// --- Providers ---

const providerColumns = `id, name, type, endpoint, username, secret, insecure, options, last_sync_at`

func scanProvider(row pgx.Row) (model.Provider, error) {
	var p model.Provider
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Endpoint, &p.Username, &p.Secret, &p.Insecure, &p.Options, &p.LastSyncAt)
	return p, err
}

func (s *PostgresStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	p, err := scanProvider(s.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpsertProvider(ctx context.Context, provider *model.Provider) error {
	if provider.ID == "" {
		provider.ID = uuid.New().String()
	}
	query := `
		INSERT INTO providers (` + providerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			endpoint = EXCLUDED.endpoint,
			username = EXCLUDED.username,
			secret = EXCLUDED.secret,
			insecure = EXCLUDED.insecure,
			options = EXCLUDED.options,
			last_sync_at = EXCLUDED.last_sync_at
	`
	_, err := s.pool.Exec(ctx, query,
		provider.ID, provider.Name, provider.Type, provider.Endpoint, provider.Username,
		provider.Secret, provider.Insecure, provider.Options, provider.LastSyncAt,
	)
	return err
}

// DeleteProvider relies on ON DELETE CASCADE to drop the provider's hosts.
func (s *PostgresStore) DeleteProvider(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return notFound(tag, "provider", id)
}

func (s *PostgresStore) TouchProviderSync(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE providers SET last_sync_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return notFound(tag, "provider", id)
}

// --- Discovered hosts ---

const hostColumns = `id, provider_id, provider_host_id, name, hostname, private_ip, public_ip, os_type, os_name, state, metadata, tags, discovered_at, last_seen_at, imported, connection_id`

func scanHost(row pgx.Row) (model.DiscoveredHost, error) {
	var h model.DiscoveredHost
	err := row.Scan(&h.ID, &h.ProviderID, &h.ProviderHostID, &h.Name, &h.Hostname, &h.PrivateIP, &h.PublicIP,
		&h.OSType, &h.OSName, &h.State, &h.Metadata, &h.Tags, &h.DiscoveredAt, &h.LastSeenAt, &h.Imported, &h.ConnectionID)
	return h, err
}

func (s *PostgresStore) GetDiscoveredHosts(ctx context.Context, providerID string) ([]model.DiscoveredHost, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hostColumns+` FROM discovered_hosts WHERE provider_id = $1 ORDER BY seq`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []model.DiscoveredHost
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func (s *PostgresStore) GetDiscoveredHost(ctx context.Context, id string) (*model.DiscoveredHost, error) {
	h, err := scanHost(s.pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM discovered_hosts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// UpsertDiscoveredHost inserts or refreshes a host keyed by provider and
// provider host id. An existing import link survives an upsert that does not
// set one.
func (s *PostgresStore) UpsertDiscoveredHost(ctx context.Context, host *model.DiscoveredHost) error {
	if host.ID == "" {
		host.ID = uuid.New().String()
	}
	if host.DiscoveredAt.IsZero() {
		host.DiscoveredAt = time.Now()
	}
	query := `
		INSERT INTO discovered_hosts (` + hostColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (provider_id, provider_host_id) DO UPDATE SET
			name = EXCLUDED.name,
			hostname = EXCLUDED.hostname,
			private_ip = EXCLUDED.private_ip,
			public_ip = EXCLUDED.public_ip,
			os_type = EXCLUDED.os_type,
			os_name = EXCLUDED.os_name,
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			tags = EXCLUDED.tags,
			last_seen_at = EXCLUDED.last_seen_at,
			imported = discovered_hosts.imported OR EXCLUDED.imported,
			connection_id = CASE WHEN EXCLUDED.connection_id <> '' THEN EXCLUDED.connection_id
				ELSE discovered_hosts.connection_id END
		RETURNING id, discovered_at, imported, connection_id
	`
	return s.pool.QueryRow(ctx, query,
		host.ID, host.ProviderID, host.ProviderHostID, host.Name, host.Hostname, host.PrivateIP, host.PublicIP,
		host.OSType, host.OSName, host.State, host.Metadata, host.Tags, host.DiscoveredAt, host.LastSeenAt,
		host.Imported, host.ConnectionID,
	).Scan(&host.ID, &host.DiscoveredAt, &host.Imported, &host.ConnectionID)
}

func (s *PostgresStore) DeleteDiscoveredHost(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM discovered_hosts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return notFound(tag, "discovered host", id)
}

func (s *PostgresStore) MarkHostImported(ctx context.Context, id string, connectionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE discovered_hosts SET imported = TRUE, connection_id = $2 WHERE id = $1`, id, connectionID)
	if err != nil {
		return err
	}
	return notFound(tag, "discovered host", id)
}

// --- Executions ---

const resultColumns = `connection_id, connection_name, hostname, status, exit_code, stdout, stderr, error, started_at, completed_at`

func (s *PostgresStore) CreateCommandExecution(ctx context.Context, exec *model.CommandExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO command_executions (id, command, target_os, connection_ids, status, started_at, completed_at, saved_command_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, exec.ID, exec.Command, exec.TargetOS, exec.ConnectionIDs, exec.Status, exec.StartedAt, exec.CompletedAt, exec.SavedCommandID)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, r := range exec.Results {
		batch.Queue(`
			INSERT INTO command_results (execution_id, slot, `+resultColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, exec.ID, i, r.ConnectionID, r.ConnectionName, r.Hostname, r.Status, r.ExitCode,
			r.Stdout, r.Stderr, r.Error, r.StartedAt, r.CompletedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetCommandExecution(ctx context.Context, id string) (*model.CommandExecution, error) {
	var e model.CommandExecution
	err := s.pool.QueryRow(ctx, `
		SELECT id, command, target_os, connection_ids, status, started_at, completed_at, saved_command_id
		FROM command_executions WHERE id = $1
	`, id).Scan(&e.ID, &e.Command, &e.TargetOS, &e.ConnectionIDs, &e.Status, &e.StartedAt, &e.CompletedAt, &e.SavedCommandID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	results, err := s.loadResults(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Results = results
	return &e, nil
}

func (s *PostgresStore) loadResults(ctx context.Context, executionID string) ([]model.CommandResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resultColumns+` FROM command_results WHERE execution_id = $1 ORDER BY slot`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.CommandResult
	for rows.Next() {
		var r model.CommandResult
		if err := rows.Scan(&r.ConnectionID, &r.ConnectionName, &r.Hostname, &r.Status, &r.ExitCode,
			&r.Stdout, &r.Stderr, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ListCommandExecutions returns the newest executions first.
func (s *PostgresStore) ListCommandExecutions(ctx context.Context, limit int) ([]model.CommandExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, target_os, connection_ids, status, started_at, completed_at, saved_command_id
		FROM command_executions ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}

	var execs []model.CommandExecution
	for rows.Next() {
		var e model.CommandExecution
		if err := rows.Scan(&e.ID, &e.Command, &e.TargetOS, &e.ConnectionIDs, &e.Status,
			&e.StartedAt, &e.CompletedAt, &e.SavedCommandID); err != nil {
			rows.Close()
			return nil, err
		}
		execs = append(execs, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range execs {
		results, err := s.loadResults(ctx, execs[i].ID)
		if err != nil {
			return nil, err
		}
		execs[i].Results = results
	}
	return execs, nil
}

func (s *PostgresStore) UpdateCommandExecution(ctx context.Context, id string, patch model.ExecutionPatch) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE command_executions SET
			status = COALESCE($2, status),
			completed_at = COALESCE($3, completed_at)
		WHERE id = $1
	`, id, patch.Status, patch.CompletedAt)
	if err != nil {
		return err
	}
	return notFound(tag, "execution", id)
}

func (s *PostgresStore) UpdateCommandResult(ctx context.Context, id string, result model.CommandResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE command_results SET
			connection_name = $3,
			hostname = $4,
			status = $5,
			exit_code = $6,
			stdout = $7,
			stderr = $8,
			error = $9,
			started_at = $10,
			completed_at = $11
		WHERE execution_id = $1 AND connection_id = $2
	`, id, result.ConnectionID, result.ConnectionName, result.Hostname, result.Status, result.ExitCode,
		result.Stdout, result.Stderr, result.Error, result.StartedAt, result.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s has no slot for connection %s: %w", id, result.ConnectionID, ErrNotFound)
	}
	return nil
}

// --- Saved commands ---

const savedColumns = `id, name, command, target_os, variables, created_at, updated_at`

func scanSaved(row pgx.Row) (model.SavedCommand, error) {
	var c model.SavedCommand
	err := row.Scan(&c.ID, &c.Name, &c.Command, &c.TargetOS, &c.Variables, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) ListSavedCommands(ctx context.Context) ([]model.SavedCommand, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+savedColumns+` FROM saved_commands ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []model.SavedCommand
	for rows.Next() {
		c, err := scanSaved(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) GetSavedCommand(ctx context.Context, id string) (*model.SavedCommand, error) {
	c, err := scanSaved(s.pool.QueryRow(ctx, `SELECT `+savedColumns+` FROM saved_commands WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) UpsertSavedCommand(ctx context.Context, cmd *model.SavedCommand) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	now := time.Now()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	query := `
		INSERT INTO saved_commands (` + savedColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			command = EXCLUDED.command,
			target_os = EXCLUDED.target_os,
			variables = EXCLUDED.variables,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`
	return s.pool.QueryRow(ctx, query,
		cmd.ID, cmd.Name, cmd.Command, cmd.TargetOS, cmd.Variables, cmd.CreatedAt, cmd.UpdatedAt,
	).Scan(&cmd.CreatedAt)
}

func (s *PostgresStore) DeleteSavedCommand(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM saved_commands WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return notFound(tag, "saved command", id)
}
