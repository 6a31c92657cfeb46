package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-plex/internal/config"
	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
	"fleet-plex/internal/output"
)

type stubTransport struct {
	exitCode int
}

func (s stubTransport) Run(ctx context.Context, conn model.ServerConnection, cred *model.Credential, command string, timeout time.Duration) model.CommandResult {
	now := time.Now()
	code := s.exitCode
	status := model.ResultSuccess
	if code != 0 {
		status = model.ResultError
	}
	return model.CommandResult{Status: status, ExitCode: &code, Stdout: "ran: " + command + "\n", StartedAt: &now, CompletedAt: &now}
}

func newTestApp(t *testing.T, exitCode int) *app {
	t.Helper()
	cfg = &config.Config{
		BatchSize:  2,
		CmdTimeout: time.Minute,
		Output:     "json",
		LogLevel:   "error",
		LogFormat:  "text",
		Store:      config.StoreConfig{Driver: "memory"},
		SSH:        config.SSHConfig{ConnectTimeout: time.Second},
		Windows:    config.WindowsConfig{Shell: "pwsh"},
	}
	tr := stubTransport{exitCode: exitCode}
	a, err := newApp(context.Background(), cfg, logging.Discard(), appOptions{unix: tr, windows: tr})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx := context.Background()
	require.NoError(t, a.store.UpsertCredential(ctx, &model.Credential{ID: "ops", Name: "ops", Type: model.CredAgent}))
	for _, c := range []model.ServerConnection{
		{ID: "web-01", Name: "web-01", Hostname: "10.0.0.1", OSType: model.OSLinux, Tags: map[string]string{"env": "prod"}, CredentialID: "ops"},
		{ID: "web-02", Name: "web-02", Hostname: "10.0.0.2", OSType: model.OSLinux, Tags: map[string]string{"env": "staging"}},
		{ID: "dc-01", Name: "dc-01", Hostname: "10.0.0.3", OSType: model.OSWindows, Type: model.ConnWinRM},
	} {
		conn := c
		require.NoError(t, a.store.UpsertConnection(ctx, &conn))
	}
	return a
}

func decodeLines(t *testing.T, r io.Reader) []output.JSONOutput {
	t.Helper()
	var out []output.JSONOutput
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var line output.JSONOutput
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		out = append(out, line)
	}
	return out
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"execution", &ExecutionError{Message: "x"}, 1},
		{"setup", &SetupError{Message: "x"}, 2},
		{"other", io.EOF, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getExitCode(tt.err))
		})
	}
}

func TestHostFilter(t *testing.T) {
	tests := []struct {
		name    string
		flags   execFlags
		adhoc   []string
		want    model.HostFilter
		wantErr bool
	}{
		{name: "default all", want: model.HostFilter{Type: model.FilterAll}},
		{name: "adhoc selection", adhoc: []string{"a"}, want: model.HostFilter{Type: model.FilterSelection, ConnectionIDs: []string{"a"}}},
		{name: "group", flags: execFlags{group: "web"}, want: model.HostFilter{Type: model.FilterGroup, GroupID: "web"}},
		{name: "os", flags: execFlags{osType: "windows"}, want: model.HostFilter{Type: model.FilterOS, OSType: model.OSWindows}},
		{name: "two selectors", flags: execFlags{all: true, pattern: "web-*"}, wantErr: true},
		{name: "blank pattern", flags: execFlags{pattern: "   "}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hostFilter(tt.flags, tt.adhoc)
			if tt.wantErr {
				var se *SetupError
				assert.ErrorAs(t, err, &se)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecuteCommandRunsEveryTarget(t *testing.T) {
	a := newTestApp(t, 0)
	var out bytes.Buffer

	err := executeCommand(context.Background(), a, execFlags{targetOS: "linux"}, "uptime", &out, io.Discard)
	require.NoError(t, err)

	lines := decodeLines(t, &out)
	require.Len(t, lines, 2)
	hosts := []string{lines[0].Host, lines[1].Host}
	assert.ElementsMatch(t, []string{"web-01", "web-02"}, hosts)
	for _, l := range lines {
		assert.Equal(t, "success", l.Status)
		assert.Equal(t, "ran: uptime\n", l.Stdout)
	}

	execs, err := a.commands.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.ExecCompleted, execs[0].Status)
}

func TestExecuteCommandFailureIsExecutionError(t *testing.T) {
	a := newTestApp(t, 3)
	var out, status bytes.Buffer

	err := executeCommand(context.Background(), a, execFlags{pattern: "web-*"}, "false", &out, &status)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, getExitCode(err))
	assert.Contains(t, ee.Message, "2/2 targets failed")
	assert.Contains(t, status.String(), "execution (2):")
	assert.Contains(t, status.String(), "web-01: exit code 3")
}

func TestExecuteCommandSetupErrors(t *testing.T) {
	tests := []struct {
		name   string
		flags  execFlags
		inline string
	}{
		{"no command", execFlags{}, ""},
		{"unknown saved", execFlags{saved: "nope"}, ""},
		{"bad var", execFlags{vars: []string{"novalue"}}, "echo"},
		{"unknown group", execFlags{group: "missing"}, "echo"},
		{"no matches", execFlags{pattern: "db-*"}, "echo"},
		{"bad filter", execFlags{filter: "color:red"}, "echo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApp(t, 0)
			err := executeCommand(context.Background(), a, tt.flags, tt.inline, io.Discard, io.Discard)
			assert.Equal(t, 2, getExitCode(err), "error: %v", err)
		})
	}
}

func TestExecuteCommandFilterNarrowsTargets(t *testing.T) {
	a := newTestApp(t, 0)
	var out bytes.Buffer

	err := executeCommand(context.Background(), a, execFlags{filter: "tag:env=prod"}, "hostname", &out, io.Discard)
	require.NoError(t, err)

	lines := decodeLines(t, &out)
	require.Len(t, lines, 1)
	assert.Equal(t, "web-01", lines[0].Host)
}

func TestExecuteCommandAdhocHosts(t *testing.T) {
	a := newTestApp(t, 0)
	var out bytes.Buffer

	err := executeCommand(context.Background(), a, execFlags{hosts: "root@10.9.0.1:2222,admin@10.9.0.2"}, "id", &out, io.Discard)
	require.NoError(t, err)

	lines := decodeLines(t, &out)
	require.Len(t, lines, 2)
	assert.ElementsMatch(t, []string{"10.9.0.1", "10.9.0.2"}, []string{lines[0].Host, lines[1].Host})
}

func TestDryRunShowsPlan(t *testing.T) {
	a := newTestApp(t, 0)
	var out bytes.Buffer

	f := execFlags{
		saved:   "service-check",
		vars:    []string{"service=nginx"},
		dryRun:  true,
		groupBy: "env",
	}
	require.NoError(t, executeCommand(context.Background(), a, f, "", &out, io.Discard))

	text := out.String()
	assert.Contains(t, text, "Command: systemctl is-active nginx && systemctl is-enabled nginx")
	assert.Contains(t, text, "Target OS: linux")
	assert.Contains(t, text, "Total Targets: 2")
	assert.Contains(t, text, "Execution Batches: 1")
	assert.Contains(t, text, "Credential: ops (agent)")
	assert.Contains(t, text, "prod: 1 hosts")
	assert.NotContains(t, text, "dc-01")
	assert.NotContains(t, text, "Warning")

	execs, err := a.commands.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestDryRunWarnsOnUnresolvedVariables(t *testing.T) {
	a := newTestApp(t, 0)
	var out bytes.Buffer

	require.NoError(t, executeCommand(context.Background(), a, execFlags{dryRun: true}, "tail {{logfile}}", &out, io.Discard))
	assert.Contains(t, out.String(), "Warning: unresolved variables left verbatim: logfile")
}

func TestSyncProvidersWithoutProviders(t *testing.T) {
	a := newTestApp(t, 0)
	err := syncProviders(context.Background(), a, nil, io.Discard)
	assert.Equal(t, 2, getExitCode(err))
}
