package command

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-plex/internal/executor"
	"fleet-plex/internal/model"
	"fleet-plex/internal/store"
	"fleet-plex/internal/target"
)

// scriptedTransport answers from a function and can hold hosts until released.
type scriptedTransport struct {
	mu       sync.Mutex
	commands map[string]string
	started  chan string
	release  chan struct{}
	exitCode func(conn model.ServerConnection) int
}

func (t *scriptedTransport) Run(ctx context.Context, conn model.ServerConnection, cred *model.Credential, command string, timeout time.Duration) model.CommandResult {
	t.mu.Lock()
	if t.commands == nil {
		t.commands = make(map[string]string)
	}
	t.commands[conn.ID] = command
	t.mu.Unlock()

	if t.started != nil {
		t.started <- conn.ID
	}
	if t.release != nil {
		<-t.release
	}

	start := time.Now()
	code := 0
	if t.exitCode != nil {
		code = t.exitCode(conn)
	}
	status := model.ResultSuccess
	if code != 0 {
		status = model.ResultError
	}
	end := time.Now()
	return model.CommandResult{Status: status, ExitCode: &code, Stdout: "ok", StartedAt: &start, CompletedAt: &end}
}

func (t *scriptedTransport) command(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commands[id]
}

func seed(t *testing.T, s *store.MemoryStore, conns ...model.ServerConnection) {
	t.Helper()
	for i := range conns {
		require.NoError(t, s.UpsertConnection(context.Background(), &conns[i]))
	}
}

func linux(id string) model.ServerConnection {
	return model.ServerConnection{ID: id, Name: id, Hostname: id + ".example.com", Type: model.ConnSSH, OSType: model.OSLinux}
}

func windows(id string) model.ServerConnection {
	return model.ServerConnection{ID: id, Name: id, Hostname: id + ".corp.local", Type: model.ConnWinRM, OSType: model.OSWindows}
}

func newService(t *testing.T, batch int, unix, win executor.Transport) (*Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	d := executor.NewDispatcher(executor.ExecutorConfig{BatchSize: batch}, unix, win, nil, nil)
	return NewService(s, d, nil), s
}

func waitFor(t *testing.T, svc *Service, id string) *model.CommandExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func TestExecuteCompletes(t *testing.T) {
	tr := &scriptedTransport{}
	svc, s := newService(t, 2, tr, tr)
	seed(t, s, linux("a"), linux("b"), windows("c"))

	acc, err := svc.Execute(context.Background(), Request{
		Command:   "systemctl restart {{svc}}",
		Filter:    model.HostFilter{Type: model.FilterAll},
		Variables: map[string]string{"svc": "nginx"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, acc.TargetCount)

	exec := waitFor(t, svc, acc.ExecutionID)
	assert.Equal(t, model.ExecCompleted, exec.Status)
	assert.NotNil(t, exec.CompletedAt)
	assert.Equal(t, "systemctl restart nginx", exec.Command)
	require.Len(t, exec.Results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, exec.ConnectionIDs)
	for i, r := range exec.Results {
		assert.Equal(t, exec.ConnectionIDs[i], r.ConnectionID)
		assert.Equal(t, model.ResultSuccess, r.Status)
	}
	assert.Equal(t, "systemctl restart nginx", tr.command("a"))
}

func TestExecuteRollsUpFailure(t *testing.T) {
	tr := &scriptedTransport{exitCode: func(conn model.ServerConnection) int {
		if conn.ID == "b" {
			return 2
		}
		return 0
	}}
	svc, s := newService(t, 10, tr, tr)
	seed(t, s, linux("a"), linux("b"))

	acc, err := svc.Execute(context.Background(), Request{Command: "false", Filter: model.HostFilter{Type: model.FilterAll}})
	require.NoError(t, err)

	exec := waitFor(t, svc, acc.ExecutionID)
	assert.Equal(t, model.ExecFailed, exec.Status)
	assert.Equal(t, model.ResultSuccess, exec.Results[0].Status)
	assert.Equal(t, model.ResultError, exec.Results[1].Status)
	require.NotNil(t, exec.Results[1].ExitCode)
	assert.Equal(t, 2, *exec.Results[1].ExitCode)
}

func TestExecuteTargetOSNarrowsTargets(t *testing.T) {
	tr := &scriptedTransport{}
	svc, s := newService(t, 10, tr, tr)
	seed(t, s, windows("w1"), linux("l1"), windows("w2"))

	acc, err := svc.Execute(context.Background(), Request{
		Command:  "Get-Date",
		TargetOS: model.TargetWindows,
		Filter:   model.HostFilter{Type: model.FilterAll},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, acc.TargetCount)

	exec := waitFor(t, svc, acc.ExecutionID)
	assert.Equal(t, []string{"w1", "w2"}, exec.ConnectionIDs)
}

func TestExecuteValidation(t *testing.T) {
	svc, s := newService(t, 10, &scriptedTransport{}, &scriptedTransport{})
	seed(t, s, linux("a"))
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty command", Request{Command: "   ", Filter: model.HostFilter{Type: model.FilterAll}}, ErrEmptyCommand},
		{"bad target os", Request{Command: "id", TargetOS: "solaris", Filter: model.HostFilter{Type: model.FilterAll}}, ErrInvalidTargetOS},
		{"unknown selection", Request{Command: "id", Filter: model.HostFilter{Type: model.FilterSelection, ConnectionIDs: []string{"x", "y"}}}, ErrNoTargets},
		{"no windows hosts", Request{Command: "id", TargetOS: model.TargetWindows, Filter: model.HostFilter{Type: model.FilterAll}}, ErrNoTargets},
		{"missing group", Request{Command: "id", Filter: model.HostFilter{Type: model.FilterGroup, GroupID: "nope"}}, target.ErrGroupNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Execute(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	execs, err := svc.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, execs, "rejected requests are not recorded")
}

func TestExecuteDynamicGroup(t *testing.T) {
	tr := &scriptedTransport{}
	svc, s := newService(t, 10, tr, tr)
	web := linux("web-1")
	web.Tags = map[string]string{"role": "web"}
	seed(t, s, web, linux("db-1"))
	require.NoError(t, s.UpsertGroup(context.Background(), &model.ConnectionGroup{
		ID: "g1", Name: "web", Dynamic: true,
		Rules: []model.GroupRule{{Field: model.FieldTag, Operator: model.OpEquals, Key: "role", Value: "web"}},
	}))

	acc, err := svc.Execute(context.Background(), Request{Command: "uptime", Filter: model.HostFilter{Type: model.FilterGroup, GroupID: "g1"}})
	require.NoError(t, err)
	exec := waitFor(t, svc, acc.ExecutionID)
	assert.Equal(t, []string{"web-1"}, exec.ConnectionIDs)
}

func TestCancelSkipsLaterBatches(t *testing.T) {
	tr := &scriptedTransport{started: make(chan string, 4), release: make(chan struct{})}
	svc, s := newService(t, 2, tr, tr)
	seed(t, s, linux("a"), linux("b"), linux("c"), linux("d"))
	ctx := context.Background()

	acc, err := svc.Execute(ctx, Request{Command: "sleep 1", Filter: model.HostFilter{Type: model.FilterAll}})
	require.NoError(t, err)

	<-tr.started
	<-tr.started

	ok, err := svc.Cancel(ctx, acc.ExecutionID)
	require.NoError(t, err)
	assert.True(t, ok)
	close(tr.release)

	exec := waitFor(t, svc, acc.ExecutionID)
	assert.Equal(t, model.ExecCancelled, exec.Status)
	assert.Equal(t, model.ResultSuccess, exec.Results[0].Status)
	assert.Equal(t, model.ResultSuccess, exec.Results[1].Status)
	for _, r := range exec.Results[2:] {
		assert.Equal(t, model.ResultSkipped, r.Status)
		assert.Equal(t, executor.CancelledReason, r.Error)
	}

	ok, err = svc.Cancel(ctx, acc.ExecutionID)
	require.NoError(t, err)
	assert.False(t, ok, "finished executions cannot be cancelled")

	_, err = svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestRunSavedPredefined(t *testing.T) {
	tr := &scriptedTransport{}
	svc, s := newService(t, 10, tr, tr)
	seed(t, s, linux("a"), windows("w"))

	acc, err := svc.RunSaved(context.Background(), "service-check", model.HostFilter{Type: model.FilterAll}, map[string]string{"service": "nginx"})
	require.NoError(t, err)
	assert.Equal(t, 1, acc.TargetCount, "predefined command targets linux only")

	exec := waitFor(t, svc, acc.ExecutionID)
	assert.Equal(t, "service-check", exec.SavedCommandID)
	assert.True(t, strings.HasPrefix(tr.command("a"), "systemctl is-active nginx"))

	_, err = svc.RunSaved(context.Background(), "nope", model.HostFilter{Type: model.FilterAll}, nil)
	assert.ErrorIs(t, err, ErrSavedCommandNotFound)
}

func TestRunSavedStored(t *testing.T) {
	tr := &scriptedTransport{}
	svc, s := newService(t, 10, tr, tr)
	seed(t, s, linux("a"))
	saved := &model.SavedCommand{ID: "disk", Name: "disk", Command: "df -h {{path}}", TargetOS: model.TargetAll, Variables: map[string]string{"path": "/"}}
	require.NoError(t, s.UpsertSavedCommand(context.Background(), saved))

	acc, err := svc.RunSaved(context.Background(), "disk", model.HostFilter{Type: model.FilterAll}, nil)
	require.NoError(t, err)
	waitFor(t, svc, acc.ExecutionID)
	assert.Equal(t, "df -h /", tr.command("a"))
}

func TestPlanDoesNotDispatch(t *testing.T) {
	tr := &scriptedTransport{}
	svc, s := newService(t, 2, tr, tr)
	seed(t, s, linux("a"), linux("b"), linux("c"))

	plan, err := svc.Plan(context.Background(), Request{Command: "echo {{x}}", Filter: model.HostFilter{Type: model.FilterPattern, Pattern: "*.example.com"}, Variables: map[string]string{"x": "hi"}})
	require.NoError(t, err)
	assert.Len(t, plan.Targets, 3)
	assert.Equal(t, 2, plan.Batches)
	assert.Equal(t, "echo hi", plan.Command)
	assert.Empty(t, tr.command("a"))
}

func TestAddListenerReceivesEvents(t *testing.T) {
	tr := &scriptedTransport{}
	svc, s := newService(t, 10, tr, tr)
	seed(t, s, linux("a"), linux("b"))

	var mu sync.Mutex
	var progress []string
	completed := make(chan executor.Summary, 1)
	svc.AddListener(executor.ListenerFuncs{
		Progress: func(executionID, connectionID string, result model.CommandResult) {
			mu.Lock()
			defer mu.Unlock()
			progress = append(progress, connectionID)
		},
		Complete: func(executionID string, summary executor.Summary) { completed <- summary },
	})

	acc, err := svc.Execute(context.Background(), Request{Command: "id", Filter: model.HostFilter{Type: model.FilterAll}})
	require.NoError(t, err)

	select {
	case summary := <-completed:
		assert.Equal(t, 2, summary.Counts[model.ResultSuccess])
	case <-time.After(5 * time.Second):
		t.Fatal("listener never completed")
	}
	waitFor(t, svc, acc.ExecutionID)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, progress)
}
