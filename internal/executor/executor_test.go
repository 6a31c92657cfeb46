package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-plex/internal/model"
)

type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	creds     map[string]string
	active    int32
	maxActive int32
	delay     time.Duration
	onRun     func(conn model.ServerConnection)
	result    func(conn model.ServerConnection) model.CommandResult
}

func (f *fakeTransport) Run(ctx context.Context, conn model.ServerConnection, cred *model.Credential, command string, timeout time.Duration) model.CommandResult {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxActive, m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, conn.ID)
	if f.creds == nil {
		f.creds = make(map[string]string)
	}
	if cred != nil {
		f.creds[conn.ID] = cred.ID
	}
	f.mu.Unlock()

	if f.onRun != nil {
		f.onRun(conn)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.result != nil {
		return f.result(conn)
	}
	now := time.Now()
	code := 0
	return model.CommandResult{Status: model.ResultSuccess, ExitCode: &code, Stdout: command, StartedAt: &now, CompletedAt: &now}
}

func (f *fakeTransport) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recorder struct {
	mu        sync.Mutex
	started   []string
	results   map[string][]model.CommandResult
	order     []string
	completes int
	summary   Summary
	done      chan struct{}
	inCall    int32
	overlaps  int32
}

func newRecorder() *recorder {
	return &recorder{results: make(map[string][]model.CommandResult), done: make(chan struct{})}
}

func (r *recorder) enter() {
	if atomic.AddInt32(&r.inCall, 1) > 1 {
		atomic.AddInt32(&r.overlaps, 1)
	}
}

func (r *recorder) leave() { atomic.AddInt32(&r.inCall, -1) }

func (r *recorder) OnHostStart(_ string, conn model.ServerConnection) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, conn.ID)
}

func (r *recorder) OnProgress(_, connectionID string, result model.CommandResult) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[connectionID] = append(r.results[connectionID], result)
	r.order = append(r.order, connectionID)
}

func (r *recorder) OnComplete(_ string, summary Summary) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	r.completes++
	r.summary = summary
	r.mu.Unlock()
	close(r.done)
}

func hosts(n int, os model.OSType) []model.ServerConnection {
	out := make([]model.ServerConnection, n)
	for i := range out {
		out[i] = model.ServerConnection{ID: fmt.Sprintf("h%02d", i), Name: fmt.Sprintf("host-%02d", i), Hostname: fmt.Sprintf("10.0.0.%d", i+1), OSType: os}
	}
	return out
}

type credFunc func(ctx context.Context, conn model.ServerConnection) (*model.Credential, error)

func (f credFunc) Resolve(ctx context.Context, conn model.ServerConnection) (*model.Credential, error) {
	return f(ctx, conn)
}

func TestDispatchAllHostsExactlyOnce(t *testing.T) {
	unix := &fakeTransport{delay: 5 * time.Millisecond}
	d := NewDispatcher(ExecutorConfig{BatchSize: 3}, unix, &fakeTransport{}, nil, nil)
	rec := newRecorder()

	targets := hosts(10, model.OSLinux)
	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "e1", Command: "uptime", TargetOS: model.TargetAll, Targets: targets}, rec))

	assert.Equal(t, 1, rec.completes)
	assert.Len(t, rec.results, 10)
	for _, h := range targets {
		require.Len(t, rec.results[h.ID], 1, h.ID)
		r := rec.results[h.ID][0]
		assert.Equal(t, model.ResultSuccess, r.Status)
		assert.Equal(t, h.Hostname, r.Hostname)
		assert.Equal(t, h.Name, r.ConnectionName)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&unix.maxActive), int32(3))
	assert.Equal(t, 10, rec.summary.Counts[model.ResultSuccess])
	assert.False(t, rec.summary.Cancelled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&rec.overlaps))
	assert.Len(t, rec.started, 10)
	assert.False(t, d.Registry().IsActive("e1"))
}

func TestDispatchBatchesAreSequential(t *testing.T) {
	var mu sync.Mutex
	var finished []string
	unix := &fakeTransport{
		result: func(conn model.ServerConnection) model.CommandResult {
			// The first host of each batch is the slowest.
			if conn.ID == "h00" || conn.ID == "h02" {
				time.Sleep(30 * time.Millisecond)
			}
			mu.Lock()
			finished = append(finished, conn.ID)
			mu.Unlock()
			return model.CommandResult{Status: model.ResultSuccess}
		},
	}
	d := NewDispatcher(ExecutorConfig{BatchSize: 2}, unix, nil, nil, nil)
	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "e", TargetOS: model.TargetAll, Targets: hosts(4, model.OSLinux)}, newRecorder()))

	require.Len(t, finished, 4)
	assert.ElementsMatch(t, []string{"h00", "h01"}, finished[:2])
	assert.ElementsMatch(t, []string{"h02", "h03"}, finished[2:])
	assert.LessOrEqual(t, atomic.LoadInt32(&unix.maxActive), int32(2))
}

func TestDispatchRoutesByOSAndSkipsMismatch(t *testing.T) {
	unix := &fakeTransport{}
	windows := &fakeTransport{}
	d := NewDispatcher(ExecutorConfig{}, unix, windows, nil, nil)

	targets := []model.ServerConnection{
		{ID: "l", Hostname: "l", OSType: model.OSLinux},
		{ID: "w", Hostname: "w", OSType: model.OSWindows},
		{ID: "e", Hostname: "e", OSType: model.OSESXi},
	}

	rec := newRecorder()
	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "all", TargetOS: model.TargetAll, Targets: targets}, rec))
	assert.ElementsMatch(t, []string{"l", "e"}, unix.called())
	assert.Equal(t, []string{"w"}, windows.called())

	rec = newRecorder()
	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "lin", TargetOS: model.TargetLinux, Targets: targets}, rec))
	w := rec.results["w"][0]
	assert.Equal(t, model.ResultSkipped, w.Status)
	assert.Contains(t, w.Error, "linux")
	assert.Contains(t, w.Error, "windows")
	assert.Nil(t, w.ExitCode)
	assert.Equal(t, []string{"w"}, windows.called())
	assert.Equal(t, 2, rec.summary.Counts[model.ResultSuccess])
	assert.Equal(t, 1, rec.summary.Counts[model.ResultSkipped])

	rec = newRecorder()
	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "win", TargetOS: model.TargetWindows, Targets: targets}, rec))
	assert.Equal(t, model.ResultSkipped, rec.results["l"][0].Status)
	assert.Equal(t, model.ResultSkipped, rec.results["e"][0].Status)
	assert.Equal(t, model.ResultSuccess, rec.results["w"][0].Status)
}

func TestDispatchCancellation(t *testing.T) {
	var d *Dispatcher
	release := make(chan struct{})
	var once sync.Once
	unix := &fakeTransport{
		onRun: func(conn model.ServerConnection) {
			// Cancel while the first batch is in flight.
			once.Do(func() {
				assert.True(t, d.Cancel("c1"))
				close(release)
			})
			<-release
		},
	}
	d = NewDispatcher(ExecutorConfig{BatchSize: 2}, unix, nil, nil, nil)
	rec := newRecorder()

	targets := hosts(5, model.OSLinux)
	require.NoError(t, d.Start(context.Background(), Job{ExecutionID: "c1", TargetOS: model.TargetAll, Targets: targets}, rec))

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not complete")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.completes)
	assert.True(t, rec.summary.Cancelled)
	assert.Len(t, rec.results, 5)

	// At least the host that triggered the cancel ran; later batches never did.
	called := unix.called()
	assert.NotEmpty(t, called)
	assert.LessOrEqual(t, len(called), 2)
	for _, h := range targets[2:] {
		r := rec.results[h.ID][0]
		assert.Equal(t, model.ResultSkipped, r.Status)
		assert.Equal(t, CancelledReason, r.Error)
	}
	assert.Equal(t, 5, rec.summary.Counts[model.ResultSuccess]+rec.summary.Counts[model.ResultSkipped])

	assert.False(t, d.Cancel("c1"), "finished executions cannot be cancelled")
}

func TestCancelBeforeOSMismatch(t *testing.T) {
	d := NewDispatcher(ExecutorConfig{}, &fakeTransport{}, &fakeTransport{}, nil, nil)
	require.NoError(t, d.Registry().Register("x"))
	require.True(t, d.Registry().Cancel("x"))

	emit := &emitter{listener: newRecorder(), counts: map[model.ResultStatus]int{}}
	job := Job{ExecutionID: "x", TargetOS: model.TargetLinux}
	res := d.runHost(context.Background(), job, model.ServerConnection{ID: "w", OSType: model.OSWindows}, nil, emit, time.Second)
	assert.Equal(t, model.ResultSkipped, res.Status)
	assert.Equal(t, CancelledReason, res.Error)
}

func TestDispatchResolvesCredentialPerHost(t *testing.T) {
	var resolved int32
	creds := credFunc(func(_ context.Context, conn model.ServerConnection) (*model.Credential, error) {
		atomic.AddInt32(&resolved, 1)
		if conn.ID == "h01" {
			return nil, errors.New("vault sealed")
		}
		return &model.Credential{ID: "cred-" + conn.ID}, nil
	})
	unix := &fakeTransport{}
	d := NewDispatcher(ExecutorConfig{}, unix, nil, creds, nil)
	rec := newRecorder()

	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "e", TargetOS: model.TargetAll, Targets: hosts(3, model.OSLinux)}, rec))

	assert.Equal(t, int32(3), atomic.LoadInt32(&resolved))
	assert.Equal(t, "cred-h00", unix.creds["h00"])
	assert.Equal(t, "cred-h02", unix.creds["h02"])
	failed := rec.results["h01"][0]
	assert.Equal(t, model.ResultError, failed.Status)
	assert.Contains(t, failed.Error, "vault sealed")
	assert.NotContains(t, unix.called(), "h01")
}

func TestDispatchRecoversTransportPanic(t *testing.T) {
	unix := &fakeTransport{
		result: func(conn model.ServerConnection) model.CommandResult {
			if conn.ID == "h00" {
				panic("kaboom")
			}
			return model.CommandResult{Status: model.ResultSuccess}
		},
	}
	d := NewDispatcher(ExecutorConfig{}, unix, nil, nil, nil)
	rec := newRecorder()

	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "p", TargetOS: model.TargetAll, Targets: hosts(2, model.OSLinux)}, rec))

	assert.Equal(t, model.ResultError, rec.results["h00"][0].Status)
	assert.Contains(t, rec.results["h00"][0].Error, "kaboom")
	assert.Equal(t, model.ResultSuccess, rec.results["h01"][0].Status)
	assert.Equal(t, 1, rec.completes)
}

func TestDispatchMissingTransport(t *testing.T) {
	d := NewDispatcher(ExecutorConfig{}, &fakeTransport{}, nil, nil, nil)
	rec := newRecorder()
	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "m", TargetOS: model.TargetAll, Targets: hosts(1, model.OSWindows)}, rec))
	assert.Equal(t, model.ResultError, rec.results["h00"][0].Status)
}

func TestDispatchEmptyTargetsStillCompletes(t *testing.T) {
	d := NewDispatcher(ExecutorConfig{}, &fakeTransport{}, nil, nil, nil)
	rec := newRecorder()
	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "empty", TargetOS: model.TargetAll}, rec))
	assert.Equal(t, 1, rec.completes)
	assert.Empty(t, rec.results)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	d := NewDispatcher(ExecutorConfig{}, &fakeTransport{}, nil, nil, nil)
	require.NoError(t, d.Registry().Register("dup"))
	assert.Error(t, d.Dispatch(context.Background(), Job{ExecutionID: "dup"}, nil))
}

func TestStartRateLimitsHostStarts(t *testing.T) {
	unix := &fakeTransport{}
	d := NewDispatcher(ExecutorConfig{BatchSize: 10, StartRate: 20}, unix, nil, nil, nil)

	begin := time.Now()
	require.NoError(t, d.Dispatch(context.Background(), Job{ExecutionID: "r", TargetOS: model.TargetAll, Targets: hosts(5, model.OSLinux)}, nil))
	// Burst of one, then 50ms per host.
	assert.GreaterOrEqual(t, time.Since(begin), 150*time.Millisecond)
	assert.Len(t, unix.called(), 5)
}

func TestParseBatchSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"auto", 0, false},
		{"25", 25, false},
		{"0", 0, true},
		{"1001", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBatchSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, DefaultBatchSize, calculateBatchSize(0, 50))
	assert.Equal(t, 3, calculateBatchSize(0, 3))
	assert.Equal(t, MaxBatchSize, calculateBatchSize(5000, 5000))
	assert.Equal(t, DefaultBatchSize, calculateBatchSize(0, 0))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Cancel("nope"))

	require.NoError(t, r.Register("a"))
	require.NoError(t, r.Register("b"))
	assert.Equal(t, []string{"a", "b"}, r.Active())

	assert.True(t, r.Cancel("a"))
	assert.True(t, r.IsCancelled("a"))
	assert.False(t, r.IsCancelled("b"))

	assert.True(t, r.Finish("a"))
	assert.False(t, r.Cancel("a"))
	assert.Equal(t, []string{"b"}, r.Active())

	r.Deregister("a")
	assert.False(t, r.IsCancelled("a"))
	require.NoError(t, r.Register("a"))
}
