package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	ferrors "fleet-plex/internal/errors"
	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
)

const (
	// DefaultBatchSize is how many hosts run concurrently
	DefaultBatchSize = 10

	// MaxBatchSize caps configured batch sizes
	MaxBatchSize = 1000

	// DefaultCmdTimeout bounds each host's command
	DefaultCmdTimeout = 5 * time.Minute

	// CancelledReason is recorded on hosts skipped after cancellation
	CancelledReason = "Execution cancelled"
)

// ExecutorConfig holds configuration parameters for the dispatcher
type ExecutorConfig struct {
	BatchSize  int           // Hosts per batch (0 for default)
	CmdTimeout time.Duration // Timeout for individual command execution
	StartRate  float64       // Max host attempts started per second across executions (0 for unlimited)
}

// ParseBatchSize parses batch size configuration from string
func ParseBatchSize(batchSizeStr string) (int, error) {
	if batchSizeStr == "" || batchSizeStr == "auto" {
		return 0, nil // 0 selects the default
	}

	batchSize, err := strconv.Atoi(batchSizeStr)
	if err != nil {
		return 0, fmt.Errorf("invalid batch size value '%s': must be a number or 'auto'", batchSizeStr)
	}

	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}

	if batchSize > MaxBatchSize {
		return 0, fmt.Errorf("batch size too high: %d (maximum %d)", batchSize, MaxBatchSize)
	}

	return batchSize, nil
}

// Transport runs a command on one host and always returns a terminal result.
type Transport interface {
	Run(ctx context.Context, conn model.ServerConnection, cred *model.Credential, command string, timeout time.Duration) model.CommandResult
}

// CredentialResolver picks the credential for a host; nil means none.
type CredentialResolver interface {
	Resolve(ctx context.Context, conn model.ServerConnection) (*model.Credential, error)
}

// Job is one execution to dispatch.
type Job struct {
	ExecutionID string
	Command     string
	TargetOS    model.TargetOS
	Targets     []model.ServerConnection
}

// Dispatcher runs jobs in sequential batches of concurrent hosts.
type Dispatcher struct {
	mu       sync.RWMutex
	config   ExecutorConfig
	unix     Transport
	windows  Transport
	creds    CredentialResolver
	registry *Registry
	limiter  *rate.Limiter
	logger   *logging.Logger
}

// NewDispatcher creates a dispatcher. unix serves every host whose OS is not windows.
func NewDispatcher(config ExecutorConfig, unix, windows Transport, creds CredentialResolver, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	d := &Dispatcher{
		unix:     unix,
		windows:  windows,
		creds:    creds,
		registry: NewRegistry(),
		logger:   logger,
	}
	d.SetConfig(config)
	return d
}

// SetConfig updates the dispatcher configuration for later jobs
func (d *Dispatcher) SetConfig(config ExecutorConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = config
	if config.StartRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(config.StartRate), 1)
	} else {
		d.limiter = nil
	}
}

// Config returns the current configuration
func (d *Dispatcher) Config() ExecutorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Registry exposes the cancellation registry
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Cancel requests cooperative cancellation. Hosts already running finish.
func (d *Dispatcher) Cancel(executionID string) bool {
	accepted := d.registry.Cancel(executionID)
	d.logger.LogCancel(executionID, accepted)
	return accepted
}

// Start registers the job and dispatches it in the background.
func (d *Dispatcher) Start(ctx context.Context, job Job, listener Listener) error {
	if err := d.registry.Register(job.ExecutionID); err != nil {
		return err
	}
	go d.run(ctx, job, listener)
	return nil
}

// Dispatch registers the job and runs it to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job, listener Listener) error {
	if err := d.registry.Register(job.ExecutionID); err != nil {
		return err
	}
	d.run(ctx, job, listener)
	return nil
}

// emitter serializes listener calls for one execution.
type emitter struct {
	mu       sync.Mutex
	listener Listener
	counts   map[model.ResultStatus]int
}

func (e *emitter) hostStart(executionID string, conn model.ServerConnection) {
	sl, ok := e.listener.(StartListener)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sl.OnHostStart(executionID, conn)
}

func (e *emitter) progress(executionID string, result model.CommandResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[result.Status]++
	e.listener.OnProgress(executionID, result.ConnectionID, result)
}

func (d *Dispatcher) run(ctx context.Context, job Job, listener Listener) {
	config := d.Config()
	d.mu.RLock()
	limiter := d.limiter
	d.mu.RUnlock()

	batchSize := calculateBatchSize(config.BatchSize, len(job.Targets))
	startTime := time.Now()
	if listener == nil {
		listener = Listeners{}
	}
	emit := &emitter{listener: listener, counts: make(map[model.ResultStatus]int)}

	d.logger.LogDispatchStart(job.ExecutionID, len(job.Targets), batchSize)

	for start := 0; start < len(job.Targets); start += batchSize {
		end := min(start+batchSize, len(job.Targets))

		if d.registry.IsCancelled(job.ExecutionID) {
			for _, conn := range job.Targets[start:] {
				emit.progress(job.ExecutionID, skipped(conn, CancelledReason))
			}
			break
		}

		var wg sync.WaitGroup
		for _, conn := range job.Targets[start:end] {
			wg.Add(1)
			go func(conn model.ServerConnection) {
				defer wg.Done()
				result := d.runHost(ctx, job, conn, limiter, emit, config.CmdTimeout)
				d.logResult(job.ExecutionID, result)
				emit.progress(job.ExecutionID, result)
			}(conn)
		}
		wg.Wait()
	}

	cancelled := d.registry.Finish(job.ExecutionID)
	summary := Summary{
		Cancelled: cancelled,
		Counts:    emit.counts,
		Duration:  time.Since(startTime),
	}
	d.logger.LogDispatchComplete(job.ExecutionID, summary.Counts, summary.Duration)

	emit.mu.Lock()
	listener.OnComplete(job.ExecutionID, summary)
	emit.mu.Unlock()

	d.registry.Deregister(job.ExecutionID)
}

// runHost produces the terminal result for one host. Cancellation is
// checked before the OS constraint.
func (d *Dispatcher) runHost(ctx context.Context, job Job, conn model.ServerConnection, limiter *rate.Limiter, emit *emitter, timeout time.Duration) (result model.CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			now := time.Now()
			result = model.PendingResult(conn)
			result.Status = model.ResultError
			result.Error = fmt.Sprintf("dispatch panic: %v", r)
			result.CompletedAt = &now
		}
	}()

	if d.registry.IsCancelled(job.ExecutionID) {
		return skipped(conn, CancelledReason)
	}
	if !job.TargetOS.Allows(conn.OSType) {
		return skipped(conn, job.TargetOS.MismatchReason(conn.OSType))
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return failed(conn, fmt.Sprintf("dispatch aborted: %v", err))
		}
	}

	emit.hostStart(job.ExecutionID, conn)

	var cred *model.Credential
	if d.creds != nil {
		var err error
		cred, err = d.creds.Resolve(ctx, conn)
		if err != nil {
			return failed(conn, err.Error())
		}
	}

	transport := d.unix
	if conn.OSType == model.OSWindows {
		transport = d.windows
	}
	if transport == nil {
		return failed(conn, fmt.Sprintf("no transport for %s hosts", conn.OSType))
	}

	result = transport.Run(ctx, conn, cred, job.Command, timeout)
	result.ConnectionID = conn.ID
	result.ConnectionName = conn.Name
	result.Hostname = conn.Hostname
	if !result.Status.Terminal() {
		result.Status = model.ResultError
		if result.Error == "" {
			result.Error = "transport returned no outcome"
		}
	}
	return result
}

func (d *Dispatcher) logResult(executionID string, result model.CommandResult) {
	switch result.Status {
	case model.ResultSkipped:
		d.logger.LogHostSkipped(executionID, result)
	case model.ResultError:
		if result.Error != "" {
			d.logger.LogExecutionError(executionID, result, ferrors.ClassifyResult(result).String())
			return
		}
		d.logger.LogExecution(executionID, result)
	default:
		d.logger.LogExecution(executionID, result)
	}
}

func skipped(conn model.ServerConnection, reason string) model.CommandResult {
	now := time.Now()
	r := model.PendingResult(conn)
	r.Status = model.ResultSkipped
	r.Error = reason
	r.CompletedAt = &now
	return r
}

func failed(conn model.ServerConnection, msg string) model.CommandResult {
	now := time.Now()
	r := model.PendingResult(conn)
	r.Status = model.ResultError
	r.Error = msg
	r.StartedAt = &now
	r.CompletedAt = &now
	return r
}

// calculateBatchSize determines the actual batch size based on configuration and target count
func calculateBatchSize(configBatchSize int, targetCount int) int {
	if configBatchSize <= 0 {
		configBatchSize = DefaultBatchSize
	}
	if configBatchSize > MaxBatchSize {
		configBatchSize = MaxBatchSize
	}
	if targetCount > 0 && configBatchSize > targetCount {
		return targetCount
	}
	return configBatchSize
}
