// Package command accepts bulk command requests, resolves their targets and
// tracks the resulting executions.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-plex/internal/executor"
	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
	"fleet-plex/internal/target"
	"fleet-plex/internal/template"
)

var (
	// ErrEmptyCommand is returned when the command text is blank
	ErrEmptyCommand = errors.New("command is empty")

	// ErrNoTargets is returned when the filter resolves to no connections
	ErrNoTargets = errors.New("no matching connections")

	// ErrInvalidTargetOS is returned for target OS values other than all, linux and windows
	ErrInvalidTargetOS = errors.New("invalid target os")

	// ErrExecutionNotFound is returned for unknown execution ids
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrSavedCommandNotFound is returned for unknown saved command ids
	ErrSavedCommandNotFound = errors.New("saved command not found")
)

// Store is the persistence the command service needs.
type Store interface {
	GetConnections(ctx context.Context) ([]model.ServerConnection, error)
	GetGroup(ctx context.Context, id string) (*model.ConnectionGroup, error)
	GetSavedCommand(ctx context.Context, id string) (*model.SavedCommand, error)
	CreateCommandExecution(ctx context.Context, exec *model.CommandExecution) error
	GetCommandExecution(ctx context.Context, id string) (*model.CommandExecution, error)
	ListCommandExecutions(ctx context.Context, limit int) ([]model.CommandExecution, error)
	UpdateCommandExecution(ctx context.Context, id string, patch model.ExecutionPatch) error
	UpdateCommandResult(ctx context.Context, id string, result model.CommandResult) error
}

// Request describes one bulk command.
type Request struct {
	Command        string            `json:"command"`
	TargetOS       model.TargetOS    `json:"targetOs"`
	Filter         model.HostFilter  `json:"filter"`
	Variables      map[string]string `json:"variables,omitempty"`
	SavedCommandID string            `json:"savedCommandId,omitempty"`
}

// Accepted is returned once an execution has been recorded and dispatched.
type Accepted struct {
	ExecutionID string `json:"executionId"`
	TargetCount int    `json:"targetCount"`
}

// Plan is the outcome of resolving a request without running it.
type Plan struct {
	Command   string                   `json:"command"`
	TargetOS  model.TargetOS           `json:"targetOs"`
	Targets   []model.ServerConnection `json:"targets"`
	BatchSize int                      `json:"batchSize"`
	Batches   int                      `json:"batches"`
}

// Service runs commands across the fleet.
type Service struct {
	store      Store
	dispatcher *executor.Dispatcher
	logger     *logging.Logger

	mu        sync.Mutex
	listeners executor.Listeners
	done      map[string]chan struct{}
}

// NewService creates a command service.
func NewService(store Store, dispatcher *executor.Dispatcher, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		done:       make(map[string]chan struct{}),
	}
}

// AddListener subscribes l to the events of every later execution.
func (s *Service) AddListener(l executor.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Plan resolves the request's targets and final command text.
func (s *Service) Plan(ctx context.Context, req Request) (*Plan, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, ErrEmptyCommand
	}

	targetOS := req.TargetOS
	if targetOS == "" {
		targetOS = model.TargetAll
	}
	if !targetOS.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTargetOS, targetOS)
	}

	conns, err := s.store.GetConnections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections: %w", err)
	}

	targets, err := target.Resolve(ctx, s.store, conns, req.Filter, targetOS)
	if err != nil {
		return nil, err
	}
	s.logger.LogTargetResolution(string(req.Filter.Type), string(targetOS), len(targets))
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	if missing := template.Missing(command, req.Variables); len(missing) > 0 {
		s.logger.Warn("unresolved variables left verbatim", "variables", missing)
	}

	batchSize := s.dispatcher.Config().BatchSize
	if batchSize <= 0 {
		batchSize = executor.DefaultBatchSize
	}
	return &Plan{
		Command:   template.Substitute(command, req.Variables),
		TargetOS:  targetOS,
		Targets:   targets,
		BatchSize: batchSize,
		Batches:   (len(targets) + batchSize - 1) / batchSize,
	}, nil
}

// Execute records a new execution and dispatches it in the background.
// Resolution errors are returned before anything is recorded.
func (s *Service) Execute(ctx context.Context, req Request) (*Accepted, error) {
	plan, err := s.Plan(ctx, req)
	if err != nil {
		return nil, err
	}

	exec := &model.CommandExecution{
		ID:             uuid.New().String(),
		Command:        plan.Command,
		TargetOS:       plan.TargetOS,
		ConnectionIDs:  make([]string, 0, len(plan.Targets)),
		Results:        make([]model.CommandResult, 0, len(plan.Targets)),
		Status:         model.ExecRunning,
		StartedAt:      time.Now(),
		SavedCommandID: req.SavedCommandID,
	}
	for _, conn := range plan.Targets {
		exec.ConnectionIDs = append(exec.ConnectionIDs, conn.ID)
		exec.Results = append(exec.Results, model.PendingResult(conn))
	}

	if err := s.store.CreateCommandExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.done[exec.ID] = done
	listeners := append(executor.Listeners{&persister{store: s.store, logger: s.logger, executionID: exec.ID}}, s.listeners...)
	s.mu.Unlock()
	listeners = append(listeners, executor.ListenerFuncs{
		Complete: func(executionID string, _ executor.Summary) { s.finish(executionID) },
	})

	job := executor.Job{
		ExecutionID: exec.ID,
		Command:     exec.Command,
		TargetOS:    exec.TargetOS,
		Targets:     plan.Targets,
	}
	if err := s.dispatcher.Start(context.WithoutCancel(ctx), job, listeners); err != nil {
		s.finish(exec.ID)
		return nil, err
	}

	return &Accepted{ExecutionID: exec.ID, TargetCount: len(plan.Targets)}, nil
}

func (s *Service) finish(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.done[executionID]; ok {
		close(ch)
		delete(s.done, executionID)
	}
}

// RunSaved executes a stored or predefined command. vars override the
// command's default variables.
func (s *Service) RunSaved(ctx context.Context, savedID string, f model.HostFilter, vars map[string]string) (*Accepted, error) {
	saved, err := s.SavedCommand(ctx, savedID)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, Request{
		Command:        saved.Command,
		TargetOS:       saved.TargetOS,
		Filter:         f,
		Variables:      template.Merge(saved.Variables, vars),
		SavedCommandID: saved.ID,
	})
}

// SavedCommand looks a command up in the store, then among the predefined ones.
func (s *Service) SavedCommand(ctx context.Context, id string) (*model.SavedCommand, error) {
	saved, err := s.store.GetSavedCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	if saved != nil {
		return saved, nil
	}
	if p, ok := template.Predefined[id]; ok {
		return &p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSavedCommandNotFound, id)
}

// Cancel requests cancellation. It reports false when the execution is no
// longer running.
func (s *Service) Cancel(ctx context.Context, executionID string) (bool, error) {
	exec, err := s.store.GetCommandExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec == nil {
		return false, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if exec.Status.Finished() {
		return false, nil
	}
	return s.dispatcher.Cancel(executionID), nil
}

// Get returns an execution record.
func (s *Service) Get(ctx context.Context, executionID string) (*model.CommandExecution, error) {
	exec, err := s.store.GetCommandExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return exec, nil
}

// List returns recent executions, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]model.CommandExecution, error) {
	return s.store.ListCommandExecutions(ctx, limit)
}

// Wait blocks until the execution finishes or ctx is done, then returns its record.
func (s *Service) Wait(ctx context.Context, executionID string) (*model.CommandExecution, error) {
	s.mu.Lock()
	done, tracked := s.done[executionID]
	s.mu.Unlock()

	if tracked {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Get(ctx, executionID)
}
