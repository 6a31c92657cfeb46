package command

import (
	"context"
	"time"

	"fleet-plex/internal/executor"
	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
)

const persistTimeout = 10 * time.Second

// persister writes each host's progress into its result slot and rolls the
// execution status up when dispatch completes.
type persister struct {
	store       Store
	logger      *logging.Logger
	executionID string
}

func (p *persister) OnHostStart(executionID string, conn model.ServerConnection) {
	now := time.Now()
	running := model.PendingResult(conn)
	running.Status = model.ResultRunning
	running.StartedAt = &now
	p.write(running)
}

func (p *persister) OnProgress(executionID, connectionID string, result model.CommandResult) {
	p.write(result)
}

func (p *persister) OnComplete(executionID string, summary executor.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	exec, err := p.store.GetCommandExecution(ctx, p.executionID)
	if err != nil || exec == nil {
		p.logger.Error("failed to load execution for completion", "execution_id", p.executionID, "error", err)
		return
	}

	status := model.AggregateStatus(exec.Results, summary.Cancelled)
	now := time.Now()
	if err := p.store.UpdateCommandExecution(ctx, p.executionID, model.ExecutionPatch{Status: &status, CompletedAt: &now}); err != nil {
		p.logger.Error("failed to finalize execution", "execution_id", p.executionID, "error", err.Error())
	}
}

func (p *persister) write(result model.CommandResult) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.store.UpdateCommandResult(ctx, p.executionID, result); err != nil {
		p.logger.Error("failed to persist host result",
			"execution_id", p.executionID,
			"connection_id", result.ConnectionID,
			"error", err.Error(),
		)
	}
}
