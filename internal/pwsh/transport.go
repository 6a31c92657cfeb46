package pwsh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
)

const (
	// DefaultShell is the local script host
	DefaultShell = "powershell.exe"

	// DefaultCommandTimeout bounds a single remote command
	DefaultCommandTimeout = 5 * time.Minute

	// TimeoutMessage is the error recorded when a command exceeds its timeout
	TimeoutMessage = "Command timed out"
)

// Process is the outcome of running the local script host.
type Process struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner starts the script host with argv and waits for it. It returns an
// error only when the process could not run to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecRunner runs the script host with os/exec. No shell is involved.
type ExecRunner struct{}

// Run implements Runner
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// Remoting sessions can leave children holding our pipes open.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	p := Process{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			p.ExitCode = exitErr.ExitCode()
			return p, nil
		}
		return p, err
	}
	return p, nil
}

// Config holds transport settings
type Config struct {
	Shell string // powershell.exe or pwsh
}

// Transport runs commands through Invoke-Command on the local script host.
type Transport struct {
	config Config
	runner Runner
	logger *logging.Logger
}

// NewTransport creates a transport. A nil runner uses ExecRunner.
func NewTransport(config Config, runner Runner, logger *logging.Logger) *Transport {
	if config.Shell == "" {
		config.Shell = DefaultShell
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Transport{config: config, runner: runner, logger: logger}
}

// Args returns the script host argv for an encoded script.
func (t *Transport) Args(encoded string) []string {
	return []string{
		"-NonInteractive",
		"-NoProfile",
		"-NoLogo",
		"-ExecutionPolicy", "Bypass",
		"-EncodedCommand", encoded,
	}
}

// Run executes command on conn and always returns a terminal result. Hosts
// that fail hostname validation never reach the script host.
func (t *Transport) Run(ctx context.Context, conn model.ServerConnection, cred *model.Credential, command string, timeout time.Duration) (result model.CommandResult) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	started := time.Now()
	result = model.CommandResult{
		ConnectionID:   conn.ID,
		ConnectionName: conn.Name,
		Hostname:       conn.Hostname,
		StartedAt:      &started,
	}
	defer func() {
		if r := recover(); r != nil {
			result.Status = model.ResultError
			result.ExitCode = nil
			result.Error = fmt.Sprintf("PowerShell execution panic: %v", r)
		}
		completed := time.Now()
		result.CompletedAt = &completed
	}()

	script, err := BuildScript(conn, cred, command)
	if err != nil {
		result.Status = model.ResultError
		result.Error = err.Error()
		return result
	}
	encoded, err := Encode(script)
	if err != nil {
		result.Status = model.ResultError
		result.Error = err.Error()
		return result
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc, err := t.runner.Run(runCtx, t.config.Shell, t.Args(encoded)...)
	result.Stdout = strings.TrimSpace(proc.Stdout)
	result.Stderr = strings.TrimSpace(proc.Stderr)

	if err != nil {
		result.Status = model.ResultError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			result.Error = TimeoutMessage
		case ctx.Err() != nil:
			result.Error = fmt.Sprintf("command aborted: %v", ctx.Err())
		case errors.Is(err, exec.ErrNotFound):
			result.Error = fmt.Sprintf("no script host %q: %v", t.config.Shell, err)
		default:
			result.Error = fmt.Sprintf("PowerShell execution error: %v", err)
		}
		t.logger.LogConnectionError(conn, "powershell", err)
		return result
	}

	code := proc.ExitCode
	result.ExitCode = &code
	if code == 0 {
		result.Status = model.ResultSuccess
	} else {
		result.Status = model.ResultError
	}
	return result
}
