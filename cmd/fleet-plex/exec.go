package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleet-plex/internal/command"
	"fleet-plex/internal/credential"
	"fleet-plex/internal/errors"
	"fleet-plex/internal/executor"
	"fleet-plex/internal/filter"
	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
	"fleet-plex/internal/output"
	"fleet-plex/internal/progress"
	"fleet-plex/internal/stats"
	"fleet-plex/internal/target"
	"fleet-plex/internal/template"
)

// execFlags holds the target selection and command flags of exec.
type execFlags struct {
	all       bool
	group     string
	pattern   string
	selection []string
	osType    string
	targetOS  string
	filter    string
	groupBy   string
	hosts     string
	hostFile  string
	saved     string
	vars      []string
	dryRun    bool
}

func newExecCmd() *cobra.Command {
	var f execFlags
	cmd := &cobra.Command{
		Use:   "exec [flags] [-- <command>]",
		Short: "Run a command on the selected connections",
		Long: `Run a command on every connection selected by exactly one of --all,
--group, --pattern, --select or --os. Windows hosts run it through
PowerShell remoting, everything else over SSH.

--hosts and --hostfile add ad-hoc connections (user@host:port?os=windows)
to the memory store; they become the selection when no other selector is
given. --filter narrows the selection further by tags, hostname or OS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, f, strings.Join(args, " "))
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&f.all, "all", false, "Target every connection (default when no selector is given)")
	flags.StringVar(&f.group, "group", "", "Target the members of a connection group")
	flags.StringVar(&f.pattern, "pattern", "", "Target connections whose name or hostname matches a wildcard")
	flags.StringSliceVar(&f.selection, "select", nil, "Target these connection ids")
	flags.StringVar(&f.osType, "os", "", "Target connections of one OS type (linux, windows, unix, esxi)")
	flags.StringVar(&f.targetOS, "target-os", "", "Restrict the command to all, linux or windows hosts")
	flags.StringVar(&f.filter, "filter", "", "Narrow targets (e.g. 'tag:env=prod !tag:canary host:web-* os:linux')")
	flags.StringVar(&f.groupBy, "group-by", "", "Summarize results by the value of this tag")
	flags.StringVar(&f.hosts, "hosts", "", "Comma-separated ad-hoc host specifications")
	flags.StringVar(&f.hostFile, "hostfile", "", "File of ad-hoc host specifications, one per line")
	flags.StringVar(&f.saved, "saved", "", "Run a saved or predefined command by id")
	flags.StringArrayVar(&f.vars, "var", nil, "Template variable name=value (repeatable)")
	flags.BoolVar(&f.dryRun, "dry-run", false, "Show the execution plan without connecting")

	flags.IntVar(&batchSize, "batch-size", 10, "Hosts dispatched concurrently per batch")
	flags.DurationVar(&cmdTimeout, "cmd-timeout", 5*time.Minute, "Per-host command timeout")
	flags.Float64Var(&dispatchRate, "dispatch-rate", 0, "Host attempts started per second (0 for unlimited)")
	flags.StringVar(&outputMode, "output", "streamed", "Output format (streamed, buffered, json)")
	flags.BoolVar(&showProgress, "progress", false, "Show progress bar")
	flags.BoolVar(&showStats, "stats", false, "Show real-time statistics")

	cmd.SetUsageTemplate(cmd.UsageTemplate() + `
Note: An inline command must be specified after the '--' separator.
`)
	return cmd
}

func runExec(cmd *cobra.Command, f execFlags, inline string) error {
	logger := newLogger()
	logger.LogConfigLoad("CLI flags and configuration files")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	return executeCommand(ctx, a, f, inline, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// executeCommand builds the request, then either prints the plan or runs it
// and reports every host result as it arrives.
func executeCommand(ctx context.Context, a *app, f execFlags, inline string, out, status io.Writer) error {
	req, err := buildRequest(ctx, a, f, inline)
	if err != nil {
		return err
	}

	if f.dryRun {
		plan, err := a.commands.Plan(ctx, req)
		if err != nil {
			return &SetupError{Message: fmt.Sprintf("failed to plan execution: %v", err)}
		}
		return performDryRun(ctx, out, plan, credential.NewStoreResolver(a.store), f.groupBy)
	}

	mode, err := output.ParseMode(cfg.Output)
	if err != nil {
		return &SetupError{Message: err.Error()}
	}
	formatter := output.NewFormatter(mode, out)

	plan, err := a.commands.Plan(ctx, req)
	if err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to plan execution: %v", err)}
	}
	reporter := newReporter(formatter, a.logger, len(plan.Targets), status)
	a.commands.AddListener(reporter)

	if cfg.ShowStats {
		reporter.stats.Start()
		defer reporter.stats.Stop()
	}

	accepted, err := a.commands.Execute(ctx, req)
	if err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to start execution: %v", err)}
	}

	// Set up graceful shutdown handling for SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("Received shutdown signal, cancelling execution", "signal", sig.String(), "execution_id", accepted.ExecutionID)
			if _, err := a.commands.Cancel(context.WithoutCancel(ctx), accepted.ExecutionID); err != nil {
				a.logger.Error("Failed to cancel execution", "execution_id", accepted.ExecutionID, "error", err)
			}
		case <-ctx.Done():
		}
	}()

	exec, err := a.commands.Wait(ctx, accepted.ExecutionID)
	if err != nil {
		return &SetupError{Message: fmt.Sprintf("failed waiting for execution: %v", err)}
	}

	if cfg.ShowProgress {
		reporter.progress.Finish()
	}
	if err := formatter.Finalize(); err != nil {
		a.logger.Error("Failed to finalize output", "error", err)
	}
	if f.groupBy != "" {
		printGroupSummary(out, plan.Targets, exec, f.groupBy)
	}
	if !cfg.Quiet {
		reporter.printFailures(status)
	}

	return reporter.outcome(exec)
}

// buildRequest turns exec flags into a command request. A saved command
// supplies the text, target OS and default variables unless the flags
// override them.
func buildRequest(ctx context.Context, a *app, f execFlags, inline string) (command.Request, error) {
	vars, err := template.ParseAssignments(f.vars)
	if err != nil {
		return command.Request{}, &SetupError{Message: err.Error()}
	}

	req := command.Request{
		Command:   strings.TrimSpace(inline),
		TargetOS:  model.TargetOS(f.targetOS),
		Variables: vars,
	}

	if f.saved != "" {
		saved, err := a.commands.SavedCommand(ctx, f.saved)
		if err != nil {
			return req, &SetupError{Message: fmt.Sprintf("failed to load saved command: %v", err)}
		}
		if req.Command == "" {
			req.Command = saved.Command
		}
		if req.TargetOS == "" {
			req.TargetOS = saved.TargetOS
		}
		req.Variables = template.Merge(saved.Variables, vars)
		req.SavedCommandID = saved.ID
	}
	if req.Command == "" {
		return req, &SetupError{Message: "command is required after '--' or via --saved"}
	}

	adhoc, err := addAdhocHosts(ctx, a, f)
	if err != nil {
		return req, err
	}

	hf, err := hostFilter(f, adhoc)
	if err != nil {
		return req, err
	}

	if f.filter != "" {
		hf, err = narrowFilter(ctx, a, hf, f.filter)
		if err != nil {
			return req, err
		}
	}

	req.Filter = hf
	return req, nil
}

// addAdhocHosts stores --hosts and --hostfile connections and returns their ids.
func addAdhocHosts(ctx context.Context, a *app, f execFlags) ([]string, error) {
	var conns []model.ServerConnection
	if f.hosts != "" {
		parsed, err := target.ParseHostList(strings.NewReader(strings.ReplaceAll(f.hosts, ",", "\n")))
		if err != nil {
			return nil, &SetupError{Message: fmt.Sprintf("failed to parse hosts: %v", err)}
		}
		conns = append(conns, parsed...)
	}
	if f.hostFile != "" {
		parsed, err := target.ParseHostFile(f.hostFile)
		if err != nil {
			return nil, &SetupError{Message: fmt.Sprintf("failed to parse host file: %v", err)}
		}
		conns = append(conns, parsed...)
	}
	if len(conns) == 0 {
		return nil, nil
	}
	if cfg.Store.Driver != "memory" {
		return nil, &SetupError{Message: "--hosts and --hostfile require the memory store"}
	}

	ids := make([]string, 0, len(conns))
	for i := range conns {
		if err := a.store.UpsertConnection(ctx, &conns[i]); err != nil {
			return nil, &SetupError{Message: fmt.Sprintf("failed to add host %s: %v", conns[i].Hostname, err)}
		}
		ids = append(ids, conns[i].ID)
	}
	a.logger.Info("Added ad-hoc hosts", "count", len(ids))
	return ids, nil
}

// hostFilter maps the selector flags onto a HostFilter. At most one selector
// may be set.
func hostFilter(f execFlags, adhoc []string) (model.HostFilter, error) {
	var chosen []model.HostFilter
	if f.all {
		chosen = append(chosen, model.HostFilter{Type: model.FilterAll})
	}
	if f.group != "" {
		chosen = append(chosen, model.HostFilter{Type: model.FilterGroup, GroupID: f.group})
	}
	if f.pattern != "" {
		chosen = append(chosen, model.HostFilter{Type: model.FilterPattern, Pattern: f.pattern})
	}
	if len(f.selection) > 0 {
		chosen = append(chosen, model.HostFilter{Type: model.FilterSelection, ConnectionIDs: f.selection})
	}
	if f.osType != "" {
		chosen = append(chosen, model.HostFilter{Type: model.FilterOS, OSType: model.ParseOSType(f.osType)})
	}

	switch len(chosen) {
	case 0:
		if len(adhoc) > 0 {
			return model.HostFilter{Type: model.FilterSelection, ConnectionIDs: adhoc}, nil
		}
		return model.HostFilter{Type: model.FilterAll}, nil
	case 1:
		if err := target.ValidateFilter(chosen[0]); err != nil {
			return model.HostFilter{}, &SetupError{Message: err.Error()}
		}
		return chosen[0], nil
	default:
		return model.HostFilter{}, &SetupError{Message: "only one of --all, --group, --pattern, --select and --os may be given"}
	}
}

// narrowFilter resolves hf and keeps the connections matching expr, as an
// explicit selection.
func narrowFilter(ctx context.Context, a *app, hf model.HostFilter, expr string) (model.HostFilter, error) {
	filters, err := filter.ParseFilterExpression(expr)
	if err != nil {
		return hf, &SetupError{Message: fmt.Sprintf("failed to parse filter expression: %v", err)}
	}
	conns, err := a.store.GetConnections(ctx)
	if err != nil {
		return hf, &SetupError{Message: fmt.Sprintf("failed to load connections: %v", err)}
	}
	base, err := target.Resolve(ctx, a.store, conns, hf, model.TargetAll)
	if err != nil {
		return hf, &SetupError{Message: err.Error()}
	}
	narrowed := filter.FilterConnections(base, filters...)
	a.logger.Info("Applied filters", "original_count", len(base), "filtered_count", len(narrowed), "filter", expr)

	ids := make([]string, 0, len(narrowed))
	for _, conn := range narrowed {
		ids = append(ids, conn.ID)
	}
	if len(ids) == 0 {
		return hf, &SetupError{Message: command.ErrNoTargets.Error()}
	}
	return model.HostFilter{Type: model.FilterSelection, ConnectionIDs: ids}, nil
}

const failureListLimit = 10

// reporter is the CLI's execution listener. It feeds the output formatter,
// progress bar, statistics and error collector.
type reporter struct {
	formatter output.Formatter
	logger    *logging.Logger
	progress  *progress.ProgressTracker
	stats     *stats.StatsTracker
	errs      *errors.ErrorCollector

	total, success, failed, skipped int
}

func newReporter(formatter output.Formatter, logger *logging.Logger, total int, status io.Writer) *reporter {
	return &reporter{
		formatter: formatter,
		logger:    logger,
		progress:  progress.NewProgressTracker(total, status, cfg.ShowProgress),
		stats:     stats.NewStatsTracker(total, status, cfg.ShowStats),
		errs:      errors.NewErrorCollector(),
	}
}

// OnHostStart implements executor.StartListener
func (r *reporter) OnHostStart(executionID string, conn model.ServerConnection) {
	r.stats.UpdateHostStarted(conn)
}

// OnProgress implements executor.Listener
func (r *reporter) OnProgress(executionID, connectionID string, result model.CommandResult) {
	r.total++
	switch result.Status {
	case model.ResultSuccess:
		r.success++
	case model.ResultSkipped:
		r.skipped++
	default:
		r.failed++
		r.errs.AddResult(result)
	}

	r.progress.Update(result.Status)
	r.stats.UpdateHostCompleted(result)

	// Formatting errors don't affect execution success
	if err := r.formatter.Format(result); err != nil {
		r.logger.Error("Failed to format output", "error", err, "host", result.Hostname)
	}
}

// OnComplete implements executor.Listener
func (r *reporter) OnComplete(executionID string, summary executor.Summary) {
	r.logger.Info("Execution completed",
		"execution_id", executionID,
		"total_targets", r.total,
		"successful", r.success,
		"failed", r.failed,
		"skipped", r.skipped,
		"cancelled", summary.Cancelled,
		"error_summary", r.errs.Summary(),
		"connection_errors", r.errs.CountByType(errors.ConnectionErrorType),
		"auth_errors", r.errs.CountByType(errors.AuthenticationErrorType),
		"execution_errors", r.errs.CountByType(errors.ExecutionErrorType),
		"timeout_errors", r.errs.CountByType(errors.TimeoutErrorType))
}

// printFailures lists failed hosts by error class, at most failureListLimit per class.
func (r *reporter) printFailures(w io.Writer) {
	types := r.errs.Types()
	if len(types) == 0 {
		return
	}
	fmt.Fprintf(w, "\nFailures (%s):\n", r.errs.Summary())
	for _, t := range types {
		errs := r.errs.ErrorsByType(t)
		fmt.Fprintf(w, "  %s (%d):\n", t, len(errs))
		for i, err := range errs {
			if i == failureListLimit {
				fmt.Fprintf(w, "    ... and %d more\n", len(errs)-failureListLimit)
				break
			}
			fmt.Fprintf(w, "    %v\n", err)
		}
	}
}

// outcome maps the finished execution onto the process exit status.
func (r *reporter) outcome(exec *model.CommandExecution) error {
	switch exec.Status {
	case model.ExecCancelled:
		return &ExecutionError{Message: fmt.Sprintf("execution cancelled: %d/%d targets completed", r.success+r.failed, len(exec.Results))}
	case model.ExecFailed:
		return &ExecutionError{
			Message: fmt.Sprintf("execution failed: %d/%d targets failed - %s",
				r.failed, len(exec.Results), r.errs.Summary()),
		}
	}
	return nil
}

// credentialResolver is the part of credential.StoreResolver the dry run uses.
type credentialResolver interface {
	Resolve(ctx context.Context, conn model.ServerConnection) (*model.Credential, error)
}

func performDryRun(ctx context.Context, writer io.Writer, plan *command.Plan, creds credentialResolver, groupBy string) error {
	fmt.Fprintln(writer, "fleet-plex Dry Run - Execution Plan")
	fmt.Fprintln(writer, "===================================")
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Configuration:")
	fmt.Fprintf(writer, "  Command: %s\n", plan.Command)
	fmt.Fprintf(writer, "  Target OS: %s\n", plan.TargetOS)
	fmt.Fprintf(writer, "  Total Targets: %d\n", len(plan.Targets))
	fmt.Fprintf(writer, "  Command Timeout: %v\n", cfg.CmdTimeout)
	if cfg.DispatchRate > 0 {
		fmt.Fprintf(writer, "  Dispatch Rate: %.1f hosts/s\n", cfg.DispatchRate)
	} else {
		fmt.Fprintf(writer, "  Dispatch Rate: unlimited\n")
	}
	fmt.Fprintf(writer, "  Output Format: %s\n", cfg.Output)
	fmt.Fprintf(writer, "  Store: %s\n", cfg.Store.Driver)
	fmt.Fprintln(writer)

	if missing := template.Variables(plan.Command); len(missing) > 0 {
		fmt.Fprintf(writer, "Warning: unresolved variables left verbatim: %s\n\n", strings.Join(missing, ", "))
	}

	fmt.Fprintf(writer, "Execution Plan:\n")
	fmt.Fprintf(writer, "  Batch Size: %d hosts\n", plan.BatchSize)
	fmt.Fprintf(writer, "  Execution Batches: %d\n", plan.Batches)
	fmt.Fprintf(writer, "  Estimated Max Duration: %v (excluding network latency)\n", time.Duration(plan.Batches)*cfg.CmdTimeout)
	fmt.Fprintln(writer)

	fmt.Fprintf(writer, "Target Details:\n")
	for i, conn := range plan.Targets {
		transport := "ssh"
		if conn.OSType == model.OSWindows {
			transport = "powershell"
		}
		fmt.Fprintf(writer, "  %d. %s (%s)\n", i+1, conn.Name, conn.Hostname)
		fmt.Fprintf(writer, "     → OS: %s, Transport: %s, Batch: %d\n", conn.OSType, transport, i/plan.BatchSize+1)

		cred, err := creds.Resolve(ctx, conn)
		switch {
		case err != nil:
			fmt.Fprintf(writer, "     → Credential: lookup failed (%v)\n", err)
		case cred != nil:
			fmt.Fprintf(writer, "     → Credential: %s (%s)\n", cred.Name, cred.Type)
		case conn.OSType == model.OSWindows:
			fmt.Fprintf(writer, "     → Authentication: current Windows identity\n")
		default:
			fmt.Fprintf(writer, "     → Authentication: SSH agent or default keys\n")
		}
	}
	fmt.Fprintln(writer)

	if groupBy != "" {
		groups := filter.GroupConnections(plan.Targets, groupBy)
		fmt.Fprintf(writer, "Groups (by %s):\n", groupBy)
		for _, name := range sortedGroupNames(groups) {
			fmt.Fprintf(writer, "  %s: %d hosts\n", name, len(groups[name]))
		}
		fmt.Fprintln(writer)
	}

	fmt.Fprintf(writer, "Note: This is a dry run. No connections will be established.\n")
	fmt.Fprintf(writer, "To execute for real, remove the --dry-run flag.\n")

	return nil
}

// printGroupSummary prints per-group result counts, grouping targets by tag.
func printGroupSummary(writer io.Writer, targets []model.ServerConnection, exec *model.CommandExecution, tagKey string) {
	groups := filter.GroupConnections(targets, tagKey)
	fmt.Fprintf(writer, "\nSummary by %s:\n", tagKey)
	for _, name := range sortedGroupNames(groups) {
		counts := make(map[model.ResultStatus]int)
		for _, conn := range groups[name] {
			if i := exec.ResultFor(conn.ID); i >= 0 {
				counts[exec.Results[i].Status]++
			}
		}
		fmt.Fprintf(writer, "  %s: %d hosts (%d successful, %d failed, %d skipped)\n",
			name, len(groups[name]), counts[model.ResultSuccess], counts[model.ResultError], counts[model.ResultSkipped])
	}
}

func sortedGroupNames(groups map[string][]model.ServerConnection) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
