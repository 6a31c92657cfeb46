// Package output renders per-host command results for the CLI.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"fleet-plex/internal/model"
)

// OutputMode defines the available output formatting modes
type OutputMode string

const (
	// StreamedMode outputs results as they arrive with [host] prefixes
	StreamedMode OutputMode = "streamed"

	// BufferedMode shows complete output per host after execution completion
	BufferedMode OutputMode = "buffered"

	// JSONMode emits NDJSON objects with structured result data
	JSONMode OutputMode = "json"
)

// ParseMode maps a config value onto an OutputMode
func ParseMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case StreamedMode, BufferedMode, JSONMode:
		return OutputMode(s), nil
	}
	return "", fmt.Errorf("invalid output mode: %s", s)
}

// Formatter defines the interface for formatting and displaying command results
type Formatter interface {
	// Format processes and outputs a single terminal result
	Format(result model.CommandResult) error

	// Finalize performs any cleanup or final output operations
	Finalize() error

	// SetMode configures the output formatting mode
	SetMode(mode OutputMode)
}

// DefaultFormatter implements the Formatter interface with support for all output modes
type DefaultFormatter struct {
	mode     OutputMode
	writer   io.Writer
	mu       sync.Mutex
	buffered map[string]model.CommandResult // For buffered mode, keyed by host label
}

// NewFormatter creates a new formatter with the specified mode and writer
func NewFormatter(mode OutputMode, writer io.Writer) *DefaultFormatter {
	if writer == nil {
		writer = os.Stdout
	}

	return &DefaultFormatter{
		mode:     mode,
		writer:   writer,
		buffered: make(map[string]model.CommandResult),
	}
}

// SetMode configures the output formatting mode
func (f *DefaultFormatter) SetMode(mode OutputMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

// Format processes and outputs a single result based on the current mode
func (f *DefaultFormatter) Format(result model.CommandResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.mode {
	case StreamedMode:
		return f.formatStreamed(result)
	case BufferedMode:
		f.buffered[hostLabel(result)] = result
		return nil
	case JSONMode:
		return f.formatJSON(result)
	default:
		return fmt.Errorf("unknown output mode: %s", f.mode)
	}
}

// Finalize performs any cleanup or final output operations
func (f *DefaultFormatter) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mode == BufferedMode {
		return f.flushBuffered()
	}
	return nil
}

// hostLabel names a result in output: the connection name, else its hostname.
func hostLabel(result model.CommandResult) string {
	if result.ConnectionName != "" {
		return result.ConnectionName
	}
	if result.Hostname != "" {
		return result.Hostname
	}
	return result.ConnectionID
}

func exitCodeText(result model.CommandResult) string {
	if result.ExitCode == nil {
		return "none"
	}
	return strconv.Itoa(*result.ExitCode)
}

// stickyWriter remembers the first write error and drops later writes.
type stickyWriter struct {
	w   io.Writer
	err error
}

func (sw *stickyWriter) printf(format string, args ...any) {
	if sw.err == nil {
		_, sw.err = fmt.Fprintf(sw.w, format, args...)
	}
}

// lines writes text one line at a time, each behind prefix when one is set.
func (sw *stickyWriter) lines(prefix, text string) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() && sw.err == nil {
		if prefix == "" {
			sw.printf("%s\n", scanner.Text())
		} else {
			sw.printf("%s %s\n", prefix, scanner.Text())
		}
	}
	if sw.err == nil {
		sw.err = scanner.Err()
	}
}

func (sw *stickyWriter) result() error {
	if sw.err != nil {
		return fmt.Errorf("failed to write output: %w", sw.err)
	}
	return nil
}

// formatStreamed writes a result immediately, every line behind a [host] tag.
func (f *DefaultFormatter) formatStreamed(result model.CommandResult) error {
	sw := &stickyWriter{w: f.writer}
	tag := "[" + hostLabel(result) + "]"

	sw.lines(tag, result.Stdout)
	sw.lines(tag, result.Stderr)

	switch result.Status {
	case model.ResultSkipped:
		sw.printf("%s SKIPPED: %s\n", tag, result.Error)
	case model.ResultError:
		msg := result.Error
		if msg == "" {
			msg = "command failed"
		}
		sw.printf("%s ERROR: %s (exit code: %s)\n", tag, msg, exitCodeText(result))
	}
	return sw.result()
}

// flushBuffered writes one block per host, sorted by host label.
func (f *DefaultFormatter) flushBuffered() error {
	labels := make([]string, 0, len(f.buffered))
	for label := range f.buffered {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	sw := &stickyWriter{w: f.writer}
	for i, label := range labels {
		r := f.buffered[label]
		if i > 0 {
			sw.printf("\n")
		}
		sw.printf("=== %s ===\n", label)
		sw.lines("", r.Stdout)
		sw.lines("", r.Stderr)
		if r.Error != "" {
			kind := "ERROR"
			if r.Status == model.ResultSkipped {
				kind = "SKIPPED"
			}
			sw.printf("%s: %s\n", kind, r.Error)
		}
		sw.printf("Status: %s, Exit code: %s, Duration: %v\n", r.Status, exitCodeText(r), r.Duration())
	}

	f.buffered = make(map[string]model.CommandResult)
	return sw.result()
}

// JSONOutput is one NDJSON line.
type JSONOutput struct {
	ConnectionID string `json:"connection_id"`
	Host         string `json:"host"`
	Hostname     string `json:"hostname"`
	Status       string `json:"status"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ExitCode     *int   `json:"exit_code"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

func (f *DefaultFormatter) formatJSON(result model.CommandResult) error {
	err := json.NewEncoder(f.writer).Encode(JSONOutput{
		ConnectionID: result.ConnectionID,
		Host:         hostLabel(result),
		Hostname:     result.Hostname,
		Status:       string(result.Status),
		Stdout:       result.Stdout,
		Stderr:       result.Stderr,
		ExitCode:     result.ExitCode,
		DurationMs:   result.Duration().Milliseconds(),
		Error:        result.Error,
	})
	if err != nil {
		return fmt.Errorf("failed to write JSON: %w", err)
	}
	return nil
}
