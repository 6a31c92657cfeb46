// Package progress draws a terminal progress bar for running executions.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fleet-plex/internal/model"
)

const (
	barWidth     = 40
	redrawPeriod = 100 * time.Millisecond
)

// ProgressTracker redraws a single progress line as host results arrive.
type ProgressTracker struct {
	mu       sync.Mutex
	total    int
	counts   map[model.ResultStatus]int
	start    time.Time
	lastDraw time.Time

	writer  io.Writer
	enabled bool
}

// NewProgressTracker creates a tracker for total hosts
func NewProgressTracker(total int, writer io.Writer, enabled bool) *ProgressTracker {
	return &ProgressTracker{
		total:   total,
		counts:  make(map[model.ResultStatus]int),
		start:   time.Now(),
		writer:  writer,
		enabled: enabled,
	}
}

// Update counts one host's terminal status. Anything other than success or
// skipped counts as a failure.
func (p *ProgressTracker) Update(status model.ResultStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status != model.ResultSuccess && status != model.ResultSkipped {
		status = model.ResultError
	}
	p.counts[status]++

	if !p.enabled || p.total == 0 {
		return
	}
	now := time.Now()
	if now.Sub(p.lastDraw) < redrawPeriod {
		return
	}
	p.lastDraw = now
	fmt.Fprint(p.writer, "\r"+p.line(now))
}

// Finish clears the bar and prints a one-line outcome.
func (p *ProgressTracker) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}
	ok, failed, skipped := p.counts[model.ResultSuccess], p.counts[model.ResultError], p.counts[model.ResultSkipped]
	elapsed := time.Since(p.start).Round(time.Second)

	fmt.Fprintf(p.writer, "\r%s\r", strings.Repeat(" ", 100))
	if failed == 0 && skipped == 0 {
		fmt.Fprintf(p.writer, "✓ Completed %d/%d hosts successfully in %v\n", ok, p.total, elapsed)
		return
	}
	fmt.Fprintf(p.writer, "⚠ Completed %d/%d hosts (%d successful, %d failed, %d skipped) in %v\n",
		ok+failed+skipped, p.total, ok, failed, skipped, elapsed)
}

// line renders e.g. [████████░░░░] 75.0% (15/20) ✓12 ✗2 ⊘1 [2m30s] ETA: 50s
func (p *ProgressTracker) line(now time.Time) string {
	ok, failed, skipped := p.counts[model.ResultSuccess], p.counts[model.ResultError], p.counts[model.ResultSkipped]
	done := ok + failed + skipped
	elapsed := now.Sub(p.start)

	eta := "ETA: calculating..."
	if done > 0 {
		perHost := elapsed / time.Duration(done)
		eta = fmt.Sprintf("ETA: %v", (perHost * time.Duration(p.total-done)).Round(time.Second))
	}

	return fmt.Sprintf("[%s] %.1f%% (%d/%d) ✓%d ✗%d ⊘%d [%v] %s",
		renderBar(done, p.total, barWidth), float64(done)/float64(p.total)*100,
		done, p.total, ok, failed, skipped, elapsed.Round(time.Second), eta)
}

// renderBar fills width cells in proportion to done/total.
func renderBar(done, total, width int) string {
	filled := 0
	if total > 0 {
		filled = done * width / total
	}
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// GetStats returns current progress statistics
func (p *ProgressTracker) GetStats() (completed, failed, skipped, total int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.counts[model.ResultSuccess], p.counts[model.ResultError], p.counts[model.ResultSkipped],
		p.total, time.Since(p.start)
}
