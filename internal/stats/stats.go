// Package stats keeps a live statistics line for running executions.
package stats

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"fleet-plex/internal/model"
)

// Snapshot is a point-in-time copy of an execution's counters.
type Snapshot struct {
	StartTime   time.Time
	Elapsed     time.Duration
	Total       int
	Succeeded   int
	Failed      int
	Skipped     int
	Running     int
	NonZeroExit int
	OutputBytes int64
	// Started counts dispatched hosts per OS.
	Started     map[model.OSType]int
	Slowest     string
	SlowestTime time.Duration
}

// Done is the number of hosts with a terminal result.
func (s Snapshot) Done() int {
	return s.Succeeded + s.Failed + s.Skipped
}

// Rate is terminal results per second since the start.
func (s Snapshot) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Done()) / s.Elapsed.Seconds()
}

// ETA estimates the time left from the current rate. ok is false until at
// least one host has finished.
func (s Snapshot) ETA() (eta time.Duration, ok bool) {
	rate := s.Rate()
	if rate <= 0 {
		return 0, false
	}
	left := s.Total - s.Done()
	return time.Duration(float64(left) / rate * float64(time.Second)), true
}

// StatsTracker counts host outcomes for one execution and, when enabled,
// redraws a status line every second.
type StatsTracker struct {
	mu    sync.Mutex
	snap  Snapshot
	clock func() time.Time

	writer   io.Writer
	enabled  bool
	interval time.Duration
	stop     chan struct{}
	stopped  chan struct{}
}

// NewStatsTracker creates a tracker for total hosts
func NewStatsTracker(total int, writer io.Writer, enabled bool) *StatsTracker {
	return &StatsTracker{
		snap: Snapshot{
			StartTime: time.Now(),
			Total:     total,
			Started:   make(map[model.OSType]int),
		},
		clock:    time.Now,
		writer:   writer,
		enabled:  enabled,
		interval: time.Second,
	}
}

// Start begins redrawing the status line. It is a no-op when disabled.
func (st *StatsTracker) Start() {
	if !st.enabled || st.stop != nil {
		return
	}
	st.stop = make(chan struct{})
	st.stopped = make(chan struct{})

	go func() {
		defer close(st.stopped)
		ticker := time.NewTicker(st.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.drawLine(st.Snapshot())
			case <-st.stop:
				return
			}
		}
	}()
}

// Stop ends the redraw loop and prints the final block.
func (st *StatsTracker) Stop() {
	if st.stop != nil {
		close(st.stop)
		<-st.stopped
		st.stop = nil
	}
	if st.enabled {
		st.drawFinal(st.Snapshot())
	}
}

// UpdateHostStarted records a dispatched host.
func (st *StatsTracker) UpdateHostStarted(conn model.ServerConnection) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.snap.Running++
	st.snap.Started[conn.OSType]++
}

// UpdateHostCompleted records a host's terminal result. Skipped hosts were
// never started and do not touch the running count.
func (st *StatsTracker) UpdateHostCompleted(result model.CommandResult) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := &st.snap
	s.OutputBytes += int64(len(result.Stdout) + len(result.Stderr))

	switch result.Status {
	case model.ResultSkipped:
		s.Skipped++
		return
	case model.ResultSuccess:
		s.Succeeded++
	default:
		s.Failed++
		if result.ExitCode != nil && *result.ExitCode != 0 {
			s.NonZeroExit++
		}
	}
	if s.Running > 0 {
		s.Running--
	}

	if d := result.Duration(); d > s.SlowestTime {
		s.SlowestTime = d
		s.Slowest = result.ConnectionName
		if s.Slowest == "" {
			s.Slowest = result.Hostname
		}
	}
}

// Snapshot returns a copy of the current counters.
func (st *StatsTracker) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := st.snap
	out.Elapsed = st.clock().Sub(st.snap.StartTime)
	out.Started = make(map[model.OSType]int, len(st.snap.Started))
	for os, n := range st.snap.Started {
		out.Started[os] = n
	}
	return out
}

func (st *StatsTracker) drawLine(s Snapshot) {
	eta := "ETA: calculating..."
	if d, ok := s.ETA(); ok {
		eta = fmt.Sprintf("ETA: %v", d.Round(time.Second))
	}
	fmt.Fprintf(st.writer, "\r\033[K📊 Hosts: %d/%d (✓%d ✗%d ⊘%d ~%d) | %s | Rate: %.1f h/s | Output: %s | %s | %v",
		s.Done(), s.Total, s.Succeeded, s.Failed, s.Skipped, s.Running,
		formatStarted(s.Started), s.Rate(), formatBytes(s.OutputBytes), eta,
		s.Elapsed.Round(time.Second))
}

func (st *StatsTracker) drawFinal(s Snapshot) {
	w := st.writer
	fmt.Fprint(w, "\r\033[K\n📈 Final Statistics:\n")
	fmt.Fprintf(w, "   Total Hosts: %d\n", s.Total)
	fmt.Fprintf(w, "   Successful: %d (%.1f%%)\n", s.Succeeded, percent(s.Succeeded, s.Total))
	fmt.Fprintf(w, "   Failed: %d (%.1f%%)\n", s.Failed, percent(s.Failed, s.Total))
	fmt.Fprintf(w, "   Skipped: %d\n", s.Skipped)
	fmt.Fprintf(w, "   Non-zero Exits: %d\n", s.NonZeroExit)
	fmt.Fprintf(w, "   Dispatched: %s\n", formatStarted(s.Started))
	if s.Slowest != "" {
		fmt.Fprintf(w, "   Slowest Host: %s (%v)\n", s.Slowest, s.SlowestTime.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "   Output Captured: %s\n", formatBytes(s.OutputBytes))
	fmt.Fprintf(w, "   Execution Time: %v\n", s.Elapsed.Round(time.Second))
	if rate := s.Rate(); rate > 0 {
		fmt.Fprintf(w, "   Average Rate: %.2f hosts/second\n", rate)
	}
	fmt.Fprintln(w)
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// formatStarted renders per-OS dispatch counts as "linux 3, windows 1".
func formatStarted(started map[model.OSType]int) string {
	if len(started) == 0 {
		return "none started"
	}
	parts := make([]string, 0, len(started))
	for os, n := range started {
		name := string(os)
		if name == "" {
			name = "unknown"
		}
		parts = append(parts, fmt.Sprintf("%s %d", name, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

// formatBytes formats byte count in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
