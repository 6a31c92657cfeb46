package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-plex/internal/model"
)

func result(name string, status model.ResultStatus, code int, stdout, errMsg string) model.CommandResult {
	start := time.Now()
	end := start.Add(1500 * time.Millisecond)
	r := model.CommandResult{
		ConnectionID:   "id-" + name,
		ConnectionName: name,
		Hostname:       name + ".example.com",
		Status:         status,
		Stdout:         stdout,
		Error:          errMsg,
		StartedAt:      &start,
		CompletedAt:    &end,
	}
	if status != model.ResultSkipped {
		r.ExitCode = &code
	}
	return r
}

func TestStreamedPrefixesEveryLine(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(StreamedMode, &buf)

	require.NoError(t, f.Format(result("web-01", model.ResultSuccess, 0, "a\nb\n", "")))
	require.NoError(t, f.Format(result("web-02", model.ResultError, 3, "", "")))
	require.NoError(t, f.Format(result("dc-01", model.ResultSkipped, 0, "", "Host OS windows does not match target OS linux")))
	require.NoError(t, f.Finalize())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"[web-01] a",
		"[web-01] b",
		"[web-02] ERROR: command failed (exit code: 3)",
		"[dc-01] SKIPPED: Host OS windows does not match target OS linux",
	}, lines)
}

func TestBufferedSortsByHost(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(BufferedMode, &buf)

	require.NoError(t, f.Format(result("web-02", model.ResultSuccess, 0, "two", "")))
	require.NoError(t, f.Format(result("web-01", model.ResultSuccess, 0, "one\n", "")))
	assert.Empty(t, buf.String(), "buffered output waits for Finalize")

	require.NoError(t, f.Finalize())
	out := buf.String()
	assert.Less(t, strings.Index(out, "=== web-01 ==="), strings.Index(out, "=== web-02 ==="))
	assert.Contains(t, out, "one\n")
	assert.Contains(t, out, "two\n")
	assert.Contains(t, out, "Status: success, Exit code: 0, Duration: 1.5s")
}

func TestJSONEmitsOneObjectPerResult(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(JSONMode, &buf)

	require.NoError(t, f.Format(result("web-01", model.ResultSuccess, 0, "up", "")))
	require.NoError(t, f.Format(result("dc-01", model.ResultSkipped, 0, "", "Execution cancelled")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second JSONOutput
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))

	assert.Equal(t, "web-01", first.Host)
	assert.Equal(t, "success", first.Status)
	require.NotNil(t, first.ExitCode)
	assert.Equal(t, 0, *first.ExitCode)
	assert.Equal(t, int64(1500), first.DurationMs)

	assert.Equal(t, "skipped", second.Status)
	assert.Nil(t, second.ExitCode)
	assert.Equal(t, "Execution cancelled", second.Error)
}

func TestParseMode(t *testing.T) {
	for _, m := range []string{"streamed", "buffered", "json"} {
		got, err := ParseMode(m)
		require.NoError(t, err)
		assert.Equal(t, OutputMode(m), got)
	}
	_, err := ParseMode("table")
	assert.Error(t, err)
}
