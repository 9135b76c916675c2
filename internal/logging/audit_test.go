package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestAuditLog_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	a := NewAudit(&buf)
	a.now = func() time.Time { return time.UnixMilli(1700000000000) }

	a.SessionStart("ecommerce01/session_00001", "run-1", true)
	a.SessionEnd("ecommerce01/session_00001", "run-1", "end", "completed",
		[]string{"home", "pdl"}, 1500*time.Millisecond, nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var start, end AuditEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &start))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &end))

	assert.Equal(t, AuditSessionStart, start.EventType)
	assert.True(t, start.Restored)
	assert.Equal(t, int64(1700000000000), start.Timestamp)
	assert.Equal(t, "completed", end.Outcome)
	assert.Equal(t, int64(1500), end.DurationMs)
	assert.Equal(t, []string{"home", "pdl"}, end.History)
	assert.Empty(t, end.Error)
}

func TestAuditLog_NilIsNoop(t *testing.T) {
	var a *AuditLog
	assert.NotPanics(t, func() {
		a.SessionStart("s", "r", false)
		a.AcquireError("s", "r", errors.New("boom"))
	})
	assert.NoError(t, a.Close())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestAuditLog_WriteFailureIsLogged(t *testing.T) {
	logs := observe(t, zapcore.WarnLevel)

	NewAudit(failingWriter{}).AcquireError("s", "r", errors.New("no browser"))

	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "disk full")
}

func TestAuditLog_ConcurrentWritesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	a := NewAudit(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.SessionStart("s", "r", false)
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 16)
	for _, l := range lines {
		assert.True(t, json.Valid([]byte(l)), l)
	}
}

func TestOpenAudit_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")

	a, err := OpenAudit(path)
	require.NoError(t, err)
	a.SessionStart("s1", "r1", false)
	require.NoError(t, a.Close())

	a, err = OpenAudit(path)
	require.NoError(t, err)
	a.SessionStart("s2", "r2", false)
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}
