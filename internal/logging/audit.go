package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one line of the session audit trail.
type AuditEventType string

const (
	AuditSessionStart AuditEventType = "session_start" // identity acquired
	AuditSessionEnd   AuditEventType = "session_end"   // identity released
	AuditAcquireError AuditEventType = "acquire_error" // no browser context could be prepared
)

// AuditEvent is one JSON line of the audit trail.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	SessionID  string         `json:"session"`
	RunID      string         `json:"run"`
	Restored   bool           `json:"restored,omitempty"`
	Step       string         `json:"step,omitempty"`    // last step reached
	Outcome    string         `json:"outcome,omitempty"` // completed, dropped_off, failed
	History    []string       `json:"history,omitempty"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditLog appends session lifecycle events as JSON lines. A nil *AuditLog
// discards everything, so callers never need to check.
type AuditLog struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// OpenAudit appends to the file at path, creating it and its directory.
func OpenAudit(path string) (*AuditLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}
	a := NewAudit(file)
	a.closer = file
	return a, nil
}

// NewAudit writes the trail to w.
func NewAudit(w io.Writer) *AuditLog {
	return &AuditLog{w: w, now: time.Now}
}

// Log writes one event. Write failures are reported once per event on the boot
// logger and otherwise ignored.
func (a *AuditLog) Log(event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = a.now().UnixMilli()
	}
	data, err := json.Marshal(event)
	if err != nil {
		BootWarn("audit: marshal %s: %v", event.EventType, err)
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		BootWarn("audit: write %s: %v", event.EventType, err)
	}
}

// Close closes the underlying file, if OpenAudit created one.
func (a *AuditLog) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closer.Close()
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// SessionStart logs an acquired session.
func (a *AuditLog) SessionStart(sessionID, runID string, restored bool) {
	a.Log(AuditEvent{
		EventType: AuditSessionStart,
		SessionID: sessionID,
		RunID:     runID,
		Restored:  restored,
	})
}

// SessionEnd logs a released session with where it stopped and why.
func (a *AuditLog) SessionEnd(sessionID, runID, step, outcome string, history []string, d time.Duration, err error) {
	e := AuditEvent{
		EventType:  AuditSessionEnd,
		SessionID:  sessionID,
		RunID:      runID,
		Step:       step,
		Outcome:    outcome,
		History:    history,
		DurationMs: d.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	a.Log(e)
}

// AcquireError logs a session that never got a browser context.
func (a *AuditLog) AcquireError(sessionID, runID string, err error) {
	a.Log(AuditEvent{
		EventType: AuditAcquireError,
		SessionID: sessionID,
		RunID:     runID,
		Error:     err.Error(),
	})
}
