package audit

import (
	"github.com/rs/zerolog"
)

// Result values for audit events.
const (
	ResultCommitted = "committed"
	ResultFailed    = "failed"
	ResultValid     = "valid"
	ResultInvalid   = "invalid"
)

// Logger provides structured audit logging for evidence lifecycle events.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards all events.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// CommitEvent describes one pass through the commit pipeline.
type CommitEvent struct {
	RequestID string
	Name      string
	ContentID string
	TxHash    string
	Height    int64
	Result    string
	Kind      string // error kind for failed commits
	Details   string
	SourceIP  string
}

// LogCommit logs the outcome of a commit.
// Failed commits are logged at warn level with the error kind.
func (l *Logger) LogCommit(ev CommitEvent) {
	level := zerolog.InfoLevel
	if ev.Result != ResultCommitted {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "commit").
		Str("name", ev.Name).
		Str("result", ev.Result)

	if ev.RequestID != "" {
		event = event.Str("request_id", ev.RequestID)
	}
	if ev.ContentID != "" {
		event = event.Str("content_id", ev.ContentID)
	}
	if ev.TxHash != "" {
		event = event.Str("tx_hash", ev.TxHash).Int64("height", ev.Height)
	}
	if ev.Kind != "" {
		event = event.Str("kind", ev.Kind)
	}
	if ev.Details != "" {
		event = event.Str("details", ev.Details)
	}
	if ev.SourceIP != "" {
		event = event.Str("source_ip", ev.SourceIP)
	}

	event.Msg("Evidence commit")
}

// LogDeepLink logs a content identifier check requested through a deep link.
// contentID: identifier from the link
// result: "valid" or "invalid"
// sourceIP: source IP address of the request (may be empty for local checks)
func (l *Logger) LogDeepLink(contentID, result, sourceIP string) {
	level := zerolog.InfoLevel
	if result == ResultInvalid {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "deep_link").
		Str("content_id", contentID).
		Str("result", result)

	if sourceIP != "" {
		event = event.Str("source_ip", sourceIP)
	}

	event.Msg("Deep link check")
}

// LogReadFailure logs an abandoned full-list read.
// records: number of records the ledger reported
// details: the failing read
func (l *Logger) LogReadFailure(records uint64, details string) {
	l.logger.Warn().
		Str("event_type", "read_failure").
		Uint64("records", records).
		Str("details", details).
		Msg("Evidence list read failed")
}
