// Package requestlog implements the structured per-request debug dump
// (§6 ENABLE_PLUGIN_REQUEST_LOGGING): a diagnostic side-channel file
// sink distinct from the operational logger, in the spirit of the
// teacher's own data-sink writers (pricing_service.go's
// os.MkdirAll+os.WriteFile pattern for its pricing snapshot cache).
package requestlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Dump is one request's pre-transform body, post-transform body, and
// final upstream response status. The bodies are embedded as raw JSON,
// unchanged apart from whitespace compaction (no redaction: this is
// opt-in local diagnostic tooling, not a shipped log).
type Dump struct {
	Timestamp     string          `json:"timestamp"`
	PreTransform  json.RawMessage `json:"pre_transform_body"`
	PostTransform json.RawMessage `json:"post_transform_body"`
	StatusCode    int             `json:"response_status,omitempty"`
}

// Writer writes one Dump per call to a timestamped JSON file under
// dir. A nil *Writer is a valid no-op, so callers can hold one
// unconditionally and skip a nil check at each call site.
type Writer struct {
	dir string
	log *slog.Logger
}

// New returns a Writer rooted at dir. log, if nil, defaults to
// slog.Default().
func New(dir string, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{dir: dir, log: log}
}

// Write serializes pre/post and the response status to
// <dir>/<timestamp>.json. Failures are logged, never returned: a
// diagnostic dump must never fail the request it is describing.
func (w *Writer) Write(pre, post []byte, statusCode int) {
	if w == nil {
		return
	}

	dump := Dump{
		Timestamp:     time.Now().UTC().Format("20060102T150405.000000000Z"),
		PreTransform:  json.RawMessage(pre),
		PostTransform: json.RawMessage(post),
		StatusCode:    statusCode,
	}

	data, err := json.Marshal(dump)
	if err != nil {
		w.log.Warn("request dump marshal failed", "error", err)
		return
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.log.Warn("request dump directory creation failed", "dir", w.dir, "error", err)
		return
	}

	path := filepath.Join(w.dir, dump.Timestamp+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		w.log.Warn("request dump write failed", "path", path, "error", err)
	}
}
