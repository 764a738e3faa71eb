package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"evcc-ingest/internal/auth"
)

// Entry represents an audit log entry for an admin action.
type Entry struct {
	ID            string
	Actor         string
	Role          string
	Action        string
	Resource      string
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates a time-ordered audit id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FromRequest builds an entry for action on resource, taking the actor from
// the authenticated request context.
func FromRequest(r *http.Request, action, resource string, metadata any) Entry {
	entry := Entry{
		ID:        NewID(),
		Action:    action,
		Resource:  resource,
		CreatedAt: time.Now().UTC(),
	}
	if r == nil {
		return entry
	}
	entry.Actor = auth.SubjectFromContext(r.Context())
	entry.Role = string(auth.RoleFromContext(r.Context()))
	entry.UserAgent = r.UserAgent()
	entry.IP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		entry.IP = host
	}
	if metadata != nil {
		if data, err := json.Marshal(metadata); err == nil {
			entry.Metadata = data
			entry.PayloadDigest = DigestJSON(data)
		}
	}
	return entry
}

// LogWriter prints audit entries to a logger. It is used when no database is
// configured.
type LogWriter struct {
	logger *log.Logger
}

// NewLogWriter constructs a LogWriter.
func NewLogWriter(logger *log.Logger) *LogWriter {
	if logger == nil {
		logger = log.Default()
	}
	return &LogWriter{logger: logger}
}

// Log prints the entry.
func (w *LogWriter) Log(ctx context.Context, entry Entry) error {
	_ = ctx
	actor := entry.Actor
	if actor == "" {
		actor = "anonymous"
	}
	w.logger.Printf("audit: %s %s %s role=%s ip=%s metadata=%s", actor, entry.Action, entry.Resource, entry.Role, entry.IP, entry.Metadata)
	return nil
}
