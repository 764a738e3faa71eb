package telemetry

import (
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const canonicalUUIDLength = 36

// IsValidInstanceID reports whether candidate is a canonical time-ordered
// UUID (version 7, RFC 4122 variant).
func IsValidInstanceID(candidate string) bool {
	if len(candidate) != canonicalUUIDLength {
		return false
	}
	id, err := uuid.Parse(candidate)
	if err != nil {
		return false
	}
	return id.Version() == 7 && id.Variant() == uuid.RFC4122
}

// InstanceGuard drops messages from unrecognised instance ids and warns once
// per id for the lifetime of the guard.
type InstanceGuard struct {
	enabled bool
	logger  *log.Logger

	mu         sync.Mutex
	suppressed map[string]struct{}
}

// NewInstanceGuard constructs a guard. A disabled guard allows every id.
func NewInstanceGuard(enabled bool, logger *log.Logger) *InstanceGuard {
	if logger == nil {
		logger = log.Default()
	}
	return &InstanceGuard{
		enabled:    enabled,
		logger:     logger,
		suppressed: make(map[string]struct{}),
	}
}

// Allow reports whether messages from id should be processed.
func (g *InstanceGuard) Allow(id string) bool {
	if g == nil || !g.enabled {
		return true
	}
	if IsValidInstanceID(id) {
		return true
	}
	g.mu.Lock()
	_, seen := g.suppressed[id]
	if !seen {
		g.suppressed[id] = struct{}{}
	}
	g.mu.Unlock()
	if !seen {
		g.logger.Printf("instance guard: dropping messages from invalid instance id %q", id)
	}
	return false
}

// Suppressed returns how many distinct invalid ids have been seen.
func (g *InstanceGuard) Suppressed() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.suppressed)
}

// SplitTopic separates "<root>/<instanceId>/<path>" into its parts.
func SplitTopic(root, topic string) (instanceID, path string, ok bool) {
	prefix := root + topicSeparator
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}
	rest := topic[len(prefix):]
	instanceID, path, found := strings.Cut(rest, topicSeparator)
	if !found || instanceID == "" || path == "" {
		return "", "", false
	}
	return instanceID, path, true
}

// InstancePrefix returns the topic prefix shared by every topic of an instance.
func InstancePrefix(root, instanceID string) string {
	return root + topicSeparator + instanceID + topicSeparator
}
