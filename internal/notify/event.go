package notify

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/schemahub/internal/schema"
)

// EventType represents a registry event type.
type EventType string

const (
	SchemaPublished  EventType = "schema.published"
	ValidationFailed EventType = "validation.failed"
	BreakingAccepted EventType = "breaking.accepted"
)

// Event represents a registry event payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Target    string                 `json:"target,omitempty"` // org/project/target
	Service   string                 `json:"service,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates a new Event with a fresh id and the current timestamp.
func NewEvent(typ EventType, selector schema.TargetSelector, service string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Target:    selector.String(),
		Service:   service,
		Data:      data,
	}
}

// matchesPattern checks if an event type matches a subscription pattern.
// Supports exact match and wildcard prefix (e.g., "schema.*" matches
// "schema.published"). "*" matches everything.
func matchesPattern(eventType EventType, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(string(eventType), prefix+".")
	}
	return string(eventType) == pattern
}
