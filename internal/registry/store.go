// Package registry persists published schemas and runs the validation
// pipeline that decides whether a proposed revision may be published.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/wudi/schemahub/internal/schema"
)

// Publish actions.
const (
	ActionPublish = "publish"
	ActionDelete  = "delete"
)

// ErrNotFound is returned when a target or resource does not exist.
var ErrNotFound = errors.New("not found")

// Subgraph is the stored entry for one service under a target.
type Subgraph struct {
	Service     string    `json:"service"`
	URL         string    `json:"url,omitempty"`
	SDL         string    `json:"sdl"`
	Checksum    string    `json:"checksum"`
	VersionID   string    `json:"version_id"`
	PublishedAt time.Time `json:"published_at"`
}

// Version is one accepted publish for a target.
type Version struct {
	ID          string          `json:"id"`
	Action      string          `json:"action"`
	Service     string          `json:"service"`
	URL         string          `json:"url,omitempty"`
	SDL         string          `json:"sdl,omitempty"`
	Checksum    string          `json:"checksum,omitempty"`
	Supergraph  string          `json:"supergraph,omitempty"`
	Changes     []schema.Change `json:"changes,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// TargetState is the current registry state for a target: the ordered
// subgraph set and the supergraph composed from it by the last accepted
// version.
type TargetState struct {
	Subgraphs  []Subgraph `json:"subgraphs"`
	Supergraph string     `json:"supergraph,omitempty"`
	VersionID  string     `json:"version_id"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Subgraph returns the entry for a service, or nil.
func (ts *TargetState) Subgraph(service string) *Subgraph {
	if ts == nil {
		return nil
	}
	for i := range ts.Subgraphs {
		if ts.Subgraphs[i].Service == service {
			return &ts.Subgraphs[i]
		}
	}
	return nil
}

// Store persists target state, version history and base schemas.
type Store interface {
	// Latest returns the current state for a target, or nil when the
	// target has no versions.
	Latest(ctx context.Context, sel schema.TargetSelector) (*TargetState, error)

	// Insert applies a version to the target state and appends it to
	// the history. Callers serialize inserts per target.
	Insert(ctx context.Context, sel schema.TargetSelector, version Version) error

	// History returns up to limit versions, newest first. limit <= 0
	// uses the store's retention limit.
	History(ctx context.Context, sel schema.TargetSelector, limit int) ([]Version, error)

	// SetBaseSchema stores the base schema fragment for a target. An
	// empty value clears it.
	SetBaseSchema(ctx context.Context, sel schema.TargetSelector, base string) error

	// BaseSchema returns the base schema fragment, or "" when unset.
	BaseSchema(ctx context.Context, sel schema.TargetSelector) (string, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// applyVersion produces the next target state after a version.
func applyVersion(state *TargetState, v Version) *TargetState {
	next := &TargetState{
		Supergraph: v.Supergraph,
		VersionID:  v.ID,
		UpdatedAt:  v.PublishedAt,
	}
	if state != nil {
		next.Subgraphs = append(next.Subgraphs, state.Subgraphs...)
	}

	if v.Action == ActionDelete {
		kept := next.Subgraphs[:0]
		for _, sg := range next.Subgraphs {
			if sg.Service != v.Service {
				kept = append(kept, sg)
			}
		}
		next.Subgraphs = kept
		return next
	}

	entry := Subgraph{
		Service:     v.Service,
		URL:         v.URL,
		SDL:         v.SDL,
		Checksum:    v.Checksum,
		VersionID:   v.ID,
		PublishedAt: v.PublishedAt,
	}
	for i := range next.Subgraphs {
		if next.Subgraphs[i].Service == v.Service {
			next.Subgraphs[i] = entry
			return next
		}
	}
	next.Subgraphs = append(next.Subgraphs, entry)
	return next
}
