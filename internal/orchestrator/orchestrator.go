// Package orchestrator composes the schemas of a target into one schema.
// One orchestrator exists per project type; all expected composition
// failures come back as error lists, never as Go errors.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/wudi/schemahub/internal/schema"
)

// Orchestrator validates and builds composed schemas.
type Orchestrator interface {
	// Validate checks whether the schema set composes. Expected
	// composition failures are returned as the list; the error return
	// carries faults only (transport, cancellation).
	Validate(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) ([]schema.Error, error)

	// Build composes the schema set. A nil Built with a nil error means
	// the set legitimately produced no schema (empty input or a set that
	// does not compose).
	Build(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) (*schema.Built, error)
}

// Set holds one orchestrator per project type.
type Set struct {
	byType map[schema.ProjectType]Orchestrator
	cache  *Cache
}

// NewSet builds the orchestrators for all project types. external may be
// nil when no external composition service is configured; cache may be
// nil to disable composition caching.
func NewSet(external *ExternalComposer, cache *Cache) *Set {
	wrap := func(o Orchestrator, kind schema.ProjectType) Orchestrator {
		if cache == nil {
			return o
		}
		return WithCache(o, kind, cache)
	}
	return &Set{
		byType: map[schema.ProjectType]Orchestrator{
			schema.ProjectSingle:     wrap(NewSingle(), schema.ProjectSingle),
			schema.ProjectFederation: wrap(NewFederation(external), schema.ProjectFederation),
			schema.ProjectStitching:  wrap(NewStitching(), schema.ProjectStitching),
		},
		cache: cache,
	}
}

// ForProject returns the orchestrator for a project type.
func (s *Set) ForProject(t schema.ProjectType) (Orchestrator, error) {
	o, ok := s.byType[t]
	if !ok {
		return nil, fmt.Errorf("unknown project type %q", t)
	}
	return o, nil
}

// CacheStats reports composition cache counters. ok is false when
// caching is disabled.
func (s *Set) CacheStats() (map[string]interface{}, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Stats(), true
}

// gqlErrors converts a gqlparser error into the composition error list.
// When service is non-empty every message is tagged with it.
func gqlErrors(err error, service string) []schema.Error {
	tag := func(msg string) string {
		if service == "" {
			return msg
		}
		return fmt.Sprintf("[%s] %s", service, msg)
	}

	var list gqlerror.List
	if errors.As(err, &list) {
		out := make([]schema.Error, 0, len(list))
		for _, e := range list {
			out = append(out, schema.Error{Message: tag(e.Message)})
		}
		return out
	}

	var single *gqlerror.Error
	if errors.As(err, &single) {
		return []schema.Error{{Message: tag(single.Message)}}
	}
	return []schema.Error{{Message: tag(err.Error())}}
}
