// Package schema holds the registry data model: per-service schema objects,
// composed schemas, targets, projects and the change/error taxonomy shared
// by the orchestrator, inspector and validation packages.
package schema

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Object is one service's schema: raw SDL, its parsed document and a
// content checksum. Objects are immutable once built; construct them
// through a Helper.
type Object struct {
	Service  string
	URL      string
	Raw      string
	Document *ast.SchemaDocument

	checksum string
}

// Checksum returns the content checksum of the raw SDL.
func (o *Object) Checksum() string {
	if o.checksum == "" {
		o.checksum = Checksum(o.Raw)
	}
	return o.checksum
}

// Built is a composed schema produced by an orchestrator.
type Built struct {
	Raw string
}

// Checksum computes a stable content checksum over raw SDL bytes. Equal
// bytes hash equal across process restarts; no normalization is applied.
func Checksum(raw string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(raw))
}

// Helper parses raw SDL into Objects and computes their checksums.
type Helper struct{}

// NewHelper returns a Helper backed by gqlparser and xxhash.
func NewHelper() *Helper {
	return &Helper{}
}

// Object parses raw SDL and returns the schema object for one service.
// The service name is used as the source name so parse errors carry it.
func (h *Helper) Object(service, url, raw string) (*Object, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: service, Input: raw})
	if err != nil {
		return nil, fmt.Errorf("parse schema %q: %w", service, err)
	}
	return &Object{
		Service:  service,
		URL:      url,
		Raw:      raw,
		Document: doc,
		checksum: Checksum(raw),
	}, nil
}

// Checksum returns the object's content checksum.
func (h *Helper) Checksum(o *Object) string {
	return o.Checksum()
}
