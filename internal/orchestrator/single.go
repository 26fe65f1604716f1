package orchestrator

import (
	"context"
	"fmt"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/wudi/schemahub/internal/schema"
)

// Single composes projects that publish exactly one schema. Composition
// is plain schema validation; building normalizes the SDL.
type Single struct{}

// NewSingle creates the single-schema orchestrator.
func NewSingle() *Single {
	return &Single{}
}

func (s *Single) Validate(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) ([]schema.Error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(schemas) == 0 {
		return []schema.Error{{Message: "no schemas provided"}}, nil
	}
	if len(schemas) > 1 {
		return []schema.Error{{Message: fmt.Sprintf("single schema projects accept exactly one schema, got %d", len(schemas))}}, nil
	}

	obj := schemas[0]
	if _, err := gqlparser.LoadSchema(&ast.Source{Name: obj.Service, Input: obj.Raw}); err != nil {
		return gqlErrors(err, ""), nil
	}
	return nil, nil
}

func (s *Single) Build(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) (*schema.Built, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(schemas) != 1 {
		return nil, nil
	}

	obj := schemas[0]
	if _, err := gqlparser.LoadSchema(&ast.Source{Name: obj.Service, Input: obj.Raw}); err != nil {
		return nil, nil
	}

	doc := obj.Document
	if doc == nil {
		parsed, err := parser.ParseSchema(&ast.Source{Name: obj.Service, Input: obj.Raw})
		if err != nil {
			return nil, nil
		}
		doc = parsed
	}
	return &schema.Built{Raw: printDocument(doc)}, nil
}
