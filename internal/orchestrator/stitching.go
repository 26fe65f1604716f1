package orchestrator

import (
	"context"
	"fmt"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/wudi/schemahub/internal/schema"
)

// Stitching composes plain GraphQL services. Identical duplicate
// definitions are tolerated (first occurrence wins); duplicates that
// differ are composition errors.
type Stitching struct{}

// NewStitching creates the stitching orchestrator.
func NewStitching() *Stitching {
	return &Stitching{}
}

func (s *Stitching) Validate(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) ([]schema.Error, error) {
	_, errs, err := composeStitchingLocal(ctx, schemas)
	if err != nil {
		return nil, err
	}
	return errs, nil
}

func (s *Stitching) Build(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) (*schema.Built, error) {
	sdl, errs, err := composeStitchingLocal(ctx, schemas)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, nil
	}
	return &schema.Built{Raw: sdl}, nil
}

func composeStitchingLocal(ctx context.Context, schemas []schema.Object) (string, []schema.Error, error) {
	if len(schemas) == 0 {
		return "", []schema.Error{{Message: "no schemas provided"}}, nil
	}

	var errs []schema.Error
	for _, sub := range schemas {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		if _, err := gqlparser.LoadSchema(&ast.Source{Name: sub.Service, Input: sub.Raw}); err != nil {
			errs = append(errs, gqlErrors(err, sub.Service)...)
		}
	}
	if len(errs) > 0 {
		return "", errs, nil
	}

	roots := make(map[string][]ownedField)
	rootSeen := make(map[string]ownedField)
	types := make(map[string]*mergedDef)
	directiveDefs := make(map[string]*ast.DirectiveDefinition)

	for _, sub := range schemas {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		doc := sub.Document
		if doc == nil {
			parsed, perr := parser.ParseSchema(&ast.Source{Name: sub.Service, Input: sub.Raw})
			if perr != nil {
				errs = append(errs, gqlErrors(perr, sub.Service)...)
				continue
			}
			doc = parsed
		}

		flat := schema.FlattenTypes(doc)
		for _, name := range sortedNames(flat) {
			def := flat[name]

			if rootTypes[name] {
				for _, fld := range def.Fields {
					key := name + "." + fld.Name
					if prev, ok := rootSeen[key]; ok {
						if fieldSignature(prev.field) == fieldSignature(fld) {
							continue
						}
						errs = append(errs, conflictError(name, fld.Name, prev.service, sub.Service))
						continue
					}
					of := ownedField{field: fld, service: sub.Service}
					rootSeen[key] = of
					roots[name] = append(roots[name], of)
				}
				continue
			}

			existing, ok := types[name]
			if !ok {
				types[name] = &mergedDef{def: def, service: sub.Service}
				continue
			}
			if definitionSignature(def) != definitionSignature(existing.def) {
				errs = append(errs, schema.Error{
					Message: fmt.Sprintf("type conflict: %s defined in both %q and %q", name, existing.service, sub.Service),
					Path:    name,
				})
			}
		}

		for dname, ddef := range schema.DirectiveDefs(doc) {
			if _, ok := directiveDefs[dname]; !ok {
				directiveDefs[dname] = ddef
			}
		}
	}

	if len(errs) > 0 {
		return "", errs, nil
	}
	if len(roots["Query"]) == 0 {
		return "", []schema.Error{{Message: "composed schema defines no Query type"}}, nil
	}

	sdl := printDocument(assembleDocument(roots, types, directiveDefs))

	if _, err := gqlparser.LoadSchema(&ast.Source{Name: "stitched", Input: sdl}); err != nil {
		return "", gqlErrors(err, ""), nil
	}
	return sdl, nil, nil
}
