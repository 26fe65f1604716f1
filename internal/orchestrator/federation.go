package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/wudi/schemahub/internal/schema"
)

// Federation composes subgraphs into a supergraph. Root fields must be
// uniquely owned unless marked @shareable; entity types (those carrying
// @key) merge field-by-field; value types must agree everywhere. When an
// external composition config is passed, the whole job is delegated to
// the external service instead.
type Federation struct {
	external *ExternalComposer
}

// NewFederation creates the federation orchestrator. external may be nil
// when no external composition service is configured.
func NewFederation(external *ExternalComposer) *Federation {
	return &Federation{external: external}
}

func (f *Federation) Validate(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) ([]schema.Error, error) {
	if external != nil {
		if f.external == nil {
			return nil, fmt.Errorf("external composition requested but no composer is configured")
		}
		res, err := f.external.Compose(ctx, schemas, *external)
		if err != nil {
			return nil, err
		}
		return res.Errors, nil
	}

	_, errs, err := composeFederationLocal(ctx, schemas)
	if err != nil {
		return nil, err
	}
	return errs, nil
}

func (f *Federation) Build(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) (*schema.Built, error) {
	if external != nil {
		if f.external == nil {
			return nil, fmt.Errorf("external composition requested but no composer is configured")
		}
		res, err := f.external.Compose(ctx, schemas, *external)
		if err != nil {
			return nil, err
		}
		if len(res.Errors) > 0 || res.Supergraph == "" {
			return nil, nil
		}
		return &schema.Built{Raw: res.Supergraph}, nil
	}

	sdl, errs, err := composeFederationLocal(ctx, schemas)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, nil
	}
	return &schema.Built{Raw: sdl}, nil
}

// composeFederationLocal merges subgraphs into a supergraph SDL. The
// error list carries expected composition failures; the error return is
// reserved for cancellation.
func composeFederationLocal(ctx context.Context, schemas []schema.Object) (string, []schema.Error, error) {
	if len(schemas) == 0 {
		return "", []schema.Error{{Message: "no schemas provided"}}, nil
	}

	var errs []schema.Error
	prelude := &ast.Source{Name: "federation", Input: federationPrelude, BuiltIn: true}

	// Every subgraph must be a valid schema on its own.
	for _, sub := range schemas {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		if _, err := gqlparser.LoadSchema(prelude, &ast.Source{Name: sub.Service, Input: sub.Raw}); err != nil {
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
			if federationTypes[name] || strings.HasPrefix(name, "link__") {
				continue
			}

			if rootTypes[name] {
				for _, fld := range def.Fields {
					if fld.Name == "_entities" || fld.Name == "_service" || isExternalField(fld) {
						continue
					}
					key := name + "." + fld.Name
					if prev, ok := rootSeen[key]; ok {
						if prev.shareable && isShareable(def, fld) {
							continue
						}
						errs = append(errs, conflictError(name, fld.Name, prev.service, sub.Service))
						continue
					}
					cp := *fld
					cp.Directives = stripFederation(fld.Directives)
					of := ownedField{field: &cp, service: sub.Service, shareable: isShareable(def, fld)}
					rootSeen[key] = of
					roots[name] = append(roots[name], of)
				}
				continue
			}

			entity := def.Directives.ForName("key") != nil
			existing, ok := types[name]
			if !ok {
				types[name] = &mergedDef{def: cleanDefinition(def), service: sub.Service, entity: entity}
				continue
			}

			if entity || existing.entity {
				existing.entity = true
				for _, fld := range def.Fields {
					if isExternalField(fld) {
						continue
					}
					prev := existing.def.Fields.ForName(fld.Name)
					if prev == nil {
						cp := *fld
						cp.Directives = stripFederation(fld.Directives)
						existing.def.Fields = append(existing.def.Fields, &cp)
						continue
					}
					if fieldSignature(prev) != fieldSignature(fld) {
						errs = append(errs, schema.Error{
							Message: fmt.Sprintf("entity conflict: %s.%s has mismatched definitions in %q and %q", name, fld.Name, existing.service, sub.Service),
							Path:    name + "." + fld.Name,
						})
					}
				}
				existing.def.Interfaces = unionStrings(existing.def.Interfaces, def.Interfaces)
				continue
			}

			if definitionSignature(cleanDefinition(def)) != definitionSignature(existing.def) {
				errs = append(errs, schema.Error{
					Message: fmt.Sprintf("value type conflict: %s is defined differently in %q and %q", name, existing.service, sub.Service),
					Path:    name,
				})
			}
		}

		for dname, ddef := range schema.DirectiveDefs(doc) {
			if federationDirectives[dname] || strings.HasPrefix(dname, "link__") {
				continue
			}
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

	// The merged result must load as a schema of its own; this catches
	// dangling cross-subgraph references.
	if _, err := gqlparser.LoadSchema(&ast.Source{Name: "supergraph", Input: sdl}); err != nil {
		return "", gqlErrors(err, ""), nil
	}
	return sdl, nil, nil
}
