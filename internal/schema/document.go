package schema

import "github.com/vektah/gqlparser/v2/ast"

// FlattenTypes returns the effective type definitions of a document with
// `extend` blocks folded into their base definitions. The parsed document
// is never mutated; merged entries are copies.
func FlattenTypes(doc *ast.SchemaDocument) map[string]*ast.Definition {
	types := make(map[string]*ast.Definition, len(doc.Definitions))
	for _, def := range doc.Definitions {
		types[def.Name] = def
	}
	for _, ext := range doc.Extensions {
		base, ok := types[ext.Name]
		if !ok {
			types[ext.Name] = ext
			continue
		}
		merged := *base
		merged.Fields = append(append(ast.FieldList{}, base.Fields...), ext.Fields...)
		merged.Interfaces = append(append([]string{}, base.Interfaces...), ext.Interfaces...)
		merged.EnumValues = append(append(ast.EnumValueList{}, base.EnumValues...), ext.EnumValues...)
		merged.Types = append(append([]string{}, base.Types...), ext.Types...)
		types[ext.Name] = &merged
	}
	return types
}

// DirectiveDefs returns the directive definitions of a document by name.
func DirectiveDefs(doc *ast.SchemaDocument) map[string]*ast.DirectiveDefinition {
	dirs := make(map[string]*ast.DirectiveDefinition, len(doc.Directives))
	for _, d := range doc.Directives {
		dirs[d.Name] = d
	}
	return dirs
}
