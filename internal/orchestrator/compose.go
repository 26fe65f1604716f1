package orchestrator

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/wudi/schemahub/internal/schema"
)

// rootTypes are the operation root type names merged field-by-field.
var rootTypes = map[string]bool{
	"Query":        true,
	"Mutation":     true,
	"Subscription": true,
}

// federationDirectives are stripped from composed output; they steer
// composition and are not part of the public schema.
var federationDirectives = map[string]bool{
	"key":              true,
	"external":         true,
	"requires":         true,
	"provides":         true,
	"shareable":        true,
	"override":         true,
	"inaccessible":     true,
	"tag":              true,
	"extends":          true,
	"link":             true,
	"composeDirective": true,
}

// federationTypes are machinery types never emitted into a supergraph.
var federationTypes = map[string]bool{
	"_Any":      true,
	"_Entity":   true,
	"_Service":  true,
	"_FieldSet": true,
}

// federationPrelude declares the directives and scalars subgraphs are
// allowed to use without defining them.
const federationPrelude = `
scalar _FieldSet

directive @key(fields: _FieldSet!, resolvable: Boolean = true) repeatable on OBJECT | INTERFACE
directive @external on FIELD_DEFINITION | OBJECT
directive @requires(fields: _FieldSet!) on FIELD_DEFINITION
directive @provides(fields: _FieldSet!) on FIELD_DEFINITION
directive @shareable repeatable on OBJECT | FIELD_DEFINITION
directive @override(from: String!) on FIELD_DEFINITION
directive @inaccessible on FIELD_DEFINITION | OBJECT | INTERFACE | UNION | ARGUMENT_DEFINITION | SCALAR | ENUM | ENUM_VALUE | INPUT_OBJECT | INPUT_FIELD_DEFINITION
directive @tag(name: String!) repeatable on FIELD_DEFINITION | OBJECT | INTERFACE | UNION | ARGUMENT_DEFINITION | SCALAR | ENUM | ENUM_VALUE | INPUT_OBJECT | INPUT_FIELD_DEFINITION
directive @extends on OBJECT | INTERFACE
directive @link(url: String!, as: String, for: link__Purpose, import: [link__Import]) repeatable on SCHEMA
directive @composeDirective(name: String!) repeatable on SCHEMA

scalar link__Import

enum link__Purpose {
  SECURITY
  EXECUTION
}
`

// printDocument renders a schema document as SDL.
func printDocument(doc *ast.SchemaDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchemaDocument(doc)
	return buf.String()
}

// isExternalField reports whether a field is declared @external, i.e.
// owned by another subgraph.
func isExternalField(f *ast.FieldDefinition) bool {
	return f.Directives.ForName("external") != nil
}

// isShareable reports whether a field or its enclosing type opted into
// shared ownership.
func isShareable(def *ast.Definition, f *ast.FieldDefinition) bool {
	if f.Directives.ForName("shareable") != nil {
		return true
	}
	return def.Directives.ForName("shareable") != nil
}

// stripFederation returns the directive list without federation
// machinery directives.
func stripFederation(list ast.DirectiveList) ast.DirectiveList {
	out := make(ast.DirectiveList, 0, len(list))
	for _, d := range list {
		if federationDirectives[d.Name] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// cleanDefinition copies a definition with federation machinery removed:
// type and field directives stripped, @external fields dropped.
func cleanDefinition(def *ast.Definition) *ast.Definition {
	out := *def
	out.Directives = stripFederation(def.Directives)
	out.Fields = make(ast.FieldList, 0, len(def.Fields))
	for _, f := range def.Fields {
		if isExternalField(f) {
			continue
		}
		cp := *f
		cp.Directives = stripFederation(f.Directives)
		out.Fields = append(out.Fields, &cp)
	}
	return &out
}

// fieldSignature is a canonical rendering of one field: name, arguments
// with types and defaults, and the result type.
func fieldSignature(f *ast.FieldDefinition) string {
	var sb strings.Builder
	sb.WriteString(f.Name)
	if len(f.Arguments) > 0 {
		args := make([]string, 0, len(f.Arguments))
		for _, a := range f.Arguments {
			sig := a.Name + ":" + a.Type.String()
			if a.DefaultValue != nil {
				sig += "=" + a.DefaultValue.String()
			}
			args = append(args, sig)
		}
		sort.Strings(args)
		sb.WriteString("(" + strings.Join(args, ",") + ")")
	}
	sb.WriteString(":")
	sb.WriteString(f.Type.String())
	if f.DefaultValue != nil {
		sb.WriteString("=" + f.DefaultValue.String())
	}
	return sb.String()
}

// definitionSignature is a canonical rendering of a whole definition,
// used to decide whether two services define a type identically.
func definitionSignature(def *ast.Definition) string {
	var parts []string
	parts = append(parts, string(def.Kind), def.Name)

	if len(def.Interfaces) > 0 {
		ifaces := append([]string{}, def.Interfaces...)
		sort.Strings(ifaces)
		parts = append(parts, "implements="+strings.Join(ifaces, ","))
	}
	if len(def.Fields) > 0 {
		fields := make([]string, 0, len(def.Fields))
		for _, f := range def.Fields {
			fields = append(fields, fieldSignature(f))
		}
		sort.Strings(fields)
		parts = append(parts, "fields="+strings.Join(fields, ";"))
	}
	if len(def.EnumValues) > 0 {
		vals := make([]string, 0, len(def.EnumValues))
		for _, v := range def.EnumValues {
			vals = append(vals, v.Name)
		}
		sort.Strings(vals)
		parts = append(parts, "values="+strings.Join(vals, ","))
	}
	if len(def.Types) > 0 {
		members := append([]string{}, def.Types...)
		sort.Strings(members)
		parts = append(parts, "members="+strings.Join(members, ","))
	}
	return strings.Join(parts, " ")
}

// ownedField tracks which service contributed a root field.
type ownedField struct {
	field     *ast.FieldDefinition
	service   string
	shareable bool
}

// mergedDef tracks a non-root type during merging.
type mergedDef struct {
	def     *ast.Definition
	service string
	entity  bool
}

func sortedNames(m map[string]*ast.Definition) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string{}, a...)
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// assembleDocument builds the final supergraph document: root types
// first, then remaining types sorted by name, then directive
// definitions sorted by name.
func assembleDocument(roots map[string][]ownedField, types map[string]*mergedDef, directives map[string]*ast.DirectiveDefinition) *ast.SchemaDocument {
	doc := &ast.SchemaDocument{}

	for _, rootName := range []string{"Query", "Mutation", "Subscription"} {
		fields := roots[rootName]
		if len(fields) == 0 {
			continue
		}
		sort.SliceStable(fields, func(i, j int) bool {
			return fields[i].field.Name < fields[j].field.Name
		})
		def := &ast.Definition{Kind: ast.Object, Name: rootName}
		for _, of := range fields {
			def.Fields = append(def.Fields, of.field)
		}
		doc.Definitions = append(doc.Definitions, def)
	}

	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Definitions = append(doc.Definitions, types[name].def)
	}

	dirNames := make([]string, 0, len(directives))
	for name := range directives {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	for _, name := range dirNames {
		doc.Directives = append(doc.Directives, directives[name])
	}

	return doc
}

// conflictError is the root-field conflict shape shared by the local
// composers.
func conflictError(rootName, fieldName, firstService, secondService string) schema.Error {
	return schema.Error{
		Message: fmt.Sprintf("field conflict: %s.%s defined in both %q and %q", rootName, fieldName, firstService, secondService),
		Path:    rootName + "." + fieldName,
	}
}
