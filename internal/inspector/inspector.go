// Package inspector compares two composed schemas and classifies every
// difference by how dangerous it is for existing clients.
package inspector

import (
	"context"
	"fmt"
	"sort"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/wudi/schemahub/internal/schema"
)

// Inspector diffs composed schemas. It is stateless and safe for
// concurrent use.
type Inspector struct{}

// New creates an Inspector.
func New() *Inspector {
	return &Inspector{}
}

// Diff compares before and after and returns every change in a
// deterministic order: type names sorted, and within a type removals
// first, then in-place changes, then additions. The selector identifies
// the target under comparison; classification rules currently do not
// depend on it.
func (i *Inspector) Diff(ctx context.Context, before, after *schema.Object, sel schema.TargetSelector) ([]schema.Change, error) {
	if before == nil || after == nil {
		return nil, fmt.Errorf("diff requires both schemas, before=%v after=%v", before != nil, after != nil)
	}
	if before.Document == nil || after.Document == nil {
		return nil, fmt.Errorf("diff requires parsed schema documents")
	}

	d := &differ{}
	oldIdx := indexDocument(before.Document)
	newIdx := indexDocument(after.Document)

	for _, name := range sortedUnion(typeNames(oldIdx), typeNames(newIdx)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		oldDef, inOld := oldIdx.types[name]
		newDef, inNew := newIdx.types[name]

		switch {
		case inOld && !inNew:
			d.add(schema.Breaking, fmt.Sprintf("Type '%s' was removed", name), name)
		case !inOld && inNew:
			d.add(schema.Safe, fmt.Sprintf("Type '%s' was added", name), name)
		case oldDef.Kind != newDef.Kind:
			d.add(schema.Breaking, fmt.Sprintf("Type '%s' kind changed from '%s' to '%s'", name, oldDef.Kind, newDef.Kind), name)
		default:
			d.diffDefinition(oldDef, newDef)
		}
	}

	d.diffDirectives(oldIdx.directives, newIdx.directives)

	return d.changes, nil
}

// differ accumulates changes in emission order.
type differ struct {
	changes []schema.Change
}

func (d *differ) add(crit schema.Criticality, msg, path string) {
	d.changes = append(d.changes, schema.Change{Criticality: crit, Message: msg, Path: path})
}

func (d *differ) diffDefinition(oldDef, newDef *ast.Definition) {
	name := newDef.Name

	if oldDef.Description != newDef.Description {
		d.add(schema.Safe, fmt.Sprintf("Description for type '%s' changed", name), name)
	}

	switch newDef.Kind {
	case ast.Object, ast.Interface:
		d.diffInterfaces(name, oldDef.Interfaces, newDef.Interfaces)
		d.diffFields(oldDef, newDef)
	case ast.InputObject:
		d.diffInputFields(oldDef, newDef)
	case ast.Enum:
		d.diffEnumValues(oldDef, newDef)
	case ast.Union:
		d.diffUnionMembers(name, oldDef.Types, newDef.Types)
	}
}

func (d *differ) diffInterfaces(typeName string, oldIfaces, newIfaces []string) {
	oldSet := stringSet(oldIfaces)
	newSet := stringSet(newIfaces)

	for _, iface := range sortedKeys(oldSet) {
		if !newSet[iface] {
			d.add(schema.Breaking, fmt.Sprintf("'%s' no longer implements interface '%s'", typeName, iface), typeName)
		}
	}
	for _, iface := range sortedKeys(newSet) {
		if !oldSet[iface] {
			d.add(schema.Dangerous, fmt.Sprintf("'%s' now implements interface '%s'", typeName, iface), typeName)
		}
	}
}

func (d *differ) diffFields(oldDef, newDef *ast.Definition) {
	typeName := newDef.Name
	kind := "object type"
	if newDef.Kind == ast.Interface {
		kind = "interface type"
	}

	oldFields := fieldMap(oldDef.Fields)
	newFields := fieldMap(newDef.Fields)

	for _, fname := range sortedMapKeys(oldFields) {
		if _, ok := newFields[fname]; !ok {
			d.add(schema.Breaking, fmt.Sprintf("Field '%s' was removed from %s '%s'", fname, kind, typeName), typeName+"."+fname)
		}
	}
	for _, fname := range sortedMapKeys(oldFields) {
		newField, ok := newFields[fname]
		if !ok {
			continue
		}
		d.diffField(typeName, oldFields[fname], newField)
	}
	for _, fname := range sortedMapKeys(newFields) {
		if _, ok := oldFields[fname]; !ok {
			d.add(schema.Safe, fmt.Sprintf("Field '%s' was added to %s '%s'", fname, kind, typeName), typeName+"."+fname)
		}
	}
}

func (d *differ) diffField(typeName string, oldField, newField *ast.FieldDefinition) {
	coord := typeName + "." + newField.Name

	if oldField.Type.String() != newField.Type.String() {
		crit := schema.Breaking
		if outputChangeSafe(oldField.Type, newField.Type) {
			crit = schema.Safe
		}
		d.add(crit, fmt.Sprintf("Field '%s' changed type from '%s' to '%s'", coord, oldField.Type.String(), newField.Type.String()), coord)
	}

	oldDep := oldField.Directives.ForName("deprecated") != nil
	newDep := newField.Directives.ForName("deprecated") != nil
	if !oldDep && newDep {
		d.add(schema.Dangerous, fmt.Sprintf("Field '%s' was deprecated", coord), coord)
	} else if oldDep && !newDep {
		d.add(schema.Safe, fmt.Sprintf("Field '%s' is no longer deprecated", coord), coord)
	}

	d.diffArguments(coord, oldField.Arguments, newField.Arguments)
}

func (d *differ) diffArguments(fieldCoord string, oldArgs, newArgs ast.ArgumentDefinitionList) {
	oldByName := argMap(oldArgs)
	newByName := argMap(newArgs)

	for _, aname := range sortedMapKeys(oldByName) {
		if _, ok := newByName[aname]; !ok {
			d.add(schema.Breaking, fmt.Sprintf("Argument '%s' was removed from field '%s'", aname, fieldCoord), fieldCoord+"."+aname)
		}
	}
	for _, aname := range sortedMapKeys(oldByName) {
		newArg, ok := newByName[aname]
		if !ok {
			continue
		}
		oldArg := oldByName[aname]
		path := fieldCoord + "." + aname

		if oldArg.Type.String() != newArg.Type.String() {
			crit := schema.Breaking
			if inputChangeSafe(oldArg.Type, newArg.Type) {
				crit = schema.Safe
			}
			d.add(crit, fmt.Sprintf("Argument '%s' of field '%s' changed type from '%s' to '%s'", aname, fieldCoord, oldArg.Type.String(), newArg.Type.String()), path)
		}
		if valueString(oldArg.DefaultValue) != valueString(newArg.DefaultValue) {
			d.add(schema.Dangerous, fmt.Sprintf("Default value for argument '%s' of field '%s' changed from '%s' to '%s'", aname, fieldCoord, valueString(oldArg.DefaultValue), valueString(newArg.DefaultValue)), path)
		}
	}
	for _, aname := range sortedMapKeys(newByName) {
		if _, ok := oldByName[aname]; ok {
			continue
		}
		newArg := newByName[aname]
		if newArg.Type.NonNull && newArg.DefaultValue == nil {
			d.add(schema.Breaking, fmt.Sprintf("Required argument '%s' was added to field '%s'", aname, fieldCoord), fieldCoord+"."+aname)
		} else {
			d.add(schema.Safe, fmt.Sprintf("Optional argument '%s' was added to field '%s'", aname, fieldCoord), fieldCoord+"."+aname)
		}
	}
}

func (d *differ) diffInputFields(oldDef, newDef *ast.Definition) {
	typeName := newDef.Name
	oldFields := fieldMap(oldDef.Fields)
	newFields := fieldMap(newDef.Fields)

	for _, fname := range sortedMapKeys(oldFields) {
		if _, ok := newFields[fname]; !ok {
			d.add(schema.Breaking, fmt.Sprintf("Input field '%s' was removed from input object type '%s'", fname, typeName), typeName+"."+fname)
		}
	}
	for _, fname := range sortedMapKeys(oldFields) {
		newField, ok := newFields[fname]
		if !ok {
			continue
		}
		oldField := oldFields[fname]
		coord := typeName + "." + fname

		if oldField.Type.String() != newField.Type.String() {
			crit := schema.Breaking
			if inputChangeSafe(oldField.Type, newField.Type) {
				crit = schema.Safe
			}
			d.add(crit, fmt.Sprintf("Input field '%s' changed type from '%s' to '%s'", coord, oldField.Type.String(), newField.Type.String()), coord)
		}
		if valueString(oldField.DefaultValue) != valueString(newField.DefaultValue) {
			d.add(schema.Dangerous, fmt.Sprintf("Default value for input field '%s' changed from '%s' to '%s'", coord, valueString(oldField.DefaultValue), valueString(newField.DefaultValue)), coord)
		}
	}
	for _, fname := range sortedMapKeys(newFields) {
		if _, ok := oldFields[fname]; ok {
			continue
		}
		newField := newFields[fname]
		if newField.Type.NonNull && newField.DefaultValue == nil {
			d.add(schema.Breaking, fmt.Sprintf("Required input field '%s' was added to input object type '%s'", fname, typeName), typeName+"."+fname)
		} else {
			d.add(schema.Safe, fmt.Sprintf("Optional input field '%s' was added to input object type '%s'", fname, typeName), typeName+"."+fname)
		}
	}
}

func (d *differ) diffEnumValues(oldDef, newDef *ast.Definition) {
	typeName := newDef.Name
	oldVals := enumMap(oldDef.EnumValues)
	newVals := enumMap(newDef.EnumValues)

	for _, vname := range sortedMapKeys(oldVals) {
		if _, ok := newVals[vname]; !ok {
			d.add(schema.Breaking, fmt.Sprintf("Enum value '%s' was removed from enum '%s'", vname, typeName), typeName+"."+vname)
		}
	}
	for _, vname := range sortedMapKeys(oldVals) {
		newVal, ok := newVals[vname]
		if !ok {
			continue
		}
		oldDep := oldVals[vname].Directives.ForName("deprecated") != nil
		newDep := newVal.Directives.ForName("deprecated") != nil
		if !oldDep && newDep {
			d.add(schema.Dangerous, fmt.Sprintf("Enum value '%s.%s' was deprecated", typeName, vname), typeName+"."+vname)
		} else if oldDep && !newDep {
			d.add(schema.Safe, fmt.Sprintf("Enum value '%s.%s' is no longer deprecated", typeName, vname), typeName+"."+vname)
		}
	}
	for _, vname := range sortedMapKeys(newVals) {
		if _, ok := oldVals[vname]; !ok {
			d.add(schema.Dangerous, fmt.Sprintf("Enum value '%s' was added to enum '%s'", vname, typeName), typeName+"."+vname)
		}
	}
}

func (d *differ) diffUnionMembers(typeName string, oldMembers, newMembers []string) {
	oldSet := stringSet(oldMembers)
	newSet := stringSet(newMembers)

	for _, m := range sortedKeys(oldSet) {
		if !newSet[m] {
			d.add(schema.Breaking, fmt.Sprintf("Member '%s' was removed from union type '%s'", m, typeName), typeName+"."+m)
		}
	}
	for _, m := range sortedKeys(newSet) {
		if !oldSet[m] {
			d.add(schema.Dangerous, fmt.Sprintf("Member '%s' was added to union type '%s'", m, typeName), typeName+"."+m)
		}
	}
}

func (d *differ) diffDirectives(oldDirs, newDirs map[string]*ast.DirectiveDefinition) {
	for _, name := range sortedUnion(mapKeys(oldDirs), mapKeys(newDirs)) {
		_, inOld := oldDirs[name]
		_, inNew := newDirs[name]
		switch {
		case inOld && !inNew:
			d.add(schema.Breaking, fmt.Sprintf("Directive '@%s' was removed", name), "@"+name)
		case !inOld && inNew:
			d.add(schema.Safe, fmt.Sprintf("Directive '@%s' was added", name), "@"+name)
		}
	}
}

// outputChangeSafe reports whether an output type change cannot break
// clients: the shape and names match and nullability only tightens
// (nullable positions may become non-null, never the reverse).
func outputChangeSafe(oldType, newType *ast.Type) bool {
	if oldType == nil || newType == nil {
		return false
	}
	if oldType.NonNull && !newType.NonNull {
		return false
	}
	if oldType.NamedType != "" || newType.NamedType != "" {
		return oldType.NamedType == newType.NamedType
	}
	return outputChangeSafe(oldType.Elem, newType.Elem)
}

// inputChangeSafe is the mirror rule for input positions: nullability may
// only loosen (non-null positions may become nullable).
func inputChangeSafe(oldType, newType *ast.Type) bool {
	if oldType == nil || newType == nil {
		return false
	}
	if !oldType.NonNull && newType.NonNull {
		return false
	}
	if oldType.NamedType != "" || newType.NamedType != "" {
		return oldType.NamedType == newType.NamedType
	}
	return inputChangeSafe(oldType.Elem, newType.Elem)
}

// typeMap is a flattened view of a schema document: extensions merged
// into their base definitions so the diff sees effective types.
type typeMap struct {
	types      map[string]*ast.Definition
	directives map[string]*ast.DirectiveDefinition
}

func indexDocument(doc *ast.SchemaDocument) *typeMap {
	return &typeMap{
		types:      schema.FlattenTypes(doc),
		directives: schema.DirectiveDefs(doc),
	}
}

func typeNames(m *typeMap) []string {
	return mapKeys(m.types)
}

func valueString(v *ast.Value) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func fieldMap(fields ast.FieldList) map[string]*ast.FieldDefinition {
	m := make(map[string]*ast.FieldDefinition, len(fields))
	for _, f := range fields {
		m[f.Name] = f
	}
	return m
}

func argMap(args ast.ArgumentDefinitionList) map[string]*ast.ArgumentDefinition {
	m := make(map[string]*ast.ArgumentDefinition, len(args))
	for _, a := range args {
		m[a.Name] = a
	}
	return m
}

func enumMap(vals ast.EnumValueList) map[string]*ast.EnumValueDefinition {
	m := make(map[string]*ast.EnumValueDefinition, len(vals))
	for _, v := range vals {
		m[v.Name] = v
	}
	return m
}

func stringSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := mapKeys(m)
	sort.Strings(keys)
	return keys
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedUnion(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	return sortedKeys(set)
}
