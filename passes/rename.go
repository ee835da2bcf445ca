// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"fmt"
	"strings"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/nameident"
	"github.com/saferwall/ilguard/obfctx"
)

// RenamePassID is the stable identifier for the renaming pass.
const RenamePassID = "renaming"

// RenamePass implements identifier renaming with public-API
// preservation, interface-consistency, and namespace flattening.
type RenamePass struct{}

// NewRenamePass returns the renaming pass.
func NewRenamePass() *RenamePass { return &RenamePass{} }

func (p *RenamePass) ID() string   { return RenamePassID }
func (p *RenamePass) Name() string { return "Identifier Renaming" }
func (p *RenamePass) Description() string {
	return "Renames types and members under a configurable scheme while preserving the public API surface."
}
func (p *RenamePass) Priority() int           { return 100 }
func (p *RenamePass) Dependencies() []string  { return nil }
func (p *RenamePass) ConflictsWith() []string { return nil }

func (p *RenamePass) CanApply(ctx *obfctx.Context) bool {
	if !ctx.Config.EnableRenaming || ctx.Config.Renaming.Mode == config.RenamingNone {
		return false
	}
	// A module holding only the global type has nothing to rename.
	for _, t := range ctx.Module.Types {
		if !t.IsGlobal() {
			return true
		}
	}
	return false
}

func allocatorSchemeFor(s config.NamingScheme) nameident.Scheme {
	switch s {
	case config.NamingConfusable:
		return nameident.SchemeConfusable
	case config.NamingInvisible:
		return nameident.SchemeInvisible
	case config.NamingSimple:
		return nameident.SchemeSimple
	default:
		return nameident.SchemeAlphanumeric
	}
}

func allocatorIntensityFor(m config.RenamingMode) nameident.Intensity {
	switch m {
	case config.RenamingLight:
		return nameident.IntensityLight
	case config.RenamingAggressive:
		return nameident.IntensityAggressive
	default:
		return nameident.IntensityNormal
	}
}

// Apply renames every eligible type and member, recording each rename in
// the context's rename map and skipping anything excluded by preserved
// prefix, configuration exclusion list, or public-API preservation.
func (p *RenamePass) Apply(ctx *obfctx.Context) error {
	random, err := resolveRandomSource(ctx)
	if err != nil {
		return err
	}
	alloc := nameident.New(random, allocatorSchemeFor(ctx.Config.Renaming.Scheme), allocatorIntensityFor(ctx.Config.Renaming.Mode))

	cfg := ctx.Config
	entry := ctx.Module.FindEntryPointMethod()

	typeNameAvoid := map[string]bool{}
	for _, t := range ctx.Module.Types {
		typeNameAvoid[t.FullName.String()] = true
	}

	for _, t := range ctx.Module.Types {
		if t.IsGlobal() {
			continue
		}
		if shouldPreserveType(cfg, t) {
			continue
		}
		oldFullName := t.FullName
		oldFull := oldFullName.String()
		newNamespace := t.FullName.Namespace
		if cfg.Renaming.FlattenNamespaces {
			newNamespace = cfg.Renaming.NamespacePrefix
		}
		newName := alloc.Allocate("type", nameident.IntentType, typeNameAvoid)
		typeNameAvoid[newName] = true
		t.FullName = clrmodel.FullName{Namespace: newNamespace, Name: newName}
		ctx.RecordRename(oldFull, t.FullName.String())

		// The entry-point reference tracks its declaring type by name, so
		// it follows the rename or the module loses its entry point.
		if ep := ctx.Module.EntryPoint; ep != nil && ep.TypeFullName == oldFullName {
			ep.TypeFullName = t.FullName
		}

		p.renameMembers(ctx, alloc, cfg, t, entry, oldFull, t.FullName.String())
	}
	repairReferences(ctx)
	return nil
}

func shouldPreserveType(cfg *config.Configuration, t *clrmodel.Type) bool {
	if clrmodel.HasPreservedPrefix(t.FullName.String(), clrmodel.DefaultPreservedPrefixes) {
		return true
	}
	if cfg.ExcludesType(t.FullName.String()) || cfg.ExcludesNamespace(t.FullName.Namespace) {
		return true
	}
	if cfg.PreservePublicAPI && t.Visibility == clrmodel.VisibilityPublic {
		return true
	}
	return false
}

// renameMembers renames t's methods, fields, properties, and events.
// oldScope/newScope are the type's full name before and after the rename
// applied in Apply, used as the "::"-qualified scope on either side of
// every RecordRename call so the rename map stays keyed by what call
// sites actually referenced (the old scope) and what they must be
// repaired to (the new scope); reading scope back off t.FullName here
// would read the already-mutated new name on both sides.
func (p *RenamePass) renameMembers(ctx *obfctx.Context, alloc *nameident.Allocator, cfg *config.Configuration, t *clrmodel.Type, entry *clrmodel.Method, oldScope, newScope string) {
	methodAvoid := map[string]bool{}
	for _, m := range t.Methods {
		methodAvoid[m.Name] = true
	}
	// Interface-consistency: methods of this type implementing the same
	// interface method share one new name. The map is per type, so
	// implementors in other declaring types, and the interface's own
	// method, are renamed independently of these.
	interfaceRenames := map[string]string{}

	for _, m := range t.Methods {
		if m == entry || m.IsConstructor() || m.IsStaticConstructor() || m.IsPInvoke() {
			continue
		}
		// Operator overloads keep their contract-dictated op_* names.
		if strings.HasPrefix(m.Name, "op_") {
			continue
		}
		if cfg.PreserveVirtualDispatch && m.Attr&(clrmodel.MemberAttrVirtual|clrmodel.MemberAttrHasOverride) != 0 {
			continue
		}
		// Property/event accessors (get_X, add_X, ...) carry SpecialName
		// and are renamed in lockstep with their owning property/event
		// below, not independently here.
		if m.Attr&(clrmodel.MemberAttrSpecialName|clrmodel.MemberAttrRTSpecialName) != 0 {
			continue
		}
		if cfg.ExcludesMethod(oldScope + "::" + m.Name) {
			continue
		}
		if cfg.PreservePublicAPI && m.Visibility == clrmodel.VisibilityPublic {
			continue
		}
		oldName := m.Name
		var newName string
		if m.ImplementsInterface != "" {
			if existing, ok := interfaceRenames[m.ImplementsInterface]; ok {
				newName = existing
			}
		}
		if newName == "" {
			newName = alloc.Allocate(newScope+"#method", nameident.IntentMethod, methodAvoid)
			if m.ImplementsInterface != "" {
				interfaceRenames[m.ImplementsInterface] = newName
			}
		}
		methodAvoid[newName] = true
		m.Name = newName
		ctx.RecordRename(oldScope+"::"+oldName, newScope+"::"+newName)
	}

	if cfg.Renaming.RenameFields {
		fieldAvoid := map[string]bool{}
		for _, f := range t.Fields {
			fieldAvoid[f.Name] = true
		}
		for _, f := range t.Fields {
			if f.Attr&(clrmodel.MemberAttrSpecialName|clrmodel.MemberAttrRTSpecialName) != 0 {
				continue
			}
			if cfg.PreservePublicAPI && f.Visibility == clrmodel.VisibilityPublic {
				continue
			}
			old := f.Name
			newName := alloc.Allocate(newScope+"#field", nameident.IntentField, fieldAvoid)
			fieldAvoid[newName] = true
			f.Name = newName
			ctx.RecordRename(oldScope+"::"+old, newScope+"::"+newName)
		}
	}

	// Renaming a property/event renames its accessors, so under public-API
	// preservation one with a public accessor keeps its name.
	publicAccessor := func(a clrmodel.Accessor) bool {
		return cfg.PreservePublicAPI && a.Method != nil && a.Method.Visibility == clrmodel.VisibilityPublic
	}

	if cfg.Renaming.RenameProperties {
		propAvoid := map[string]bool{}
		for _, pr := range t.Properties {
			propAvoid[pr.Name] = true
		}
		for _, pr := range t.Properties {
			if publicAccessor(pr.Get) || publicAccessor(pr.Set) {
				continue
			}
			old := pr.Name
			newName := alloc.Allocate(newScope+"#property", nameident.IntentProperty, propAvoid)
			propAvoid[newName] = true
			pr.Name = newName
			ctx.RecordRename(oldScope+"::"+old, newScope+"::"+newName)
			renameAccessor(ctx, oldScope, newScope, pr.Get, "get_"+newName)
			renameAccessor(ctx, oldScope, newScope, pr.Set, "set_"+newName)
		}
	}

	if cfg.Renaming.RenameEvents {
		evAvoid := map[string]bool{}
		for _, e := range t.Events {
			evAvoid[e.Name] = true
		}
		for _, e := range t.Events {
			if publicAccessor(e.Add) || publicAccessor(e.Remove) || publicAccessor(e.Raise) {
				continue
			}
			old := e.Name
			newName := alloc.Allocate(newScope+"#event", nameident.IntentEvent, evAvoid)
			evAvoid[newName] = true
			e.Name = newName
			ctx.RecordRename(oldScope+"::"+old, newScope+"::"+newName)
			renameAccessor(ctx, oldScope, newScope, e.Add, "add_"+newName)
			renameAccessor(ctx, oldScope, newScope, e.Remove, "remove_"+newName)
			renameAccessor(ctx, oldScope, newScope, e.Raise, "raise_"+newName)
		}
	}
}

// renameAccessor retargets a property/event accessor method's name to
// track its owning member's new name and records the accessor's own
// rename, since call sites invoke
// the accessor method directly rather than the property/event itself.
func renameAccessor(ctx *obfctx.Context, oldScope, newScope string, accessor clrmodel.Accessor, newName string) {
	if accessor.Method == nil {
		return
	}
	oldName := accessor.Method.Name
	accessor.Method.Name = newName
	ctx.RecordRename(oldScope+"::"+oldName, newScope+"::"+newName)
}

// repairReferences rewrites every instruction operand that names a
// renamed type or member, since this data model keeps
// those references as plain strings rather than pointers that would
// track a rename automatically. A string literal whose value matches a
// renamed identifier (a probable reflection look-up) is left untouched
// and flagged with a warning, since rewriting the literal could just as
// easily corrupt an unrelated string.
func repairReferences(ctx *obfctx.Context) {
	renames := ctx.RenameMap()
	for _, t := range ctx.Module.Types {
		for _, m := range t.Methods {
			if m.Body == nil {
				continue
			}
			for _, ins := range m.Body.Instructions {
				switch ins.Operand.Kind {
				case clrmodel.OperandString:
					if _, renamed := renames[ins.Operand.Str]; renamed && ins.Op == clrmodel.OpLdStr {
						ctx.AddDiagnostic(obfctx.SeverityWarning, "RN001",
							fmt.Sprintf("%s::%s: string literal %q matches a renamed identifier and was left untouched", t.FullName, m.Name, ins.Operand.Str), nil)
					}
				case clrmodel.OperandType:
					ins.Operand.TypeName = repairTypeRef(renames, ins.Operand.TypeName)
				case clrmodel.OperandField:
					ins.Operand.DeclaringRef, ins.Operand.FieldName = repairMemberRef(renames, ins.Operand.DeclaringRef, ins.Operand.FieldName)
				case clrmodel.OperandMethod:
					ins.Operand.Call.DeclaringRef, ins.Operand.MethodName = repairMemberRef(renames, ins.Operand.Call.DeclaringRef, ins.Operand.MethodName)
				case clrmodel.OperandCallSig:
					ins.Operand.Call.DeclaringRef, ins.Operand.Call.MethodName = repairMemberRef(renames, ins.Operand.Call.DeclaringRef, ins.Operand.Call.MethodName)
				}
			}
		}
	}
}

// repairTypeRef looks up a bare type full name in the rename map.
func repairTypeRef(renames map[string]string, name string) string {
	if newName, ok := renames[name]; ok {
		return newName
	}
	return name
}

// repairMemberRef looks up a "declaringType::member" reference in the
// rename map and splits the mapped "newType::newMember" result back
// apart. If the member itself was never renamed (e.g. the pass that
// would rename it is disabled) but its declaring type was, only the
// declaring-type half is repaired.
func repairMemberRef(renames map[string]string, declaringRef, memberName string) (string, string) {
	if declaringRef == "" {
		return declaringRef, memberName
	}
	if mapped, ok := renames[declaringRef+"::"+memberName]; ok {
		if idx := strings.LastIndex(mapped, "::"); idx >= 0 {
			return mapped[:idx], mapped[idx+2:]
		}
		return declaringRef, mapped
	}
	return repairTypeRef(renames, declaringRef), memberName
}

// RenameMapText renders the rename map as "old -> new" lines sorted by
// original name, for the optional mapping-file output written beside
// the protected module.
func RenameMapText(renames map[string]string) string {
	keys := make([]string, 0, len(renames))
	for k := range renames {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(" -> ")
		sb.WriteString(renames[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}
