// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package clrmodel defines the data model: the mutable module graph the
// transformation pipeline operates on, plus the ModuleIO collaborator that
// loads and writes it. The type system mirrors the CLR metadata concepts
// saferwall/pe's dotnet.go already models for read-only inspection (the
// metadata-table layout, the COR20 header, the heap index-size rules) but
// turns them into a mutable, round-trippable graph instead of a one-shot
// parse.
package clrmodel

// Visibility captures the subset of CLR visibility that matters to the
// preservation policy (public API is never renamed unless configured to).
type Visibility uint8

// Recognised visibilities, narrowest to widest.
const (
	VisibilityPrivate Visibility = iota
	VisibilityAssembly
	VisibilityFamily
	VisibilityFamilyOrAssembly
	VisibilityPublic
)

// TypeAttr is a bitset of type-level attributes relevant to the pipeline.
type TypeAttr uint32

// Recognised type attribute bits.
const (
	TypeAttrSealed TypeAttr = 1 << iota
	TypeAttrAbstract
	TypeAttrSpecialName
	TypeAttrRTSpecialName
	TypeAttrInterface
	TypeAttrGlobal // the synthetic <Module> type
)

func (a TypeAttr) has(bit TypeAttr) bool { return a&bit != 0 }

// MemberAttr is a bitset of member-level (method/field/property/event)
// attributes relevant to the pipeline.
type MemberAttr uint32

// Recognised member attribute bits.
const (
	MemberAttrStatic MemberAttr = 1 << iota
	MemberAttrSpecialName
	MemberAttrRTSpecialName
	MemberAttrConstructor
	MemberAttrStaticConstructor
	MemberAttrPInvoke
	MemberAttrVirtual
	MemberAttrHasOverride
	MemberAttrEntryPoint
)

func (a MemberAttr) has(bit MemberAttr) bool { return a&bit != 0 }

// CustomAttribute is a metadata-level annotation attached to a module,
// type, or member. The constructor reference is a plain string (fully
// qualified attribute type name) since, unlike method bodies, attribute
// blobs are opaque payloads the pipeline does not interpret.
type CustomAttribute struct {
	TypeName string
	Blob     []byte
}

// FullName returns "Namespace.Name", the key used throughout the rename
// map and exclusion sets.
type FullName struct {
	Namespace string
	Name      string
}

// String renders the dotted full name.
func (f FullName) String() string {
	if f.Namespace == "" {
		return f.Name
	}
	return f.Namespace + "." + f.Name
}

// Field is a metadata field member.
type Field struct {
	Name             string
	TypeName         string
	Attr             MemberAttr
	Visibility       Visibility
	CustomAttributes []CustomAttribute

	// InitialValue holds the field's RVA-mapped default data blob, the
	// same mechanism the real FieldRVA table uses for a static field
	// whose value is baked in at compile time (e.g. the string
	// encryption pass's per-literal ciphertext/key fields). Empty for an
	// ordinary field with no compile-time value.
	InitialValue []byte
}

// Param describes one method parameter.
type Param struct {
	Name     string
	TypeName string
}

// Accessor is a reference to the method implementing a property/event
// accessor (get/set/add/remove/fire).
type Accessor struct {
	Method *Method
}

// Property is a metadata property member.
type Property struct {
	Name             string
	TypeName         string
	Visibility       Visibility // held in memory only; the ILG1 codec does not write it
	Get              Accessor
	Set              Accessor
	CustomAttributes []CustomAttribute
}

// Event is a metadata event member.
type Event struct {
	Name             string
	TypeName         string
	Add              Accessor
	Remove           Accessor
	Raise            Accessor
	CustomAttributes []CustomAttribute
}

// Local is a method-body local variable slot.
type Local struct {
	TypeName string
}

// ExceptionRegion brackets a protected region of a method body. Start/End
// fields hold stable instruction IDs (see Instruction.ID), not slice
// indices, so the region keeps bracketing the same instruction range
// across insertions.
type ExceptionRegion struct {
	Kind         ExceptionKind
	TryStart     InstrID
	TryEnd       InstrID
	HandlerStart InstrID
	HandlerEnd   InstrID
	CatchType    string // empty unless Kind == ExceptionKindCatch
}

// ExceptionKind distinguishes catch/finally/fault/filter regions.
type ExceptionKind uint8

// Recognised exception region kinds.
const (
	ExceptionKindCatch ExceptionKind = iota
	ExceptionKindFinally
	ExceptionKindFault
	ExceptionKindFilter
)

// MethodBody is the mutable unit control-flow flattening and string
// encryption rewrite: an ordered instruction list plus locals and
// exception regions.
type MethodBody struct {
	Locals           []Local
	Instructions     []*Instruction
	ExceptionRegions []ExceptionRegion
	MaxStack         int

	nextID InstrID
}

// NewBody returns an empty method body.
func NewBody() *MethodBody {
	return &MethodBody{}
}

// NewInstruction allocates and appends a fresh instruction with a stable
// ID unique within this body, so branch targets and exception-region
// boundaries carry IDs rather than fragile slice indices.
func (b *MethodBody) NewInstruction(op OpCode, operand Operand) *Instruction {
	b.nextID++
	ins := &Instruction{ID: b.nextID, Op: op, Operand: operand}
	b.Instructions = append(b.Instructions, ins)
	return ins
}

// Append appends an already-constructed instruction (used when splicing
// in synthesised sequences) and assigns it a fresh ID, preserving the
// invariant that IDs are unique within the body.
func (b *MethodBody) Append(ins *Instruction) {
	b.nextID++
	ins.ID = b.nextID
	b.Instructions = append(b.Instructions, ins)
}

// ByID finds the instruction with the given stable ID, or nil.
func (b *MethodBody) ByID(id InstrID) *Instruction {
	for _, ins := range b.Instructions {
		if ins.ID == id {
			return ins
		}
	}
	return nil
}

// IndexOf returns the slice position of ins within Instructions, or -1.
func (b *MethodBody) IndexOf(ins *Instruction) int {
	for i, cur := range b.Instructions {
		if cur == ins {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the body, used by control-flow flattening
// to implement the "lazy per-method copy-on-fail" pattern from the design
// notes: clone before mutating, restore from the clone if a post-mutation
// invariant check fails.
func (b *MethodBody) Clone() *MethodBody {
	clone := &MethodBody{
		Locals:   append([]Local(nil), b.Locals...),
		MaxStack: b.MaxStack,
		nextID:   b.nextID,
	}
	idMap := make(map[InstrID]*Instruction, len(b.Instructions))
	for _, ins := range b.Instructions {
		dup := *ins
		idMap[ins.ID] = &dup
		clone.Instructions = append(clone.Instructions, &dup)
	}
	for _, ins := range clone.Instructions {
		if ins.Operand.Kind == OperandJumpTarget {
			if t, ok := idMap[ins.Operand.JumpTarget]; ok {
				ins.Operand.JumpTarget = t.ID
			}
		}
		if ins.Operand.Kind == OperandJumpTable {
			table := make([]InstrID, len(ins.Operand.JumpTable))
			for i, id := range ins.Operand.JumpTable {
				if t, ok := idMap[id]; ok {
					table[i] = t.ID
				} else {
					table[i] = id
				}
			}
			ins.Operand.JumpTable = table
		}
	}
	clone.ExceptionRegions = append([]ExceptionRegion(nil), b.ExceptionRegions...)
	return clone
}

// Method is a metadata method member.
type Method struct {
	Name             string
	Params           []Param
	ReturnTypeName   string
	Attr             MemberAttr
	Visibility       Visibility
	Body             *MethodBody // nil for p-invoke/abstract declarations
	NativeEntryPoint string      // set only for p-invoke declarations
	CustomAttributes []CustomAttribute

	// ImplementsInterface, when non-empty, names the interface method
	// this one implements (InterfaceFullName + "::" + MethodName), used by
	// the renaming pass's interface-consistency edge case.
	ImplementsInterface string
}

// IsConstructor reports whether the method is an instance constructor.
func (m *Method) IsConstructor() bool { return m.Attr.has(MemberAttrConstructor) }

// IsStaticConstructor reports whether the method is a type initializer.
func (m *Method) IsStaticConstructor() bool { return m.Attr.has(MemberAttrStaticConstructor) }

// IsPInvoke reports whether the method is a platform-invoke declaration.
func (m *Method) IsPInvoke() bool { return m.Attr.has(MemberAttrPInvoke) }

// Type is a metadata type definition.
type Type struct {
	FullName         FullName
	Visibility       Visibility
	Attr             TypeAttr
	Methods          []*Method
	Fields           []*Field
	Properties       []*Property
	Events           []*Event
	CustomAttributes []CustomAttribute
}

// IsGlobal reports whether this is the synthetic <Module> container for
// free-standing members.
func (t *Type) IsGlobal() bool { return t.Attr.has(TypeAttrGlobal) }

// MethodRef names an entry-point method by its declaring type and name;
// kept as names (not pointers) because the entry point must survive
// renaming by following the rename, not by holding a stale identity.
type MethodRef struct {
	TypeFullName FullName
	MethodName   string
}

// Module is the mutable graph every pass reads and writes. It is the
// in-memory analogue of the on-disk module file.
type Module struct {
	AssemblyName     string
	ModuleName       string
	MVID             string // GUID string, regenerated by the watermarking pass
	Types            []*Type
	GlobalType       *Type
	EntryPoint       *MethodRef
	CustomAttributes []CustomAttribute

	// COMImageFlags mirrors the COR20 header's entry-point flags (the
	// cmd/ilguard "dump" subcommand reports them alongside the metadata
	// table stats). A plain managed module starts
	// out IL-only.
	COMImageFlags COMImageFlagsType

	// Resources holds embedded managed resource blobs (ManifestResource
	// table entries in real ECMA-335 terms), keyed by resource name.
	Resources map[string][]byte
}

// NewModule returns an empty module with its synthetic global type
// already present, matching real CLR modules where the global type
// always exists even when it declares no members.
func NewModule(assemblyName string) *Module {
	global := &Type{
		FullName: FullName{Name: "<Module>"},
		Attr:     TypeAttrGlobal | TypeAttrSpecialName,
	}
	return &Module{
		AssemblyName:  assemblyName,
		ModuleName:    assemblyName,
		Types:         []*Type{global},
		GlobalType:    global,
		Resources:     map[string][]byte{},
		COMImageFlags: COMImageFlagsILOnly,
	}
}

// AllTypes returns every type including the global type.
func (m *Module) AllTypes() []*Type { return m.Types }

// FindType looks up a type by its full name.
func (m *Module) FindType(full FullName) *Type {
	for _, t := range m.Types {
		if t.FullName == full {
			return t
		}
	}
	return nil
}

// FindEntryPointMethod resolves the current entry point reference to its
// Method, or nil if unset/unresolved.
func (m *Module) FindEntryPointMethod() *Method {
	if m.EntryPoint == nil {
		return nil
	}
	t := m.FindType(m.EntryPoint.TypeFullName)
	if t == nil {
		return nil
	}
	for _, meth := range t.Methods {
		if meth.Name == m.EntryPoint.MethodName {
			return meth
		}
	}
	return nil
}
