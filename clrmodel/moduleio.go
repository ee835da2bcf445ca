// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrmodel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	mmap "github.com/edsrzf/mmap-go"
)

// magic identifies an ilguard module container. The pipeline's own file
// format is deliberately simple (a full ECMA-335 metadata writer is an
// external collaborator); what matters to the core is that Load/Write
// round-trip the mutable graph faithfully.
var magic = [4]byte{'I', 'L', 'G', '1'}

const formatVersion uint16 = 1

// ErrInvalidModuleSize is returned when a file is too small to contain a
// valid header, the same guard saferwall/pe's file.go applies via
// TinyPESize before attempting to parse anything.
var ErrInvalidModuleSize = errors.New("clrmodel: file too small to be a module")

// ErrBadMagic is returned when the header magic does not match.
var ErrBadMagic = errors.New("clrmodel: bad module magic")

// ModuleIO is the collaborator the core consumes for loading and
// writing modules. The core never touches the file system directly;
// everything goes through this interface.
type ModuleIO interface {
	Load(path string) (*Module, error)
	Write(module *Module, path string) error
}

// FileModuleIO is the concrete ModuleIO used by the CLI and by default in
// Protector. It memory-maps the input the same way saferwall/pe's file.go
// does via edsrzf/mmap-go, and writes output with a plain buffered write.
type FileModuleIO struct{}

// NewFileModuleIO returns the default ModuleIO.
func NewFileModuleIO() *FileModuleIO { return &FileModuleIO{} }

// Load memory-maps path and decodes it into a Module.
func (FileModuleIO) Load(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer data.Unmap()

	return DecodeModule(data)
}

// Write encodes module and writes it to path, creating the output
// directory if necessary.
func (FileModuleIO) Write(module *Module, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data := EncodeModule(module)
	return os.WriteFile(path, data, 0o644)
}

// EncodeModule serialises a Module to its container byte representation.
func EncodeModule(m *Module) []byte {
	w := &byteWriter{}
	w.buf = append(w.buf, magic[:]...)
	w.u16(formatVersion)
	w.str(m.AssemblyName)
	w.str(m.ModuleName)
	w.str(m.MVID)
	w.u32(uint32(m.COMImageFlags))

	w.bool(m.EntryPoint != nil)
	if m.EntryPoint != nil {
		w.str(m.EntryPoint.TypeFullName.Namespace)
		w.str(m.EntryPoint.TypeFullName.Name)
		w.str(m.EntryPoint.MethodName)
	}

	encodeCustomAttrs(w, m.CustomAttributes)

	// Deterministic resource order keeps repeat runs with a fixed seed
	// byte-identical.
	names := make([]string, 0, len(m.Resources))
	for name := range m.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	w.u32(uint32(len(names)))
	for _, name := range names {
		w.str(name)
		w.bytes(m.Resources[name])
	}

	w.u32(uint32(len(m.Types)))
	for _, t := range m.Types {
		encodeType(w, t)
	}
	return w.buf
}

func encodeCustomAttrs(w *byteWriter, attrs []CustomAttribute) {
	w.u32(uint32(len(attrs)))
	for _, a := range attrs {
		w.str(a.TypeName)
		w.bytes(a.Blob)
	}
}

func encodeType(w *byteWriter, t *Type) {
	w.str(t.FullName.Namespace)
	w.str(t.FullName.Name)
	w.u8(uint8(t.Visibility))
	w.u32(uint32(t.Attr))
	encodeCustomAttrs(w, t.CustomAttributes)

	w.u32(uint32(len(t.Fields)))
	for _, f := range t.Fields {
		w.str(f.Name)
		w.str(f.TypeName)
		w.u32(uint32(f.Attr))
		w.u8(uint8(f.Visibility))
		encodeCustomAttrs(w, f.CustomAttributes)
		w.bytes(f.InitialValue)
	}

	w.u32(uint32(len(t.Properties)))
	for _, p := range t.Properties {
		w.str(p.Name)
		w.str(p.TypeName)
		w.str(accessorName(p.Get))
		w.str(accessorName(p.Set))
		encodeCustomAttrs(w, p.CustomAttributes)
	}

	w.u32(uint32(len(t.Events)))
	for _, e := range t.Events {
		w.str(e.Name)
		w.str(e.TypeName)
		w.str(accessorName(e.Add))
		w.str(accessorName(e.Remove))
		w.str(accessorName(e.Raise))
		encodeCustomAttrs(w, e.CustomAttributes)
	}

	w.u32(uint32(len(t.Methods)))
	for _, meth := range t.Methods {
		encodeMethod(w, meth)
	}
}

func accessorName(a Accessor) string {
	if a.Method == nil {
		return ""
	}
	return a.Method.Name
}

func encodeMethod(w *byteWriter, meth *Method) {
	w.str(meth.Name)
	w.str(meth.ReturnTypeName)
	w.u32(uint32(meth.Attr))
	w.u8(uint8(meth.Visibility))
	w.str(meth.NativeEntryPoint)
	w.str(meth.ImplementsInterface)

	w.u16(uint16(len(meth.Params)))
	for _, p := range meth.Params {
		w.str(p.Name)
		w.str(p.TypeName)
	}

	w.bool(meth.Body != nil)
	if meth.Body != nil {
		encodeBody(w, meth.Body)
	}

	encodeCustomAttrs(w, meth.CustomAttributes)
}

func encodeBody(w *byteWriter, b *MethodBody) {
	w.u32(uint32(b.MaxStack))
	w.u16(uint16(len(b.Locals)))
	for _, l := range b.Locals {
		w.str(l.TypeName)
	}

	w.u32(uint32(len(b.Instructions)))
	for _, ins := range b.Instructions {
		w.u64(uint64(ins.ID))
		w.u16(uint16(ins.Op))
		encodeOperand(w, ins.Operand)
	}

	w.u16(uint16(len(b.ExceptionRegions)))
	for _, er := range b.ExceptionRegions {
		w.u8(uint8(er.Kind))
		w.u64(uint64(er.TryStart))
		w.u64(uint64(er.TryEnd))
		w.u64(uint64(er.HandlerStart))
		w.u64(uint64(er.HandlerEnd))
		w.str(er.CatchType)
	}
}

func encodeOperand(w *byteWriter, op Operand) {
	w.u8(uint8(op.Kind))
	switch op.Kind {
	case OperandNone:
	case OperandInt64:
		w.i64(op.Int64)
	case OperandFloat64:
		w.f64(op.Float64)
	case OperandString:
		w.ustr(op.Str)
	case OperandLocal:
		w.u32(uint32(op.LocalIndex))
	case OperandParam:
		w.u32(uint32(op.ParamIndex))
	case OperandField:
		w.str(op.FieldName)
		w.str(op.DeclaringRef)
	case OperandMethod:
		w.str(op.MethodName)
		w.str(op.Call.DeclaringRef)
		w.u32(uint32(op.Call.ArgCount))
		w.bool(op.Call.HasReturn)
	case OperandType:
		w.str(op.TypeName)
	case OperandJumpTarget:
		w.u64(uint64(op.JumpTarget))
	case OperandJumpTable:
		w.u32(uint32(len(op.JumpTable)))
		for _, id := range op.JumpTable {
			w.u64(uint64(id))
		}
	case OperandCallSig:
		w.str(op.Call.MethodName)
		w.str(op.Call.DeclaringRef)
		w.u32(uint32(op.Call.ArgCount))
		w.bool(op.Call.HasReturn)
	}
}

// DecodeModule parses the container byte representation produced by
// EncodeModule back into a Module.
func DecodeModule(data []byte) (*Module, error) {
	if len(data) < 6 {
		return nil, ErrInvalidModuleSize
	}
	r := &byteReader{buf: data}
	var hdr [4]byte
	copy(hdr[:], data[:4])
	r.off = 4
	if hdr != magic {
		return nil, ErrBadMagic
	}
	if _, err := r.u16(); err != nil { // version, currently unused beyond presence
		return nil, err
	}

	m := &Module{Resources: map[string][]byte{}}
	var err error
	if m.AssemblyName, err = r.str(); err != nil {
		return nil, err
	}
	if m.ModuleName, err = r.str(); err != nil {
		return nil, err
	}
	if m.MVID, err = r.str(); err != nil {
		return nil, err
	}
	comFlags, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.COMImageFlags = COMImageFlagsType(comFlags)

	hasEntry, err := r.boolean()
	if err != nil {
		return nil, err
	}
	if hasEntry {
		ep := &MethodRef{}
		if ep.TypeFullName.Namespace, err = r.str(); err != nil {
			return nil, err
		}
		if ep.TypeFullName.Name, err = r.str(); err != nil {
			return nil, err
		}
		if ep.MethodName, err = r.str(); err != nil {
			return nil, err
		}
		m.EntryPoint = ep
	}

	if m.CustomAttributes, err = decodeCustomAttrs(r); err != nil {
		return nil, err
	}

	resCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < resCount; i++ {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		blob, err := r.bytesN()
		if err != nil {
			return nil, err
		}
		m.Resources[name] = blob
	}

	typeCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < typeCount; i++ {
		t, err := decodeType(r)
		if err != nil {
			return nil, fmt.Errorf("clrmodel: decoding type %d: %w", i, err)
		}
		m.Types = append(m.Types, t)
		if t.IsGlobal() {
			m.GlobalType = t
		}
	}
	if m.GlobalType == nil && len(m.Types) > 0 {
		m.GlobalType = m.Types[0]
	}
	return m, nil
}

func decodeCustomAttrs(r *byteReader) ([]CustomAttribute, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	attrs := make([]CustomAttribute, 0, n)
	for i := uint32(0); i < n; i++ {
		typeName, err := r.str()
		if err != nil {
			return nil, err
		}
		blob, err := r.bytesN()
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, CustomAttribute{TypeName: typeName, Blob: blob})
	}
	return attrs, nil
}

func decodeType(r *byteReader) (*Type, error) {
	t := &Type{}
	var err error
	if t.FullName.Namespace, err = r.str(); err != nil {
		return nil, err
	}
	if t.FullName.Name, err = r.str(); err != nil {
		return nil, err
	}
	vis, err := r.u8()
	if err != nil {
		return nil, err
	}
	t.Visibility = Visibility(vis)
	attr, err := r.u32()
	if err != nil {
		return nil, err
	}
	t.Attr = TypeAttr(attr)
	if t.CustomAttributes, err = decodeCustomAttrs(r); err != nil {
		return nil, err
	}

	fieldCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < fieldCount; i++ {
		f := &Field{}
		if f.Name, err = r.str(); err != nil {
			return nil, err
		}
		if f.TypeName, err = r.str(); err != nil {
			return nil, err
		}
		fa, err := r.u32()
		if err != nil {
			return nil, err
		}
		f.Attr = MemberAttr(fa)
		fv, err := r.u8()
		if err != nil {
			return nil, err
		}
		f.Visibility = Visibility(fv)
		if f.CustomAttributes, err = decodeCustomAttrs(r); err != nil {
			return nil, err
		}
		if f.InitialValue, err = r.bytesN(); err != nil {
			return nil, err
		}
		t.Fields = append(t.Fields, f)
	}

	propCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	propAccessors := make([]struct{ get, set string }, propCount)
	for i := uint32(0); i < propCount; i++ {
		p := &Property{}
		if p.Name, err = r.str(); err != nil {
			return nil, err
		}
		if p.TypeName, err = r.str(); err != nil {
			return nil, err
		}
		if propAccessors[i].get, err = r.str(); err != nil {
			return nil, err
		}
		if propAccessors[i].set, err = r.str(); err != nil {
			return nil, err
		}
		if p.CustomAttributes, err = decodeCustomAttrs(r); err != nil {
			return nil, err
		}
		t.Properties = append(t.Properties, p)
	}

	eventCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	eventAccessors := make([]struct{ add, remove, raise string }, eventCount)
	for i := uint32(0); i < eventCount; i++ {
		e := &Event{}
		if e.Name, err = r.str(); err != nil {
			return nil, err
		}
		if e.TypeName, err = r.str(); err != nil {
			return nil, err
		}
		if eventAccessors[i].add, err = r.str(); err != nil {
			return nil, err
		}
		if eventAccessors[i].remove, err = r.str(); err != nil {
			return nil, err
		}
		if eventAccessors[i].raise, err = r.str(); err != nil {
			return nil, err
		}
		if e.CustomAttributes, err = decodeCustomAttrs(r); err != nil {
			return nil, err
		}
		t.Events = append(t.Events, e)
	}

	methodCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < methodCount; i++ {
		meth, err := decodeMethod(r)
		if err != nil {
			return nil, err
		}
		t.Methods = append(t.Methods, meth)
	}

	byName := make(map[string]*Method, len(t.Methods))
	for _, meth := range t.Methods {
		byName[meth.Name] = meth
	}
	for i, p := range t.Properties {
		p.Get = Accessor{Method: byName[propAccessors[i].get]}
		p.Set = Accessor{Method: byName[propAccessors[i].set]}
	}
	for i, e := range t.Events {
		e.Add = Accessor{Method: byName[eventAccessors[i].add]}
		e.Remove = Accessor{Method: byName[eventAccessors[i].remove]}
		e.Raise = Accessor{Method: byName[eventAccessors[i].raise]}
	}

	return t, nil
}

func decodeMethod(r *byteReader) (*Method, error) {
	m := &Method{}
	var err error
	if m.Name, err = r.str(); err != nil {
		return nil, err
	}
	if m.ReturnTypeName, err = r.str(); err != nil {
		return nil, err
	}
	attr, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Attr = MemberAttr(attr)
	vis, err := r.u8()
	if err != nil {
		return nil, err
	}
	m.Visibility = Visibility(vis)
	if m.NativeEntryPoint, err = r.str(); err != nil {
		return nil, err
	}
	if m.ImplementsInterface, err = r.str(); err != nil {
		return nil, err
	}

	paramCount, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < paramCount; i++ {
		var p Param
		if p.Name, err = r.str(); err != nil {
			return nil, err
		}
		if p.TypeName, err = r.str(); err != nil {
			return nil, err
		}
		m.Params = append(m.Params, p)
	}

	hasBody, err := r.boolean()
	if err != nil {
		return nil, err
	}
	if hasBody {
		if m.Body, err = decodeBody(r); err != nil {
			return nil, err
		}
	}

	if m.CustomAttributes, err = decodeCustomAttrs(r); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeBody(r *byteReader) (*MethodBody, error) {
	b := &MethodBody{}
	maxStack, err := r.u32()
	if err != nil {
		return nil, err
	}
	b.MaxStack = int(maxStack)

	localCount, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < localCount; i++ {
		typeName, err := r.str()
		if err != nil {
			return nil, err
		}
		b.Locals = append(b.Locals, Local{TypeName: typeName})
	}

	insCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < insCount; i++ {
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		opRaw, err := r.u16()
		if err != nil {
			return nil, err
		}
		operand, err := decodeOperand(r)
		if err != nil {
			return nil, err
		}
		ins := &Instruction{ID: InstrID(id), Op: OpCode(opRaw), Operand: operand}
		b.Instructions = append(b.Instructions, ins)
		if InstrID(id) > b.nextID {
			b.nextID = InstrID(id)
		}
	}

	regionCount, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < regionCount; i++ {
		var er ExceptionRegion
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		er.Kind = ExceptionKind(kind)
		tryStart, err := r.u64()
		if err != nil {
			return nil, err
		}
		er.TryStart = InstrID(tryStart)
		tryEnd, err := r.u64()
		if err != nil {
			return nil, err
		}
		er.TryEnd = InstrID(tryEnd)
		handlerStart, err := r.u64()
		if err != nil {
			return nil, err
		}
		er.HandlerStart = InstrID(handlerStart)
		handlerEnd, err := r.u64()
		if err != nil {
			return nil, err
		}
		er.HandlerEnd = InstrID(handlerEnd)
		if er.CatchType, err = r.str(); err != nil {
			return nil, err
		}
		b.ExceptionRegions = append(b.ExceptionRegions, er)
	}

	return b, nil
}

func decodeOperand(r *byteReader) (Operand, error) {
	kindRaw, err := r.u8()
	if err != nil {
		return Operand{}, err
	}
	kind := OperandKind(kindRaw)
	op := Operand{Kind: kind}
	var e error
	switch kind {
	case OperandNone:
	case OperandInt64:
		op.Int64, e = r.i64()
	case OperandFloat64:
		op.Float64, e = r.f64()
	case OperandString:
		op.Str, e = r.ustr()
	case OperandLocal:
		var v uint32
		v, e = r.u32()
		op.LocalIndex = int(v)
	case OperandParam:
		var v uint32
		v, e = r.u32()
		op.ParamIndex = int(v)
	case OperandField:
		if op.FieldName, e = r.str(); e != nil {
			break
		}
		op.DeclaringRef, e = r.str()
	case OperandMethod:
		if op.MethodName, e = r.str(); e != nil {
			break
		}
		if op.Call.DeclaringRef, e = r.str(); e != nil {
			break
		}
		var argc uint32
		if argc, e = r.u32(); e != nil {
			break
		}
		op.Call.ArgCount = int(argc)
		op.Call.HasReturn, e = r.boolean()
	case OperandType:
		op.TypeName, e = r.str()
	case OperandJumpTarget:
		var v uint64
		v, e = r.u64()
		op.JumpTarget = InstrID(v)
	case OperandJumpTable:
		var n uint32
		if n, e = r.u32(); e != nil {
			break
		}
		op.JumpTable = make([]InstrID, n)
		for i := uint32(0); i < n; i++ {
			var v uint64
			if v, e = r.u64(); e != nil {
				break
			}
			op.JumpTable[i] = InstrID(v)
		}
	case OperandCallSig:
		if op.Call.MethodName, e = r.str(); e != nil {
			break
		}
		if op.Call.DeclaringRef, e = r.str(); e != nil {
			break
		}
		var argc uint32
		if argc, e = r.u32(); e != nil {
			break
		}
		op.Call.ArgCount = int(argc)
		op.Call.HasReturn, e = r.boolean()
	}
	if e != nil {
		return Operand{}, e
	}
	return op, nil
}
