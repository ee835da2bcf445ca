package clrmodel

// InstrID is a stable handle for an instruction within one MethodBody. IDs
// are assigned once at creation and never reused, so a jump target or
// exception-region boundary keeps resolving to the same instruction
// across insertions/deletions.
type InstrID uint64

// OpCode is a reduced bytecode instruction set, covering everything the
// pipeline's passes need to reason about: literal loads, member access,
// calls, stack shuffling, and the flow-control family (branches, returns,
// throws, switch) that basic-block splitting keys off of.
type OpCode uint16

// Recognised opcodes.
const (
	OpNop OpCode = iota
	OpPop
	OpDup

	OpLdcI4
	OpLdcI8
	OpLdcR8
	OpLdStr
	OpLdNull

	OpLdLoc
	OpStLoc
	OpLdArg
	OpStArg

	OpLdFld
	OpStFld
	OpLdSFld
	OpStSFld

	OpCall
	OpCallVirt
	OpNewObj
	OpBox
	OpUnbox
	OpCastClass
	OpIsInst

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpNeg
	OpNot
	OpCeq
	OpCgt
	OpClt

	OpBr      // unconditional branch
	OpBrTrue  // conditional branch
	OpBrFalse // conditional branch
	OpBeq     // conditional branch
	OpBne     // conditional branch
	OpBlt     // conditional branch
	OpBgt     // conditional branch
	OpSwitch  // multi-way conditional branch
	OpRet     // return
	OpThrow   // throw
	OpRethrow // throw
	OpLeave   // unconditional branch out of a protected region
	OpEndFinally

	OpNewArr   // pop length, push a fresh array of the operand type
	OpLdLen    // pop array, push its length
	OpLdElemU1 // pop array+index, push the byte element zero-extended
	OpStElemU1 // pop array+index+value, store the byte element
	OpConvU1   // truncate the top of stack to an unsigned byte
)

// FlowControl classifies an opcode's effect on control flow, the
// property basic-block splitting uses to decide where a block ends.
type FlowControl uint8

// Recognised flow-control classes.
const (
	FlowControlNext FlowControl = iota
	FlowControlBranch
	FlowControlConditionalBranch
	FlowControlReturn
	FlowControlThrow
	FlowControlCall
)

// FlowControl returns the flow-control class of the opcode.
func (op OpCode) FlowControl() FlowControl {
	switch op {
	case OpBr, OpLeave:
		return FlowControlBranch
	case OpBrTrue, OpBrFalse, OpBeq, OpBne, OpBlt, OpBgt, OpSwitch:
		return FlowControlConditionalBranch
	case OpRet:
		return FlowControlReturn
	case OpThrow, OpRethrow:
		return FlowControlThrow
	case OpCall, OpCallVirt, OpNewObj:
		return FlowControlCall
	default:
		return FlowControlNext
	}
}

// EndsBasicBlock reports whether this opcode's flow-control class is one
// of the block-ending terminators: unconditional branch, conditional
// branch, return, or throw.
func (op OpCode) EndsBasicBlock() bool {
	switch op.FlowControl() {
	case FlowControlBranch, FlowControlConditionalBranch, FlowControlReturn, FlowControlThrow:
		return true
	default:
		return false
	}
}

// baseStackEffect returns the (pushed, popped) operand-stack delta of the
// opcode in isolation (i.e. not accounting for call arguments and return
// values, which Instruction.StackEffect adds from the operand).
func (op OpCode) baseStackEffect() (pushed, popped int) {
	switch op {
	case OpNop:
		return 0, 0
	case OpPop:
		return 0, 1
	case OpDup:
		return 2, 1
	case OpLdcI4, OpLdcI8, OpLdcR8, OpLdStr, OpLdNull, OpLdLoc, OpLdArg, OpLdSFld:
		return 1, 0
	case OpStLoc, OpStArg, OpStSFld:
		return 0, 1
	case OpLdFld:
		return 1, 1
	case OpStFld:
		return 0, 2
	case OpBox, OpUnbox, OpCastClass, OpIsInst, OpNeg, OpNot:
		return 1, 1
	case OpNewArr, OpLdLen, OpConvU1:
		return 1, 1
	case OpLdElemU1:
		return 1, 2
	case OpStElemU1:
		return 0, 3
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpAnd, OpOr, OpXor, OpShl, OpShr, OpCeq, OpCgt, OpClt:
		return 1, 2
	case OpBr, OpLeave, OpEndFinally:
		return 0, 0
	case OpBrTrue, OpBrFalse:
		return 0, 1
	case OpBeq, OpBne, OpBlt, OpBgt:
		return 0, 2
	case OpSwitch:
		return 0, 1
	case OpRet:
		return 0, 0 // a returned value, if any, is not counted as popped
	case OpThrow, OpRethrow:
		return 0, 0
	case OpCall, OpCallVirt, OpNewObj:
		return 0, 0 // call stack effect depends on the callee signature; see Instruction.StackEffect
	default:
		return 0, 0
	}
}

// OperandKind discriminates the Operand union.
type OperandKind uint8

// Recognised operand kinds: none, a primitive, a string, a reference to
// another metadata item, a jump target, or an array of jump targets.
const (
	OperandNone OperandKind = iota
	OperandInt64
	OperandFloat64
	OperandString
	OperandLocal
	OperandParam
	OperandField
	OperandMethod
	OperandType
	OperandJumpTarget
	OperandJumpTable
	OperandCallSig
)

// CallSignature captures enough of a call target's shape for stack-effect
// accounting without modelling a full method reference.
type CallSignature struct {
	ArgCount     int
	HasReturn    bool
	MethodName   string
	DeclaringRef string
}

// Operand is a tagged union over every operand shape an instruction can
// carry.
type Operand struct {
	Kind OperandKind

	Int64   int64
	Float64 float64
	Str     string

	LocalIndex int
	ParamIndex int
	FieldName  string
	MethodName string
	TypeName   string

	// DeclaringRef names the full type the FieldName above belongs to
	// (the field counterpart of Call.DeclaringRef), giving the renaming
	// pass's cross-reference repair a scope to resolve FieldName against
	// instead of matching on the bare member name alone.
	DeclaringRef string

	JumpTarget InstrID
	JumpTable  []InstrID

	Call CallSignature
}

// NoOperand is the zero-value "none" operand.
func NoOperand() Operand { return Operand{Kind: OperandNone} }

// Instruction is a single (opcode, operand) pair plus its stable ID.
type Instruction struct {
	ID      InstrID
	Op      OpCode
	Operand Operand
}

// StackEffect returns the net stack delta (pushed - popped) of this
// instruction, accounting for call signatures when present. Every
// rewrite must preserve it on every path.
func (ins *Instruction) StackEffect() int {
	pushed, popped := ins.Op.baseStackEffect()
	switch ins.Op {
	case OpCall, OpCallVirt, OpNewObj:
		popped += ins.Operand.Call.ArgCount
		if ins.Operand.Call.HasReturn || ins.Op == OpNewObj {
			pushed++
		}
	}
	return pushed - popped
}
