// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"fmt"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/obfctx"
	"github.com/saferwall/ilguard/rng"
)

// ControlFlowPassID is the stable identifier for the control-flow
// flattening pass.
const ControlFlowPassID = "control-flow-flattening"

// ControlFlowPass splits each method body into basic blocks, shuffles
// their order, and redispatches between them through a synthetic state
// variable and a switch, so the body's static layout no longer mirrors
// its runtime order.
type ControlFlowPass struct{}

// NewControlFlowPass returns the control-flow flattening pass.
func NewControlFlowPass() *ControlFlowPass { return &ControlFlowPass{} }

func (p *ControlFlowPass) ID() string   { return ControlFlowPassID }
func (p *ControlFlowPass) Name() string { return "Control-Flow Flattening" }
func (p *ControlFlowPass) Description() string {
	return "Splits method bodies into basic blocks and redispatches them through a switch-driven state machine."
}
func (p *ControlFlowPass) Priority() int           { return 60 }
func (p *ControlFlowPass) Dependencies() []string  { return []string{StringEncryptionPassID} }
func (p *ControlFlowPass) ConflictsWith() []string { return nil }

func (p *ControlFlowPass) CanApply(ctx *obfctx.Context) bool {
	return ctx.Config.EnableControlFlow && ctx.Config.ControlFlow.Mode != config.ControlFlowNone
}

// basicBlock is one maximal straight-line run of instructions ending at a
// flow-control terminator (or at the body's end).
type basicBlock struct {
	instructions []*clrmodel.Instruction
	stateID      int
}

// Apply flattens every eligible method body in the module. Failures are
// confined to the method they occur in: the body is restored from its
// pre-pass clone, a CF001 warning is recorded, and the walk continues.
func (p *ControlFlowPass) Apply(ctx *obfctx.Context) error {
	random, err := resolveRandomSource(ctx)
	if err != nil {
		return err
	}
	threshold := ctx.Config.ControlFlow.ComplexityThreshold
	if threshold <= 0 {
		threshold = 1
	}

	for _, t := range ctx.Module.Types {
		if clrmodel.HasPreservedPrefix(t.FullName.String(), clrmodel.DefaultPreservedPrefixes) {
			continue
		}
		if t.Attr&clrmodel.TypeAttrSpecialName != 0 {
			continue
		}
		for _, m := range t.Methods {
			if !flattenable(ctx.Config, t, m) {
				continue
			}
			if len(m.Body.ExceptionRegions) > 0 && ctx.Config.ControlFlow.Mode != config.ControlFlowExtreme {
				// Exception-region remapping is only attempted at the
				// highest intensity; otherwise leave protected methods
				// untouched rather than risk a malformed region.
				continue
			}
			blocks := splitBasicBlocks(m.Body)
			if len(blocks) < 2 || len(blocks) < threshold {
				continue
			}
			flattenMethod(ctx, t, m, blocks, random)
		}
	}
	return nil
}

// flattenable gates flattening: a real body of at least three
// instructions on an ordinary (non-constructor, non-special, non-excluded)
// method.
func flattenable(cfg *config.Configuration, t *clrmodel.Type, m *clrmodel.Method) bool {
	if m.Body == nil || len(m.Body.Instructions) < 3 {
		return false
	}
	if m.IsConstructor() || m.IsStaticConstructor() {
		return false
	}
	if m.Attr&(clrmodel.MemberAttrSpecialName|clrmodel.MemberAttrRTSpecialName) != 0 {
		return false
	}
	return !cfg.ExcludesMethod(t.FullName.String() + "::" + m.Name)
}

// flattenMethod rewrites one body under the copy-on-fail contract: clone
// first, restore the clone and record a CF001 warning if anything goes
// wrong mid-rewrite.
func flattenMethod(ctx *obfctx.Context, t *clrmodel.Type, m *clrmodel.Method, blocks []*basicBlock, random rng.Source) {
	backup := m.Body.Clone()
	defer func() {
		if r := recover(); r != nil {
			m.Body.Instructions = backup.Instructions
			m.Body.Locals = backup.Locals
			m.Body.MaxStack = backup.MaxStack
			m.Body.ExceptionRegions = backup.ExceptionRegions
			ctx.AddDiagnostic(obfctx.SeverityWarning, "CF001",
				fmt.Sprintf("%s::%s: flattening failed, body reverted: %v", t.FullName, m.Name, r), nil)
		}
	}()
	flattenBody(m.Body, blocks, random, opaquePredicateCount(ctx.Config.ControlFlow, random))
}

// opaquePredicateCount decides how many opaque predicates to thread into
// a flattened body: none at light intensity unless InsertJunkBlocks is
// set, otherwise one to three.
func opaquePredicateCount(opts config.ControlFlowOptions, random rng.Source) int {
	if opts.Mode == config.ControlFlowLight && !opts.InsertJunkBlocks {
		return 0
	}
	return random.NextInt(1, 4)
}

// splitBasicBlocks partitions body's instruction list into maximal runs
// ending at a flow-control terminator.
func splitBasicBlocks(body *clrmodel.MethodBody) []*basicBlock {
	var blocks []*basicBlock
	var current []*clrmodel.Instruction
	for _, ins := range body.Instructions {
		current = append(current, ins)
		if ins.Op.EndsBasicBlock() {
			blocks = append(blocks, &basicBlock{instructions: current})
			current = nil
		}
	}
	if len(current) > 0 {
		blocks = append(blocks, &basicBlock{instructions: current})
	}
	return blocks
}

// flattenBody rewrites body in place: every block gets a state id, blocks
// are shuffled, and a dispatcher loop at the top of the body jumps to the
// instruction starting whichever block the current state names, using
// OpSwitch over the state local.
func flattenBody(body *clrmodel.MethodBody, blocks []*basicBlock, random rng.Source, predicates int) {
	stateLocalIdx := len(body.Locals)
	body.Locals = append(body.Locals, clrmodel.Local{TypeName: "System.Int32"})

	order := make([]int, len(blocks))
	for i := range order {
		order[i] = i
	}
	shuffle(order, random)
	for displayOrder, originalIdx := range order {
		blocks[originalIdx].stateID = displayOrder
	}

	// The last original block's fall-through must still lead to the
	// block that followed it in program order, since dropping the
	// terminator-less fall-through would change behaviour. Record each
	// block's logical successor (next in original order) before
	// reordering the physical layout.
	successorState := make([]int, len(blocks))
	for i := range blocks {
		if i+1 < len(blocks) {
			successorState[i] = blocks[i+1].stateID
		} else {
			successorState[i] = -1
		}
	}

	newBody := clrmodel.NewBody()
	newBody.Locals = body.Locals
	newBody.MaxStack = body.MaxStack + 1

	// Dispatch prologue: set the state local to the entry block's state,
	// then loop on "load state, switch on it". Every
	// block re-enters through dispatchHead instead of falling into
	// whatever block physically follows it after shuffling.
	newBody.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: int64(blocks[0].stateID)})
	newBody.NewInstruction(clrmodel.OpStLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: stateLocalIdx})
	dispatchHead := newBody.NewInstruction(clrmodel.OpLdLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: stateLocalIdx})
	switchIns := newBody.NewInstruction(clrmodel.OpSwitch, clrmodel.Operand{Kind: clrmodel.OperandJumpTable})
	// The switch's fall-through (a state outside the table) lands on the
	// default exit appended after the last block.
	exitBranch := newBody.NewInstruction(clrmodel.OpBr, clrmodel.Operand{Kind: clrmodel.OperandJumpTarget})

	// Emit blocks in shuffled physical order; each ends with a store to
	// the state local naming its successor and a branch back to
	// dispatchHead, unless it already ends in ret/throw. idMap tracks
	// old->new instruction IDs so any branch operand copied from the
	// original body (including exception-region boundaries) can be
	// repointed at its instruction's new identity.
	physical := make([]*basicBlock, len(blocks))
	for originalIdx, displayOrder := range order {
		physical[displayOrder] = blocks[originalIdx]
	}

	idMap := make(map[clrmodel.InstrID]clrmodel.InstrID, len(body.Instructions))
	blockHeadByState := make(map[int]*clrmodel.Instruction)
	var exitBranches []*clrmodel.Instruction
	for _, blk := range physical {
		if len(blk.instructions) == 0 {
			continue
		}
		for idx, ins := range blk.instructions {
			newIns := newBody.NewInstruction(ins.Op, ins.Operand)
			idMap[ins.ID] = newIns.ID
			if idx == 0 {
				blockHeadByState[blk.stateID] = newIns
			}
		}
		last := newBody.Instructions[len(newBody.Instructions)-1]
		switch last.Op.FlowControl() {
		case clrmodel.FlowControlReturn, clrmodel.FlowControlThrow:
			// terminal; nothing more to dispatch
		default:
			successor := successorStateFor(blk, successorState, blocks)
			if successor < 0 {
				// Last source-order block without a terminator: its
				// fall-off-the-end goes to the default exit.
				exitBranches = append(exitBranches, newBody.NewInstruction(clrmodel.OpBr, clrmodel.Operand{Kind: clrmodel.OperandJumpTarget}))
			} else {
				// Advance the state to this block's successor, then hand
				// control back to the dispatcher rather than falling into
				// whichever block physically follows after shuffling.
				newBody.NewInstruction(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: int64(successor)})
				newBody.NewInstruction(clrmodel.OpStLoc, clrmodel.Operand{Kind: clrmodel.OperandLocal, LocalIndex: stateLocalIdx})
				newBody.NewInstruction(clrmodel.OpBr, clrmodel.Operand{Kind: clrmodel.OperandJumpTarget, JumpTarget: dispatchHead.ID})
			}
		}
	}

	defaultExit := newBody.NewInstruction(clrmodel.OpRet, clrmodel.NoOperand())
	exitBranch.Operand.JumpTarget = defaultExit.ID
	for _, br := range exitBranches {
		br.Operand.JumpTarget = defaultExit.ID
	}

	// Repoint every branch operand copied from the original body at its
	// target's new instruction ID; synthesized dispatcher branches above
	// already carry correct new IDs and are left untouched by a miss.
	for _, ins := range newBody.Instructions {
		switch ins.Operand.Kind {
		case clrmodel.OperandJumpTarget:
			if newTarget, ok := idMap[ins.Operand.JumpTarget]; ok {
				ins.Operand.JumpTarget = newTarget
			}
		case clrmodel.OperandJumpTable:
			table := make([]clrmodel.InstrID, len(ins.Operand.JumpTable))
			for i, id := range ins.Operand.JumpTable {
				if newTarget, ok := idMap[id]; ok {
					table[i] = newTarget
				} else {
					table[i] = id
				}
			}
			ins.Operand.JumpTable = table
		}
	}

	dispatchTargets := make([]clrmodel.InstrID, len(blocks))
	for _, blk := range blocks {
		dispatchTargets[blk.stateID] = blockHeadByState[blk.stateID].ID
	}
	switchIns.Operand.JumpTable = dispatchTargets

	for i := 0; i < predicates; i++ {
		insertOpaquePredicate(newBody, random)
	}

	newBody.ExceptionRegions = make([]clrmodel.ExceptionRegion, len(body.ExceptionRegions))
	for i, er := range body.ExceptionRegions {
		newBody.ExceptionRegions[i] = clrmodel.ExceptionRegion{
			Kind:         er.Kind,
			TryStart:     idMap[er.TryStart],
			TryEnd:       idMap[er.TryEnd],
			HandlerStart: idMap[er.HandlerStart],
			HandlerEnd:   idMap[er.HandlerEnd],
			CatchType:    er.CatchType,
		}
	}

	body.Instructions = newBody.Instructions
	body.Locals = newBody.Locals
	body.MaxStack = newBody.MaxStack
	body.ExceptionRegions = newBody.ExceptionRegions
}

func successorStateFor(blk *basicBlock, successorState []int, blocks []*basicBlock) int {
	for i, b := range blocks {
		if b == blk {
			return successorState[i]
		}
	}
	return -1
}

// shuffle performs a Fisher-Yates permutation of order using random.
func shuffle(order []int, random rng.Source) {
	for i := len(order) - 1; i > 0; i-- {
		j := random.NextInt(0, i+1)
		order[i], order[j] = order[j], order[i]
	}
}

// insertOpaquePredicate splices an opaque predicate (either always true
// or always false) and a conditional branch on it at a
// randomly chosen safe boundary: a position where neither the current nor
// the next instruction alters control flow, so the inserted branch's
// target (the next instruction) equals its fall-through and the predicate
// is behaviour-neutral either way it is "decided" at runtime.
func insertOpaquePredicate(body *clrmodel.MethodBody, random rng.Source) {
	var safe []int
	for i := 0; i+1 < len(body.Instructions); i++ {
		if body.Instructions[i].Op.EndsBasicBlock() || body.Instructions[i+1].Op.EndsBasicBlock() {
			continue
		}
		safe = append(safe, i+1)
	}
	if len(safe) == 0 {
		return
	}
	pos := safe[random.NextInt(0, len(safe))]
	next := body.Instructions[pos]

	x := int64(random.NextInt(1, 1<<20))
	nextID := maxInstrID(body)
	var seq []*clrmodel.Instruction
	emit := func(op clrmodel.OpCode, operand clrmodel.Operand) {
		nextID++
		seq = append(seq, &clrmodel.Instruction{ID: nextID, Op: op, Operand: operand})
	}
	if random.NextInt(0, 2) == 0 {
		// Always true: x * 0 == 0.
		emit(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: x})
		emit(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: 0})
		emit(clrmodel.OpMul, clrmodel.NoOperand())
		emit(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: 0})
		emit(clrmodel.OpCeq, clrmodel.NoOperand())
		emit(clrmodel.OpBrTrue, clrmodel.Operand{Kind: clrmodel.OperandJumpTarget, JumpTarget: next.ID})
	} else {
		// Always false: x & 0 != 0.
		emit(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: x})
		emit(clrmodel.OpLdcI4, clrmodel.Operand{Kind: clrmodel.OperandInt64, Int64: 0})
		emit(clrmodel.OpAnd, clrmodel.NoOperand())
		emit(clrmodel.OpBrTrue, clrmodel.Operand{Kind: clrmodel.OperandJumpTarget, JumpTarget: next.ID})
	}
	rest := append(seq, body.Instructions[pos:]...)
	body.Instructions = append(body.Instructions[:pos:pos], rest...)
}
