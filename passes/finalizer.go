// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/obfctx"
)

// FinalizerPassID is the stable identifier for the finalizer pass.
const FinalizerPassID = "finalizer"

// FinalizerPass is a last pass that runs regardless of
// which other passes applied, performing a peephole simplification over
// every method body (dropping nops that are neither a jump target nor an
// exception-region boundary) and, at the aggressive optimisation level,
// removing instructions that are provably dead (unreachable after an
// unconditional terminator within the same block).
type FinalizerPass struct{}

// NewFinalizerPass returns the finalizer pass.
func NewFinalizerPass() *FinalizerPass { return &FinalizerPass{} }

func (p *FinalizerPass) ID() string   { return FinalizerPassID }
func (p *FinalizerPass) Name() string { return "Finalizer" }
func (p *FinalizerPass) Description() string {
	return "Peephole-simplifies method bodies and drops unreachable instructions."
}
func (p *FinalizerPass) Priority() int { return 0 }
func (p *FinalizerPass) Dependencies() []string {
	return []string{RenamePassID, StringEncryptionPassID, ControlFlowPassID, AntiTamperPassID, WatermarkPassID, ResourcesPassID}
}
func (p *FinalizerPass) ConflictsWith() []string { return nil }

// CanApply returns true unless the optimisation mode is none. It does not
// depend on which upstream passes were enabled, since a dependency that
// did not apply is simply skipped by the orchestrator, not treated as a
// hard failure.
func (p *FinalizerPass) CanApply(ctx *obfctx.Context) bool {
	return ctx.Config.Optimization != config.OptimizationNone
}

// Apply simplifies every method body in the module.
func (p *FinalizerPass) Apply(ctx *obfctx.Context) error {
	aggressive := ctx.Config.Optimization == config.OptimizationAggressive
	removed := 0
	for _, t := range ctx.Module.Types {
		for _, m := range t.Methods {
			if m.Body == nil {
				continue
			}
			removed += simplifyBody(m.Body, aggressive)
		}
	}
	ctx.AddDiagnostic(obfctx.SeverityInfo, "finalizer.simplified", "peephole simplification complete", removed)
	return nil
}

// simplifyBody removes nop instructions (they carry no semantics and the
// passes upstream never rely on their positions once the rewrite is
// final) and, in aggressive mode, truncates any instructions following
// an unconditional return/throw/branch within the same straight-line run
// that a later split never re-targets.
func simplifyBody(body *clrmodel.MethodBody, aggressive bool) int {
	jumpTargets := collectJumpTargets(body)

	kept := body.Instructions[:0:0]
	removed := 0
	terminated := false
	for _, ins := range body.Instructions {
		if jumpTargets[ins.ID] {
			terminated = false
		}
		if terminated {
			removed++
			continue
		}
		if ins.Op == clrmodel.OpNop && !jumpTargets[ins.ID] {
			removed++
			continue
		}
		kept = append(kept, ins)
		if aggressive {
			switch ins.Op.FlowControl() {
			case clrmodel.FlowControlReturn, clrmodel.FlowControlThrow, clrmodel.FlowControlBranch:
				terminated = true
			}
		}
	}
	body.Instructions = kept
	return removed
}

func collectJumpTargets(body *clrmodel.MethodBody) map[clrmodel.InstrID]bool {
	targets := make(map[clrmodel.InstrID]bool)
	for _, ins := range body.Instructions {
		if ins.Operand.Kind == clrmodel.OperandJumpTarget {
			targets[ins.Operand.JumpTarget] = true
		}
		if ins.Operand.Kind == clrmodel.OperandJumpTable {
			for _, id := range ins.Operand.JumpTable {
				targets[id] = true
			}
		}
	}
	for _, region := range body.ExceptionRegions {
		targets[region.TryStart] = true
		targets[region.TryEnd] = true
		targets[region.HandlerStart] = true
		targets[region.HandlerEnd] = true
	}
	return targets
}
