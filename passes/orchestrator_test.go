package passes

import (
	"fmt"
	"testing"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/obfctx"
	"github.com/saferwall/ilguard/rng"
)

type stubPass struct {
	id        string
	deps      []string
	conflicts []string
	priority  int
	applyFn   func(ctx *obfctx.Context) error
	canApply  bool
	calls     *[]string
}

func (s *stubPass) ID() string                        { return s.id }
func (s *stubPass) Name() string                      { return s.id }
func (s *stubPass) Description() string               { return "" }
func (s *stubPass) Priority() int                     { return s.priority }
func (s *stubPass) Dependencies() []string            { return s.deps }
func (s *stubPass) ConflictsWith() []string           { return s.conflicts }
func (s *stubPass) CanApply(ctx *obfctx.Context) bool { return s.canApply }
func (s *stubPass) Apply(ctx *obfctx.Context) error {
	if s.calls != nil {
		*s.calls = append(*s.calls, s.id)
	}
	if s.applyFn != nil {
		return s.applyFn(ctx)
	}
	return nil
}

func newTestContext(t *testing.T) *obfctx.Context {
	t.Helper()
	ctx, err := obfctx.New(clrmodel.NewModule("Sample"), config.New())
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}
	if err := obfctx.RegisterService[rng.Source](ctx, rng.NewSeeded(1)); err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}
	return ctx
}

func TestScheduleOrdersByDependency(t *testing.T) {
	reg := NewRegistry()
	var calls []string
	reg.MustRegister(&stubPass{id: "b", deps: []string{"a"}, canApply: true, calls: &calls})
	reg.MustRegister(&stubPass{id: "a", canApply: true, calls: &calls})

	o := NewOrchestrator(reg, nil, nil)
	order, err := o.Schedule()
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(order) != 2 || order[0].ID() != "a" || order[1].ID() != "b" {
		t.Fatalf("unexpected order: %v, %v", order[0].ID(), order[1].ID())
	}
}

func TestScheduleOrdersConflictingPassFirst(t *testing.T) {
	reg := NewRegistry()
	// "mutator" has higher priority, but declares a conflict with
	// "reader", so reader must still be scheduled first.
	reg.MustRegister(&stubPass{id: "mutator", conflicts: []string{"reader"}, priority: 100, canApply: true})
	reg.MustRegister(&stubPass{id: "reader", priority: 0, canApply: true})

	o := NewOrchestrator(reg, nil, nil)
	order, err := o.Schedule()
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if order[0].ID() != "reader" || order[1].ID() != "mutator" {
		t.Fatalf("expected conflicting pass to run first, got %s then %s", order[0].ID(), order[1].ID())
	}
}

func TestScheduleDetectsConflictCycle(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&stubPass{id: "a", conflicts: []string{"b"}})
	reg.MustRegister(&stubPass{id: "b", deps: []string{"a"}})

	o := NewOrchestrator(reg, nil, nil)
	if _, err := o.Schedule(); err == nil {
		t.Fatal("expected a cycle through a conflict edge to fail the schedule")
	}
}

func TestScheduleDetectsCycle(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&stubPass{id: "a", deps: []string{"b"}})
	reg.MustRegister(&stubPass{id: "b", deps: []string{"a"}})

	o := NewOrchestrator(reg, nil, nil)
	if _, err := o.Schedule(); err == nil {
		t.Fatal("expected a cycle detection error")
	}
}

func TestRunStillRunsDependentWhenDependencySkipped(t *testing.T) {
	reg := NewRegistry()
	var calls []string
	reg.MustRegister(&stubPass{id: "a", canApply: false, calls: &calls})
	reg.MustRegister(&stubPass{id: "b", deps: []string{"a"}, canApply: true, calls: &calls})

	ctx := newTestContext(t)
	o := NewOrchestrator(reg, nil, nil)
	result, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Dependencies order passes, they do not gate them: b still runs when
	// a was disabled.
	if len(calls) != 1 || calls[0] != "b" {
		t.Fatalf("expected only b to run, calls=%v", calls)
	}
	var aOutcome, bOutcome *PassOutcome
	for i := range result.Outcomes {
		switch result.Outcomes[i].ID {
		case "a":
			aOutcome = &result.Outcomes[i]
		case "b":
			bOutcome = &result.Outcomes[i]
		}
	}
	if aOutcome == nil || !aOutcome.Skipped {
		t.Fatalf("expected a outcome skipped, got %+v", aOutcome)
	}
	if bOutcome == nil || !bOutcome.Applied {
		t.Fatalf("expected b outcome applied, got %+v", bOutcome)
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&stubPass{id: "boom", canApply: true, applyFn: func(ctx *obfctx.Context) error {
		panic("kaboom")
	}})
	reg.MustRegister(&stubPass{id: "after", deps: []string{"boom"}, canApply: true})

	ctx := newTestContext(t)
	o := NewOrchestrator(reg, nil, nil)
	result, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run should not itself fail when a pass panics: %v", err)
	}
	if result.Outcomes[0].Err == nil {
		t.Fatal("expected the panicking pass's outcome to carry an error")
	}
}

func TestRunReraisesErrorInFullDebugMode(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&stubPass{id: "broken", canApply: true, applyFn: func(ctx *obfctx.Context) error {
		return fmt.Errorf("broken")
	}})

	cfg := config.New()
	cfg.DebugMode = config.DebugFull
	ctx, err := obfctx.New(clrmodel.NewModule("Sample"), cfg)
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}
	if err := obfctx.RegisterService[rng.Source](ctx, rng.NewSeeded(1)); err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}

	o := NewOrchestrator(reg, nil, nil)
	if _, err := o.Run(ctx); err == nil {
		t.Fatal("expected Run to propagate the pass error in full debug mode")
	}
}

func TestRunRepanicsInFullDebugMode(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&stubPass{id: "boom", canApply: true, applyFn: func(ctx *obfctx.Context) error {
		panic("kaboom")
	}})

	cfg := config.New()
	cfg.DebugMode = config.DebugFull
	ctx, err := obfctx.New(clrmodel.NewModule("Sample"), cfg)
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}
	if err := obfctx.RegisterService[rng.Source](ctx, rng.NewSeeded(1)); err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}

	o := NewOrchestrator(reg, nil, nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected Run to re-panic in full debug mode")
		}
	}()
	o.Run(ctx)
}

func TestRunAppliesSuccessfulPasses(t *testing.T) {
	reg := NewRegistry()
	var calls []string
	reg.MustRegister(&stubPass{id: "ok", canApply: true, calls: &calls})

	ctx := newTestContext(t)
	o := NewOrchestrator(reg, nil, nil)
	result, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Outcomes[0].Applied {
		t.Fatal("expected pass to be recorded as applied")
	}
	if !ctx.IsApplied("ok") {
		t.Fatal("expected context to mark the pass applied")
	}
}

func TestProtectionResultSuccessReflectsPassErrors(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&stubPass{id: "broken", canApply: true, applyFn: func(ctx *obfctx.Context) error {
		return fmt.Errorf("broken")
	}})

	ctx := newTestContext(t)
	o := NewOrchestrator(reg, nil, nil)
	result, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Success() {
		t.Error("expected Success to be false when a pass returned an error")
	}
	if len(result.Errors()) != 1 {
		t.Errorf("expected 1 recorded error, got %d", len(result.Errors()))
	}
}

func TestProtectionResultSuccessReflectsErrorDiagnostics(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&stubPass{id: "ok", canApply: true})

	ctx := newTestContext(t)
	o := NewOrchestrator(reg, nil, nil)
	result, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Success() {
		t.Fatal("expected a clean run to report success")
	}

	// Post-condition checks append error diagnostics directly to the
	// result after the orchestrator returns; they must flip Success.
	result.Diagnostics = append(result.Diagnostics, obfctx.Diagnostic{
		Severity: obfctx.SeverityError, Code: "postcondition.notypes", Message: "no types",
	})
	if result.Success() {
		t.Error("expected Success to be false once an error diagnostic is recorded")
	}
}
