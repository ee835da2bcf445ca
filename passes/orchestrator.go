// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"fmt"
	"sort"
	"time"

	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/log"
	"github.com/saferwall/ilguard/obfctx"
)

// ErrCycleDetected is returned by Schedule when the dependency graph among
// the requested passes is not a DAG.
type ErrCycleDetected struct{ Path []string }

func (e *ErrCycleDetected) Error() string {
	return fmt.Sprintf("passes: dependency cycle detected: %v", e.Path)
}

// PassOutcome records one pass's execution result within a run.
type PassOutcome struct {
	ID       string
	Applied  bool
	Skipped  bool
	Err      error
	Duration time.Duration
}

// ProtectionResult is the orchestrator's final report for one run.
type ProtectionResult struct {
	Outcomes    []PassOutcome
	Diagnostics []obfctx.Diagnostic
	RenameMap   map[string]string
	Duration    time.Duration
}

// Success reports whether the run completed without any error: neither
// a failed pass nor an error-severity diagnostic (post-condition checks
// report through the latter, since a defective module is still written).
func (r *ProtectionResult) Success() bool {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return false
		}
	}
	for _, d := range r.Diagnostics {
		if d.Severity == obfctx.SeverityError {
			return false
		}
	}
	return true
}

// AppliedIDs returns the ids of every pass that applied, in execution
// order; they are pairwise distinct since each pass runs at most once.
func (r *ProtectionResult) AppliedIDs() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Applied {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Errors returns every pass error, in execution order.
func (r *ProtectionResult) Errors() []error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Orchestrator schedules and supervises a Registry's passes against one
// Context, the way saferwall/pe's file.go drives its list of anomaly
// checks over one parsed File, but with dependency ordering and
// per-pass failure isolation added on top.
type Orchestrator struct {
	registry *Registry
	logger   *log.Helper
	metrics  *Metrics
}

// NewOrchestrator returns an Orchestrator bound to registry. A nil logger
// defaults to log.Default(); a nil metrics disables Prometheus recording.
func NewOrchestrator(registry *Registry, logger *log.Helper, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{registry: registry, logger: logger, metrics: metrics}
}

// Schedule returns the registry's passes topologically ordered, breaking
// ties by descending Priority then by ID for determinism. Both
// Dependencies and ConflictsWith contribute ordering edges: a declared
// conflict C must execute before the declaring pass, so C's output is
// this pass's input and the two never rewrite each other's work. A cycle
// through either edge kind fails the schedule before any mutation.
func (o *Orchestrator) Schedule() ([]Pass, error) {
	all := o.registry.All()
	byID := make(map[string]Pass, len(all))
	for _, p := range all {
		byID[p.ID()] = p
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(all))
	var order []Pass
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return &ErrCycleDetected{Path: append(append([]string(nil), path...), id)}
		}
		color[id] = gray
		path = append(path, id)
		p, ok := byID[id]
		if !ok {
			color[id] = black
			path = path[:len(path)-1]
			return nil
		}
		deps := append([]string(nil), p.Dependencies()...)
		deps = append(deps, p.ConflictsWith()...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, known := byID[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		path = path[:len(path)-1]
		order = append(order, p)
		return nil
	}

	ids := make([]string, 0, len(all))
	for _, p := range all {
		ids = append(ids, p.ID())
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := byID[ids[i]], byID[ids[j]]
		if pi.Priority() != pj.Priority() {
			return pi.Priority() > pj.Priority()
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Run schedules and executes every applicable pass against ctx, catching
// both returned errors and panics from an individual pass: one pass
// misbehaving must not abort the run. Dependencies order passes but do not gate them: a pass still
// runs when a dependency was disabled or failed, it just sees the module
// as the earlier passes actually left it.
func (o *Orchestrator) Run(ctx *obfctx.Context) (*ProtectionResult, error) {
	start := time.Now()
	order, err := o.Schedule()
	if err != nil {
		return nil, err
	}

	result := &ProtectionResult{}
	for _, p := range order {
		outcome := o.runOne(ctx, p)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Applied {
			ctx.MarkApplied(p.ID())
		}
		// A pass returning an error is ordinarily downgraded to a
		// diagnostic so the run continues; full debug mode re-raises it
		// to the caller instead (a panic re-raise is handled inside
		// runOne itself, since panic/recover can't cross this loop).
		if outcome.Err != nil && ctx.Config.DebugMode == config.DebugFull {
			result.Diagnostics = ctx.Diagnostics()
			result.RenameMap = ctx.RenameMap()
			result.Duration = time.Since(start)
			return result, fmt.Errorf("pass %s failed: %w", p.ID(), outcome.Err)
		}
	}
	result.Diagnostics = ctx.Diagnostics()
	result.RenameMap = ctx.RenameMap()
	result.Duration = time.Since(start)
	return result, nil
}

func (o *Orchestrator) runOne(ctx *obfctx.Context, p Pass) (outcome PassOutcome) {
	outcome.ID = p.ID()
	if !p.CanApply(ctx) {
		outcome.Skipped = true
		o.recordMetric(p.ID(), 0, false, false)
		return outcome
	}

	started := time.Now()
	defer func() {
		outcome.Duration = time.Since(started)
		if r := recover(); r != nil {
			outcome.Err = fmt.Errorf("pass %s panicked: %v", p.ID(), r)
			ctx.AddDiagnostic(obfctx.SeverityError, "pass.panic", outcome.Err.Error(), p.ID())
			o.logger.Errorf("pass %s panicked: %v", p.ID(), r)
			o.recordMetric(p.ID(), outcome.Duration, false, true)
			// Ordinarily a pass panic is caught and downgraded to a
			// diagnostic so one misbehaving pass doesn't abort the run;
			// in full debug mode the caller wants the original failure
			// surfaced instead, so let it keep propagating.
			if ctx.Config.DebugMode == config.DebugFull {
				panic(r)
			}
		}
	}()

	if err := p.Apply(ctx); err != nil {
		outcome.Err = err
		ctx.AddDiagnostic(obfctx.SeverityError, "pass.failed", err.Error(), p.ID())
		o.logger.Errorf("pass %s failed: %v", p.ID(), err)
		o.recordMetric(p.ID(), time.Since(started), false, true)
		return outcome
	}
	outcome.Applied = true
	ctx.AddDiagnostic(obfctx.SeverityInfo, "pass.applied", p.ID()+" applied", nil)
	o.recordMetric(p.ID(), time.Since(started), true, false)
	return outcome
}

func (o *Orchestrator) recordMetric(id string, d time.Duration, applied, failed bool) {
	if o.metrics == nil {
		return
	}
	o.metrics.Observe(id, d, applied, failed)
}
