// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package passes implements the pass registry and orchestrator plus the
// individual transformation passes. Passes are modelled the
// way saferwall/pe's file.go models its anomaly detectors: small,
// independently testable units with a declared identity, driven by a
// supervisor that tolerates any one of them failing.
package passes

import "github.com/saferwall/ilguard/obfctx"

// Pass is one transformation step in the pipeline.
type Pass interface {
	// ID is the stable, unique identifier used in dependency/conflict
	// lists and in the applied-pass set.
	ID() string
	// Name is a short human-readable label.
	Name() string
	// Description is a one-line summary of what the pass does.
	Description() string
	// Priority breaks ties between otherwise-unordered passes in the
	// orchestrator's schedule; higher runs earlier.
	Priority() int
	// Dependencies lists pass IDs scheduled before this one. They only
	// order the run: this pass still runs when a dependency did not
	// apply or failed.
	Dependencies() []string
	// ConflictsWith lists pass IDs that, when registered, are scheduled
	// before this one (an ordering edge like a dependency).
	ConflictsWith() []string
	// CanApply reports whether the pass is applicable given the current
	// context (e.g. its configuration flag is enabled, or the module
	// has something for it to act on).
	CanApply(ctx *obfctx.Context) bool
	// Apply performs the transformation in place on ctx.Module.
	Apply(ctx *obfctx.Context) error
}

// Registry holds the set of passes known to one run, keyed by ID.
type Registry struct {
	byID  map[string]Pass
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Pass)}
}

// ErrDuplicatePass is returned by Register for a pass ID already present.
type ErrDuplicatePass struct{ ID string }

func (e *ErrDuplicatePass) Error() string { return "passes: duplicate pass id " + e.ID }

// Register adds p to the registry. Registering the same ID twice is an
// error.
func (r *Registry) Register(p Pass) error {
	if _, ok := r.byID[p.ID()]; ok {
		return &ErrDuplicatePass{ID: p.ID()}
	}
	r.byID[p.ID()] = p
	r.order = append(r.order, p.ID())
	return nil
}

// MustRegister panics on a duplicate ID; used for the default pipeline's
// static registration list, where a duplicate indicates a programming
// error rather than a runtime condition.
func (r *Registry) MustRegister(p Pass) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get looks up a pass by ID.
func (r *Registry) Get(id string) (Pass, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// All returns every registered pass in registration order.
func (r *Registry) All() []Pass {
	out := make([]Pass, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
