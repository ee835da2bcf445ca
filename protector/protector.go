// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package protector implements the top-level entry point: load a
// module, build a Context wired with the
// run's random source, schedule and run the default pass pipeline, and
// write the result back out. It plays the role saferwall/pe's file.go
// plays for a single PE: one Options-driven constructor the CLI (or any
// other caller) drives end to end.
package protector

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/log"
	"github.com/saferwall/ilguard/obfctx"
	"github.com/saferwall/ilguard/passes"
	"github.com/saferwall/ilguard/rng"
)

// Protector runs the full protection pipeline against one module file.
type Protector struct {
	ModuleIO clrmodel.ModuleIO
	Logger   *log.Helper
	Metrics  *passes.Metrics
	BuildTag string
}

// Options configures a single Protect call.
type Options struct {
	InputPath  string
	OutputPath string
	Config     *config.Configuration
}

// New returns a Protector using the default file-backed ModuleIO and
// stdout logger. Callers wanting Prometheus metrics or a different
// logger should set the corresponding fields directly.
func New() *Protector {
	return &Protector{
		ModuleIO: clrmodel.NewFileModuleIO(),
		Logger:   log.Default(),
		BuildTag: "dev",
	}
}

// WithMetrics registers a Metrics collector against reg and attaches it
// to the Protector.
func (p *Protector) WithMetrics(reg prometheus.Registerer) *Protector {
	p.Metrics = passes.NewMetrics(reg)
	return p
}

// DefaultRegistry returns a Registry populated with every built-in pass
// in the order their dependencies and priorities schedule them: renaming,
// then string encryption, then control-flow flattening, then resource
// protection, then anti-tamper, then watermarking, then the finalizer.
func DefaultRegistry(buildTag string) *passes.Registry {
	reg := passes.NewRegistry()
	reg.MustRegister(passes.NewRenamePass())
	reg.MustRegister(passes.NewStringEncryptionPass())
	reg.MustRegister(passes.NewControlFlowPass())
	reg.MustRegister(passes.NewResourcesPass())
	reg.MustRegister(passes.NewAntiTamperPass())
	reg.MustRegister(passes.NewWatermarkPass(buildTag))
	reg.MustRegister(passes.NewFinalizerPass())
	return reg
}

// Protect loads the module at opts.InputPath, runs the default pipeline
// against it, writes the result to opts.OutputPath (falling back to
// opts.Config.OutputPath when opts.OutputPath is empty), and
// returns the orchestrator's ProtectionResult.
func (p *Protector) Protect(opts Options) (*passes.ProtectionResult, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("protector: configuration must not be nil")
	}
	outputPath := opts.OutputPath
	if outputPath == "" {
		outputPath = opts.Config.OutputPath
	}
	if outputPath == "" {
		return nil, fmt.Errorf("protector: no output path configured")
	}

	p.Logger.Infof("loading module from %s", opts.InputPath)
	module, err := p.ModuleIO.Load(opts.InputPath)
	if err != nil {
		return nil, fmt.Errorf("protector: load failed: %w", err)
	}

	ctx, err := obfctx.New(module, opts.Config)
	if err != nil {
		return nil, fmt.Errorf("protector: context creation failed: %w", err)
	}

	var source rng.Source
	if opts.Config.Seed != 0 {
		source = rng.NewSeeded(opts.Config.Seed)
	} else {
		source = rng.NewCryptoSeeded()
	}
	if err := obfctx.RegisterService[rng.Source](ctx, source); err != nil {
		return nil, fmt.Errorf("protector: service registration failed: %w", err)
	}

	registry := DefaultRegistry(p.BuildTag)
	orchestrator := passes.NewOrchestrator(registry, p.Logger, p.Metrics)

	result, err := orchestrator.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("protector: scheduling failed: %w", err)
	}

	// Post-condition checks: a defective module is reported as an error
	// but still written, so the caller can inspect the output.
	if len(module.Types) == 0 {
		result.Diagnostics = append(result.Diagnostics, obfctx.Diagnostic{
			Severity: obfctx.SeverityError, Code: "postcondition.notypes",
			Message: "protected module contains no types",
		})
	}
	if module.EntryPoint != nil {
		if entry := module.FindEntryPointMethod(); entry == nil || entry.Body == nil {
			result.Diagnostics = append(result.Diagnostics, obfctx.Diagnostic{
				Severity: obfctx.SeverityError, Code: "postcondition.entrypoint",
				Message: "entry point does not resolve to a method body",
			})
		}
	}

	p.Logger.Infof("writing protected module to %s", outputPath)
	if err := p.ModuleIO.Write(module, outputPath); err != nil {
		return nil, fmt.Errorf("protector: write failed: %w", err)
	}

	if opts.Config.Renaming.GenerateMappingFile && len(result.RenameMap) > 0 {
		mapPath := outputPath + ".map"
		if err := os.WriteFile(mapPath, []byte(passes.RenameMapText(result.RenameMap)), 0o644); err != nil {
			p.Logger.Warnf("writing rename mapping file %s: %v", mapPath, err)
		} else {
			p.Logger.Infof("rename mapping file written to %s (%d entries)", mapPath, len(result.RenameMap))
		}
	}

	return result, nil
}
