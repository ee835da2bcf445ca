// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command ilguard protects a managed (.NET/CLR) module file by running
// it through the renaming, string-encryption, control-flow-flattening,
// resource-protection, anti-tamper, watermarking, and finalizer passes,
// the way saferwall/pe's cmd/pedumper.go drives a single cobra command
// over one input file.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/log"
	"github.com/saferwall/ilguard/obfctx"
	"github.com/saferwall/ilguard/protector"
)

var (
	inputPath  string
	outputPath string
	configPath string
	level      string
	logLevel   string

	noRenaming    bool
	noStringEnc   bool
	noControlFlow bool
	noAntiDebug   bool
)

func buildConfiguration() (*config.Configuration, error) {
	var cfg *config.Configuration
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.New()
	}
	cfg = cfg.WithLevel(level)

	if noRenaming {
		cfg.EnableRenaming = false
	}
	if noStringEnc {
		cfg.EnableStringEncryption = false
	}
	if noControlFlow {
		cfg.EnableControlFlow = false
	}
	if noAntiDebug {
		// The anti-debug and anti-tamper concerns share one pass; the
		// flag switches the whole pass off.
		cfg.EnableAntiDebug = false
		cfg.EnableAntiTamper = false
	}
	if outputPath != "" {
		cfg.WithOutputPath(outputPath)
	}
	return cfg, nil
}

func filterLevelFor(name string) log.Level {
	switch name {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

func run(cmd *cobra.Command, args []string) error {
	if inputPath == "" {
		if len(args) == 0 {
			return fmt.Errorf("an input module path is required")
		}
		inputPath = args[0]
	}

	cfg, err := buildConfiguration()
	if err != nil {
		return err
	}

	logger := log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(filterLevelFor(logLevel))))

	p := protector.New()
	p.Logger = logger

	result, err := p.Protect(protector.Options{InputPath: inputPath, OutputPath: outputPath, Config: cfg})
	if err != nil {
		return err
	}

	applied := 0
	failed := 0
	for _, outcome := range result.Outcomes {
		if outcome.Applied {
			applied++
		}
		if outcome.Err != nil {
			failed++
		}
	}
	fmt.Fprintf(os.Stdout, "ilguard: %d passes applied, %d failed, %d diagnostics, wrote %s\n",
		applied, failed, len(result.Diagnostics), outputPathOrDefault(cfg))
	if !result.Success() {
		// Pass failures and error diagnostics (post-condition checks
		// included) must surface in the exit code even though the
		// module was written.
		for _, d := range result.Diagnostics {
			if d.Severity == obfctx.SeverityError {
				fmt.Fprintf(os.Stderr, "ilguard: error [%s] %s\n", d.Code, d.Message)
			}
		}
		return fmt.Errorf("protection completed with errors")
	}
	return nil
}

// runDump implements the "dump" subcommand: load a module file and print
// its metadata table row counts and COR20 header flags, without running
// any protection pass.
func runDump(cmd *cobra.Command, args []string) error {
	m, err := clrmodel.NewFileModuleIO().Load(args[0])
	if err != nil {
		return fmt.Errorf("loading module: %w", err)
	}

	fmt.Fprintf(os.Stdout, "module: %s (mvid %s)\n", m.ModuleName, m.MVID)
	if flags := m.COMImageFlags.Names(); len(flags) > 0 {
		fmt.Fprintf(os.Stdout, "flags:  %s\n", strings.Join(flags, ", "))
	}

	stats := m.TableStats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stdout, "  %-20s %d\n", name, stats[name])
	}
	return nil
}

func outputPathOrDefault(cfg *config.Configuration) string {
	if outputPath != "" {
		return outputPath
	}
	return cfg.OutputPath
}

func main() {
	root := &cobra.Command{
		Use:   "ilguard [input]",
		Short: "Protect a managed executable against static and dynamic analysis",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringVarP(&inputPath, "input", "i", "", "path to the input module file")
	flags.StringVarP(&outputPath, "output", "o", "", "path to write the protected module file")
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVarP(&level, "level", "l", "balanced", "protection level: none, minimal, balanced, aggressive")
	flags.StringVar(&logLevel, "log-level", "info", "log verbosity: debug, info, warn, error")
	flags.BoolVar(&noRenaming, "no-renaming", false, "disable the renaming pass")
	flags.BoolVar(&noStringEnc, "no-stringenc", false, "disable the string encryption pass")
	flags.BoolVar(&noControlFlow, "no-controlflow", false, "disable the control-flow flattening pass")
	flags.BoolVar(&noAntiDebug, "no-antidebug", false, "disable the anti-debug/tamper pass")

	root.AddCommand(&cobra.Command{
		Use:   "dump [input]",
		Short: "Print a module's metadata table row counts and header flags",
		Args:  cobra.ExactArgs(1),
		RunE:  runDump,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ilguard:", err)
		os.Exit(1)
	}
}
