// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package config implements the configuration schema: a builder-style
// settings object loadable from a YAML file, the way saferwall/pe's
// file.go builds an Options value defaulted then overridden by the
// caller.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// RenamingMode controls the name-intensity of the renaming pass.
type RenamingMode string

// Recognised renaming modes.
const (
	RenamingNone       RenamingMode = "none"
	RenamingLight      RenamingMode = "light"
	RenamingNormal     RenamingMode = "normal"
	RenamingAggressive RenamingMode = "aggressive"
)

// ControlFlowMode controls the intensity of the flattening pass.
type ControlFlowMode string

// Recognised control-flow modes.
const (
	ControlFlowNone    ControlFlowMode = "none"
	ControlFlowLight   ControlFlowMode = "light"
	ControlFlowNormal  ControlFlowMode = "normal"
	ControlFlowHeavy   ControlFlowMode = "heavy"
	ControlFlowExtreme ControlFlowMode = "extreme"
)

// EncryptionAlgorithm selects the string-encryption cipher.
type EncryptionAlgorithm string

// Recognised algorithms.
const (
	AlgorithmSymmetricBlock EncryptionAlgorithm = "symmetric-block"
	AlgorithmStream         EncryptionAlgorithm = "stream"
	AlgorithmCustom         EncryptionAlgorithm = "custom"
)

// AntiTamperMode controls the intensity of the anti-debug/tamper pass.
type AntiTamperMode string

// Recognised anti-tamper modes.
const (
	AntiTamperNone   AntiTamperMode = "none"
	AntiTamperLight  AntiTamperMode = "light"
	AntiTamperNormal AntiTamperMode = "normal"
	AntiTamperHeavy  AntiTamperMode = "heavy"
)

// OptimizationLevel controls the finalizer's simplify/optimise pass.
type OptimizationLevel string

// Recognised optimization levels.
const (
	OptimizationNone       OptimizationLevel = "none"
	OptimizationMinimal    OptimizationLevel = "minimal"
	OptimizationBalanced   OptimizationLevel = "balanced"
	OptimizationAggressive OptimizationLevel = "aggressive"
)

// DebugMode controls how the orchestrator reacts to a pass failure.
type DebugMode string

// Recognised debug modes.
const (
	DebugNone        DebugMode = "none"
	DebugSymbolsOnly DebugMode = "symbols-only"
	DebugFull        DebugMode = "full"
)

// NamingScheme selects the cosmetic shape of minted identifiers.
type NamingScheme string

// Recognised naming schemes, mirroring nameident.Scheme.
const (
	NamingAlphanumeric NamingScheme = "alphanumeric"
	NamingConfusable   NamingScheme = "confusable"
	NamingInvisible    NamingScheme = "invisible"
	NamingSimple       NamingScheme = "simple"
)

// RenamingOptions groups the renaming.* configuration keys.
type RenamingOptions struct {
	Mode                RenamingMode `yaml:"mode"`
	Scheme              NamingScheme `yaml:"scheme"`
	RenameFields        bool         `yaml:"rename_fields"`
	RenameProperties    bool         `yaml:"rename_properties"`
	RenameEvents        bool         `yaml:"rename_events"`
	RenameEnumMembers   bool         `yaml:"rename_enum_members"`
	FlattenNamespaces   bool         `yaml:"flatten_namespaces"`
	NamespacePrefix     string       `yaml:"namespace_prefix"`
	GenerateMappingFile bool         `yaml:"generate_mapping_file"`
}

// ControlFlowOptions groups the control_flow.* configuration keys.
type ControlFlowOptions struct {
	Mode                ControlFlowMode `yaml:"mode"`
	ComplexityThreshold int             `yaml:"complexity_threshold"`
	InsertJunkBlocks    bool            `yaml:"insert_junk_blocks"`
	SplitMethods        bool            `yaml:"split_methods"`
}

// EncryptionOptions groups the encryption.* configuration keys.
type EncryptionOptions struct {
	Algorithm         EncryptionAlgorithm `yaml:"algorithm"`
	EncryptStrings    bool                `yaml:"encrypt_strings"`
	EncryptMethods    bool                `yaml:"encrypt_methods"`
	EncryptResources  bool                `yaml:"encrypt_resources"`
	DynamicDecryption bool                `yaml:"dynamic_decryption"`
}

// AntiTamperOptions groups the anti_tamper.* configuration keys.
type AntiTamperOptions struct {
	Mode              AntiTamperMode `yaml:"mode"`
	ValidateChecksum  bool           `yaml:"validate_checksum"`
	ValidateSignature bool           `yaml:"validate_signature"`
	CorruptOnTamper   bool           `yaml:"corrupt_on_tamper"`
}

// Configuration is the full settings object.
type Configuration struct {
	EnableControlFlow         bool `yaml:"enable_control_flow"`
	EnableStringEncryption    bool `yaml:"enable_string_encryption"`
	EnableAntiDebug           bool `yaml:"enable_anti_debug"`
	EnableAntiTamper          bool `yaml:"enable_anti_tamper"`
	EnableRenaming            bool `yaml:"enable_renaming"`
	EnableWatermarking        bool `yaml:"enable_watermarking"`
	EnableVirtualisation      bool `yaml:"enable_virtualisation"`
	EnableMutation            bool `yaml:"enable_mutation"`
	EnableConstantsEncoding   bool `yaml:"enable_constants_encoding"`
	EnableResourcesProtection bool `yaml:"enable_resources_protection"`
	EnableCallIndirection     bool `yaml:"enable_call_indirection"`
	EnableJunkCode            bool `yaml:"enable_junk_code"`

	Renaming    RenamingOptions    `yaml:"renaming"`
	ControlFlow ControlFlowOptions `yaml:"control_flow"`
	Encryption  EncryptionOptions  `yaml:"encryption"`
	AntiTamper  AntiTamperOptions  `yaml:"anti_tamper"`

	ExcludedNamespaces []string `yaml:"excluded_namespaces"`
	ExcludedTypes      []string `yaml:"excluded_types"`
	ExcludedMethods    []string `yaml:"excluded_methods"`

	Optimization OptimizationLevel `yaml:"optimization"`
	DebugMode    DebugMode         `yaml:"debug_mode"`

	PreservePublicAPI        bool `yaml:"preserve_public_api"`
	PreserveDebugSymbols     bool `yaml:"preserve_debug_symbols"`
	PreserveCustomAttributes bool `yaml:"preserve_custom_attributes"`
	PreserveVirtualDispatch  bool `yaml:"preserve_virtual_dispatch"`

	// Seed, when non-zero, makes the run's random source
	// deterministic-on-seed instead of cryptographically seeded, for
	// reproducible builds.
	Seed uint64 `yaml:"seed"`

	OutputPath string `yaml:"output_path"`
}

// New returns the documented defaults: a "balanced" protection level with
// every pass switch enabled except virtualisation/mutation/
// constants-encoding/call-indirection/junk-code, which are recognised
// switches without a corresponding built-in pass, and
// resources-protection, which is also off by default.
func New() *Configuration {
	return &Configuration{
		EnableControlFlow:      true,
		EnableStringEncryption: true,
		EnableAntiDebug:        true,
		EnableAntiTamper:       true,
		EnableRenaming:         true,
		EnableWatermarking:     true,

		Renaming: RenamingOptions{
			Mode:             RenamingNormal,
			Scheme:           NamingAlphanumeric,
			RenameFields:     true,
			RenameProperties: true,
			RenameEvents:     true,
		},
		ControlFlow: ControlFlowOptions{
			Mode:                ControlFlowNormal,
			ComplexityThreshold: 3,
		},
		Encryption: EncryptionOptions{
			Algorithm:      AlgorithmSymmetricBlock,
			EncryptStrings: true,
		},
		AntiTamper: AntiTamperOptions{
			Mode:             AntiTamperNormal,
			ValidateChecksum: true,
		},

		Optimization: OptimizationBalanced,
		DebugMode:    DebugNone,

		PreserveVirtualDispatch: true,
	}
}

// WithLevel applies one of the CLI's named presets (none, minimal,
// balanced, aggressive) on top of the current configuration.
func (c *Configuration) WithLevel(level string) *Configuration {
	switch level {
	case "none":
		c.EnableControlFlow = false
		c.EnableStringEncryption = false
		c.EnableAntiDebug = false
		c.EnableAntiTamper = false
		c.EnableRenaming = false
		c.EnableWatermarking = false
	case "minimal":
		c.Renaming.Mode = RenamingLight
		c.ControlFlow.Mode = ControlFlowLight
		c.AntiTamper.Mode = AntiTamperLight
	case "aggressive":
		c.Renaming.Mode = RenamingAggressive
		c.ControlFlow.Mode = ControlFlowHeavy
		c.AntiTamper.Mode = AntiTamperHeavy
		c.EnableVirtualisation = true
		c.EnableJunkCode = true
	case "balanced", "":
		// already the default shape
	}
	return c
}

// WithOutputPath sets the required output path.
func (c *Configuration) WithOutputPath(path string) *Configuration {
	c.OutputPath = path
	return c
}

// WithSeed fixes the random seed for a reproducible run.
func (c *Configuration) WithSeed(seed uint64) *Configuration {
	c.Seed = seed
	return c
}

// Load reads a YAML configuration file and merges it onto New()'s
// defaults, backing the `-c|--config <path>` CLI flag.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExcludesType reports whether fullName is in the excluded-types set.
func (c *Configuration) ExcludesType(fullName string) bool {
	return contains(c.ExcludedTypes, fullName)
}

// ExcludesNamespace reports whether namespace is in the excluded-namespaces set.
func (c *Configuration) ExcludesNamespace(namespace string) bool {
	return contains(c.ExcludedNamespaces, namespace)
}

// ExcludesMethod reports whether fullName (Type::Method) is in the
// excluded-methods set.
func (c *Configuration) ExcludesMethod(fullName string) bool {
	return contains(c.ExcludedMethods, fullName)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
