package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if !cfg.EnableRenaming || !cfg.EnableStringEncryption {
		t.Fatal("expected renaming and string encryption enabled by default")
	}
	if cfg.EnableVirtualisation || cfg.EnableJunkCode {
		t.Fatal("expected virtualisation and junk code disabled by default")
	}
	if cfg.Renaming.Mode != RenamingNormal {
		t.Errorf("Renaming.Mode = %q, want normal", cfg.Renaming.Mode)
	}
}

func TestWithLevelNoneDisablesEverything(t *testing.T) {
	cfg := New().WithLevel("none")
	if cfg.EnableRenaming || cfg.EnableControlFlow || cfg.EnableAntiDebug || cfg.EnableAntiTamper || cfg.EnableWatermarking {
		t.Errorf("expected all passes disabled, got %+v", cfg)
	}
}

func TestWithLevelAggressiveRaisesIntensity(t *testing.T) {
	cfg := New().WithLevel("aggressive")
	if cfg.Renaming.Mode != RenamingAggressive {
		t.Errorf("Renaming.Mode = %q, want aggressive", cfg.Renaming.Mode)
	}
	if !cfg.EnableVirtualisation || !cfg.EnableJunkCode {
		t.Error("expected aggressive level to enable virtualisation and junk code")
	}
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ilguard.yaml")
	yamlContent := "enable_watermarking: false\nrenaming:\n  mode: aggressive\n  namespace_prefix: zz\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.EnableWatermarking {
		t.Error("expected enable_watermarking overridden to false")
	}
	if cfg.Renaming.Mode != RenamingAggressive {
		t.Errorf("Renaming.Mode = %q, want aggressive", cfg.Renaming.Mode)
	}
	if cfg.Renaming.NamespacePrefix != "zz" {
		t.Errorf("Renaming.NamespacePrefix = %q, want zz", cfg.Renaming.NamespacePrefix)
	}
	if !cfg.EnableRenaming {
		t.Error("expected untouched fields to keep their default value (enable_renaming)")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error loading a nonexistent config file")
	}
}

func TestExclusionHelpers(t *testing.T) {
	cfg := New()
	cfg.ExcludedTypes = []string{"Acme.Internal"}
	cfg.ExcludedNamespaces = []string{"Acme.Generated"}
	cfg.ExcludedMethods = []string{"Acme.Foo::Bar"}

	if !cfg.ExcludesType("Acme.Internal") || cfg.ExcludesType("Acme.Other") {
		t.Error("ExcludesType mismatch")
	}
	if !cfg.ExcludesNamespace("Acme.Generated") || cfg.ExcludesNamespace("Acme.Other") {
		t.Error("ExcludesNamespace mismatch")
	}
	if !cfg.ExcludesMethod("Acme.Foo::Bar") || cfg.ExcludesMethod("Acme.Foo::Baz") {
		t.Error("ExcludesMethod mismatch")
	}
}
