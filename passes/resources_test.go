package passes

import (
	"bytes"
	"testing"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
	"github.com/saferwall/ilguard/obfctx"
)

func TestResourcesPassCompressesAndRoundTrips(t *testing.T) {
	m := clrmodel.NewModule("Sample")
	payload := bytes.Repeat([]byte("resource-payload-"), 50)
	m.Resources["icon.bin"] = append([]byte(nil), payload...)

	cfg := config.New()
	cfg.EnableResourcesProtection = true
	ctx, err := obfctx.New(m, cfg)
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}

	pass := NewResourcesPass()
	if !pass.CanApply(ctx) {
		t.Fatal("expected resources pass to apply")
	}
	if err := pass.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if bytes.Equal(m.Resources["icon.bin"], payload) {
		t.Error("expected resource blob to be rewritten")
	}

	restored, err := DecompressResource(m.Resources["icon.bin"])
	if err != nil {
		t.Fatalf("DecompressResource failed: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Error("expected decompressed resource to match original payload")
	}
}

func TestResourcesPassSkipsWhenNoResources(t *testing.T) {
	cfg := config.New()
	cfg.EnableResourcesProtection = true
	ctx, err := obfctx.New(clrmodel.NewModule("Sample"), cfg)
	if err != nil {
		t.Fatalf("obfctx.New failed: %v", err)
	}
	if NewResourcesPass().CanApply(ctx) {
		t.Error("expected CanApply false when module has no resources")
	}
}
