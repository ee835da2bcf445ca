// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"github.com/google/uuid"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/obfctx"
)

// WatermarkPassID is the stable identifier for the watermarking pass.
const WatermarkPassID = "watermarking"

// WatermarkPass regenerates the module's MVID and embeds a custom
// attribute recording which build of the tool produced the output, so
// a protected module carries a provenance marker.
type WatermarkPass struct {
	// BuildTag identifies this invocation of the tool, e.g. a version
	// string or CI build number. Defaults to "dev" when empty.
	BuildTag string
}

// NewWatermarkPass returns the watermarking pass.
func NewWatermarkPass(buildTag string) *WatermarkPass {
	if buildTag == "" {
		buildTag = "dev"
	}
	return &WatermarkPass{BuildTag: buildTag}
}

func (p *WatermarkPass) ID() string   { return WatermarkPassID }
func (p *WatermarkPass) Name() string { return "Watermarking" }
func (p *WatermarkPass) Description() string {
	return "Regenerates the module version id and embeds a build provenance attribute."
}
func (p *WatermarkPass) Priority() int           { return 10 }
func (p *WatermarkPass) Dependencies() []string  { return []string{AntiTamperPassID} }
func (p *WatermarkPass) ConflictsWith() []string { return nil }

func (p *WatermarkPass) CanApply(ctx *obfctx.Context) bool {
	return ctx.Config.EnableWatermarking
}

// Apply regenerates MVID and appends the provenance attribute. The GUID
// bytes come from the run's shared random source, so a fixed seed
// reproduces the same MVID.
func (p *WatermarkPass) Apply(ctx *obfctx.Context) error {
	random, err := resolveRandomSource(ctx)
	if err != nil {
		return err
	}
	newID, err := uuid.FromBytes(random.NextBytes(16))
	if err != nil {
		return err
	}
	ctx.Module.MVID = newID.String()
	ctx.Module.CustomAttributes = append(ctx.Module.CustomAttributes, clrmodel.CustomAttribute{
		TypeName: "IlGuard.Runtime.ProtectedByAttribute",
		Blob:     []byte(p.BuildTag),
	})
	ctx.AddDiagnostic(obfctx.SeverityInfo, "watermark.mvid", "module MVID regenerated: "+ctx.Module.MVID, nil)
	return nil
}
