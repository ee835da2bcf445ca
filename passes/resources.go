// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"bytes"

	"github.com/klauspost/compress/zstd"

	"github.com/saferwall/ilguard/obfctx"
)

// ResourcesPassID is the stable identifier for the resources protection
// pass.
const ResourcesPassID = "resources-protection"

// resourceCompressedMarker prefixes an embedded resource blob that has
// been zstd-compressed by this pass, so a later pass or the runtime
// support library can tell it apart from an untouched blob.
var resourceCompressedMarker = []byte("ILGZ")

// ResourcesPass implements the resources-protection switch: it
// compresses every embedded managed resource with zstd, shrinking the
// module and incidentally denying a casual resource browser a readable
// payload without a matching decompressor.
type ResourcesPass struct{}

// NewResourcesPass returns the resources protection pass.
func NewResourcesPass() *ResourcesPass { return &ResourcesPass{} }

func (p *ResourcesPass) ID() string   { return ResourcesPassID }
func (p *ResourcesPass) Name() string { return "Resource Protection" }
func (p *ResourcesPass) Description() string {
	return "Compresses embedded managed resources with zstd."
}
func (p *ResourcesPass) Priority() int           { return 50 }
func (p *ResourcesPass) Dependencies() []string  { return nil }
func (p *ResourcesPass) ConflictsWith() []string { return nil }

func (p *ResourcesPass) CanApply(ctx *obfctx.Context) bool {
	return ctx.Config.EnableResourcesProtection && len(ctx.Module.Resources) > 0
}

// Apply compresses every resource blob in place.
func (p *ResourcesPass) Apply(ctx *obfctx.Context) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	for name, blob := range ctx.Module.Resources {
		if bytes.HasPrefix(blob, resourceCompressedMarker) {
			continue
		}
		compressed := enc.EncodeAll(blob, nil)
		out := make([]byte, 0, len(resourceCompressedMarker)+len(compressed))
		out = append(out, resourceCompressedMarker...)
		out = append(out, compressed...)
		ctx.Module.Resources[name] = out
	}
	return nil
}

// DecompressResource reverses ResourcesPass for a single blob, used by
// tests to confirm round-tripping.
func DecompressResource(blob []byte) ([]byte, error) {
	if !bytes.HasPrefix(blob, resourceCompressedMarker) {
		return blob, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(blob[len(resourceCompressedMarker):], nil)
}
