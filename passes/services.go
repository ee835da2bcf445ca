// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package passes

import (
	"fmt"
	"sort"

	"github.com/saferwall/ilguard/obfctx"
	"github.com/saferwall/ilguard/rng"
)

// resolveRandomSource fetches the run's shared rng.Source. Passes never
// construct their own Source: every draw of nondeterminism in a run
// comes from the one registered instance.
func resolveRandomSource(ctx *obfctx.Context) (rng.Source, error) {
	source, err := obfctx.GetService[rng.Source](ctx)
	if err != nil {
		return nil, fmt.Errorf("passes: random source not registered: %w", err)
	}
	return source, nil
}

func sortStrings(s []string) { sort.Strings(s) }
