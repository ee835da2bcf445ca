// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrmodel

// IsBitSet checks if the bit at the given position is set, the same
// little helper saferwall/pe's helper.go/dotnet.go use to decode heap
// size flags and the metadata tables' MaskValid bit vector.
func IsBitSet(n uint64, pos int) bool {
	val := n & (1 << uint(pos))
	return val > 0
}

// HasPreservedPrefix reports whether full starts with one of the given
// preserved-namespace prefixes (e.g. "System.", "Microsoft."), the
// mechanism the renaming pass uses to mark framework types
// non-renameable.
func HasPreservedPrefix(full string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(full) >= len(p) && full[:len(p)] == p {
			return true
		}
	}
	return false
}

// DefaultPreservedPrefixes are the framework namespace prefixes excluded
// from renaming and string encryption by default.
var DefaultPreservedPrefixes = []string{"System.", "Microsoft."}
