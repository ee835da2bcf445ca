// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package nameident implements the name allocator: collision-free,
// scope-aware identifier minting under a configurable cosmetic scheme.
package nameident

import (
	"fmt"
	"strings"

	"github.com/saferwall/ilguard/rng"
)

// Scheme selects the cosmetic shape of minted identifiers.
type Scheme int

// Recognised naming schemes.
const (
	SchemeAlphanumeric Scheme = iota
	SchemeConfusable
	SchemeInvisible
	SchemeSimple
)

// Intensity controls the length distribution of minted identifiers.
type Intensity int

// Recognised intensities.
const (
	IntensityLight Intensity = iota
	IntensityNormal
	IntensityAggressive
)

// Intent records which kind of metadata member a name is being minted
// for. It does not currently change the allocation algorithm, but passes
// pass it through so future schemes can specialise by member kind.
type Intent int

// Recognised intents.
const (
	IntentType Intent = iota
	IntentMethod
	IntentField
	IntentProperty
	IntentEvent
)

const confusableAlphabet = "lI1i|"

var invisibleCodepoints = []rune{'​', '‌', '‍', '‎', '‏'}

// Allocator mints fresh identifiers within caller-supplied avoid-sets.
// The avoid-sets belong to the caller, who registers accepted names back
// into them; the Allocator itself carries the random source, the scheme,
// the intensity, and per-scope-tag collision counters.
type Allocator struct {
	random    rng.Source
	scheme    Scheme
	intensity Intensity
	counters  map[string]int // per-scope collision counters, keyed by a caller-supplied scope tag
}

// New builds an Allocator drawing from the given random source under the
// given scheme and intensity.
func New(random rng.Source, scheme Scheme, intensity Intensity) *Allocator {
	return &Allocator{random: random, scheme: scheme, intensity: intensity, counters: make(map[string]int)}
}

func (a *Allocator) lengthRange() (int, int) {
	switch a.intensity {
	case IntensityLight:
		return 4, 10
	case IntensityAggressive:
		return 8, 25
	default:
		return 6, 16
	}
}

// Allocate draws one fresh identifier not present in avoid, for the given
// intent, under a caller-chosen scope tag used only to namespace the
// collision-suffix counter (so unrelated scopes don't share a counter).
func (a *Allocator) Allocate(scopeTag string, intent Intent, avoid map[string]bool) string {
	_ = intent // reserved for future per-kind shaping
	candidate := a.draw()
	if !avoid[candidate] {
		return candidate
	}
	for {
		a.counters[scopeTag]++
		suffixed := fmt.Sprintf("%s_%d", candidate, a.counters[scopeTag])
		if !avoid[suffixed] {
			return suffixed
		}
	}
}

func (a *Allocator) draw() string {
	switch a.scheme {
	case SchemeConfusable:
		return a.drawConfusable()
	case SchemeInvisible:
		return a.drawInvisible()
	case SchemeSimple:
		return a.drawSimple()
	default:
		return a.drawAlphanumeric()
	}
}

func (a *Allocator) drawAlphanumeric() string {
	minLen, maxLen := a.lengthRange()
	n := a.random.NextInt(minLen, maxLen+1)
	var sb strings.Builder
	sb.WriteByte(firstCharAlphanumeric(a.random))
	for i := 1; i < n; i++ {
		sb.WriteByte(alphanumericChar(a.random))
	}
	return sb.String()
}

func (a *Allocator) drawConfusable() string {
	minLen, maxLen := a.lengthRange()
	n := a.random.NextInt(minLen, maxLen+1)
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte(confusableAlphabet[a.random.NextInt(0, len(confusableAlphabet))])
	}
	return sb.String()
}

func (a *Allocator) drawInvisible() string {
	minLen, maxLen := a.lengthRange()
	n := a.random.NextInt(minLen, maxLen+1)
	var sb strings.Builder
	sb.WriteByte('_')
	for i := 0; i < n; i++ {
		sb.WriteRune(invisibleCodepoints[a.random.NextInt(0, len(invisibleCodepoints))])
	}
	return sb.String()
}

func (a *Allocator) drawSimple() string {
	minLen, maxLen := a.lengthRange()
	n := a.random.NextInt(minLen, maxLen+1)
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte(byte('a' + a.random.NextInt(0, 26)))
	}
	return sb.String()
}

func firstCharAlphanumeric(r rng.Source) byte {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz_"
	return letters[r.NextInt(0, len(letters))]
}

func alphanumericChar(r rng.Source) byte {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	return chars[r.NextInt(0, len(chars))]
}
