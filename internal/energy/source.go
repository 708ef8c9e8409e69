// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energy

import (
	"cmp"
	"slices"
)

// Kind identifies the variant of an energy usage source
type Kind string

const (
	KindHost           Kind = "host"
	KindVM             Kind = "vm"
	KindApplication    Kind = "app"
	KindGeneralPurpose Kind = "general-purpose"
)

// Source is anything power or energy can be apportioned to: a host, a
// deployed VM, an application running on a host or a general purpose node.
type Source interface {
	// ID returns the stable identity of the source within its Kind
	ID() string
	Kind() Kind
}

// SourceKey is the comparable identity of a Source, used as a map key so
// that two values describing the same entity collapse into one entry.
type SourceKey struct {
	Kind Kind
	ID   string
}

func (k SourceKey) String() string {
	return string(k.Kind) + "/" + k.ID
}

// KeyOf returns the identity key of s
func KeyOf(s Source) SourceKey {
	return SourceKey{Kind: s.Kind(), ID: s.ID()}
}

// SortSources orders sources by kind then id
func SortSources(sources []Source) {
	slices.SortFunc(sources, func(a, b Source) int {
		if c := cmp.Compare(a.Kind(), b.Kind()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID(), b.ID())
	})
}

// ContainsSource reports whether target is in sources, by identity
func ContainsSource(sources []Source, target Source) bool {
	key := KeyOf(target)
	return slices.ContainsFunc(sources, func(s Source) bool {
		return KeyOf(s) == key
	})
}
