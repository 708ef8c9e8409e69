// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Builder layers YAML overlays, such as a site file and a host file, on top
// of a base configuration
type Builder struct {
	base     *Config
	overlays []overlay
}

type overlay struct {
	origin string
	data   []byte
}

// Use sets the base configuration; DefaultConfig is used otherwise
func (b *Builder) Use(c *Config) *Builder {
	b.base = c
	return b
}

// Merge adds YAML documents merged in order, later ones winning
func (b *Builder) Merge(yamls ...string) *Builder {
	for i, y := range yamls {
		b.overlays = append(b.overlays, overlay{origin: fmt.Sprintf("overlay %d", i), data: []byte(y)})
	}
	return b
}

// MergeFile adds the YAML document at path
func (b *Builder) MergeFile(path string) *Builder {
	data, err := os.ReadFile(path)
	if err != nil {
		// surfaced by Build
		b.overlays = append(b.overlays, overlay{origin: path, data: nil})
		return b
	}
	b.overlays = append(b.overlays, overlay{origin: path, data: data})
	return b
}

// Build merges every overlay into the base and validates the result
func (b *Builder) Build() (*Config, error) {
	cfg := b.base
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var errs error
	for _, o := range b.overlays {
		if o.data == nil {
			errs = errors.Join(errs, fmt.Errorf("failed to read %s", o.origin))
			continue
		}
		additional := &Config{}
		if err := yaml.Unmarshal(o.data, additional); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to parse %s: %w", o.origin, err))
			continue
		}
		if err := mergo.Merge(cfg, additional, mergo.WithOverride, mergo.WithTransformers(boolPtrTransformer{})); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to merge %s: %w", o.origin, err))
		}
	}
	if errs != nil {
		return nil, errs
	}

	cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// boolPtrTransformer lets an overlay set a *bool to false. mergo skips
// zero values otherwise.
type boolPtrTransformer struct{}

func (boolPtrTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf((*bool)(nil)) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if !src.IsNil() && dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}
