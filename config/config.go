// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

// Package config loads flat dotted-key configuration from INI files and
// overlays typed accessors on the raw string values. Section names become
// key prefixes: the service_name key of the [tracing] section is addressed
// as "tracing.service_name".
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config is a flat mapping of dotted keys to string values.
type Config map[string]string

// Load reads INI configuration from source, which may be a file path, a
// []byte, or an io.Reader.
func Load(source interface{}) (Config, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c := make(Config)
	for _, section := range f.Sections() {
		prefix := ""
		if name := section.Name(); name != ini.DefaultSection {
			prefix = name + "."
		}
		for _, key := range section.Keys() {
			c[prefix+key.Name()] = key.Value()
		}
	}
	return c, nil
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// String returns the raw value of key, or fallback when absent.
func (c Config) String(key, fallback string) string {
	if v, ok := c[key]; ok {
		return v
	}
	return fallback
}

// Int returns key parsed as a base-10 integer, or fallback when absent.
func (c Config) Int(key string, fallback int) (int, error) {
	v, ok := c[key]
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

// Bool returns key parsed as a boolean, or fallback when absent. In
// addition to the strconv forms, on/off and yes/no are accepted.
func (c Config) Bool(key string, fallback bool) (bool, error) {
	v, ok := c[key]
	if !ok {
		return fallback, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

// Duration returns key parsed as a duration, or fallback when absent. Both
// Go duration strings ("500ms") and bare decimal seconds ("0.5") are
// accepted.
func (c Config) Duration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := c[key]
	if !ok {
		return fallback, nil
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return fallback, fmt.Errorf("config: %s: invalid duration %q", key, v)
}

// Percent returns key parsed as a fraction in [0, 1], or fallback when
// absent. Both percentages ("10%") and plain floats ("0.1") are accepted.
func (c Config) Percent(key string, fallback float64) (float64, error) {
	v, ok := c[key]
	if !ok {
		return fallback, nil
	}
	v = strings.TrimSpace(v)
	raw := v
	scale := 1.0
	if strings.HasSuffix(v, "%") {
		raw = strings.TrimSuffix(v, "%")
		scale = 0.01
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: invalid percent %q", key, v)
	}
	f *= scale
	if f < 0 || f > 1 {
		return fallback, fmt.Errorf("config: %s: %q is out of [0, 1]", key, v)
	}
	return f, nil
}
