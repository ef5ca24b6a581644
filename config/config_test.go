// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleINI = `
debug = on

[tracing]
service_name = testsvc
sample_rate = 10%
span_batch_interval = 0.5

[trace-publisher:testsvc]
zipkin_api_url = http://collector:9411/api/v1
retry_limit = 5
`

func TestLoad(t *testing.T) {
	cfg, err := Load([]byte(sampleINI))
	require.NoError(t, err)

	assert.Equal(t, "on", cfg.String("debug", ""))
	assert.Equal(t, "testsvc", cfg.String("tracing.service_name", ""))
	assert.Equal(t, "http://collector:9411/api/v1",
		cfg.String("trace-publisher:testsvc.zipkin_api_url", ""))

	assert.True(t, cfg.Has("tracing.sample_rate"))
	assert.False(t, cfg.Has("tracing.missing"))
}

func TestLoadBadINI(t *testing.T) {
	_, err := Load([]byte("[unclosed\nkey = value"))
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	cfg := Config{"k": "v"}
	assert.Equal(t, "v", cfg.String("k", "fallback"))
	assert.Equal(t, "fallback", cfg.String("missing", "fallback"))
}

func TestInt(t *testing.T) {
	cfg := Config{"n": "42", "bad": "forty-two"}

	n, err := cfg.Int("n", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = cfg.Int("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = cfg.Int("bad", 0)
	assert.Error(t, err)
}

func TestBool(t *testing.T) {
	cfg := Config{
		"on": "on", "off": "off", "yes": "Yes", "no": "no",
		"true": "true", "false": "false", "bad": "maybe",
	}
	for key, want := range map[string]bool{
		"on": true, "off": false, "yes": true, "no": false,
		"true": true, "false": false,
	} {
		got, err := cfg.Bool(key, !want)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}

	got, err := cfg.Bool("missing", true)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = cfg.Bool("bad", false)
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	cfg := Config{"go": "500ms", "seconds": "0.5", "bad": "soon"}

	d, err := cfg.Duration("go", 0)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)

	d, err = cfg.Duration("seconds", 0)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d)

	d, err = cfg.Duration("missing", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = cfg.Duration("bad", 0)
	assert.Error(t, err)
}

func TestPercent(t *testing.T) {
	cfg := Config{
		"pct": "10%", "float": "0.25", "over": "150%", "neg": "-1", "bad": "half",
	}

	f, err := cfg.Percent("pct", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.1, f)

	f, err = cfg.Percent("float", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.25, f)

	f, err = cfg.Percent("missing", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, f)

	for _, key := range []string{"over", "neg", "bad"} {
		_, err := cfg.Percent(key, 0)
		assert.Error(t, err, key)
	}
}
