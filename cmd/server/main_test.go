package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/mbocsi/msgroute/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.Log{Level: "warn", Format: "json"})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "addr", "inprocess:a")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "inprocess:a", line["addr"])
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := newLogger(&bytes.Buffer{}, config.Log{Level: "loud"})
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmdMain.SetOut(&out)
	cmdMain.SetArgs([]string{"version"})
	require.NoError(t, cmdMain.Execute())
	assert.Equal(t, "0.1.0\n", out.String())
}
