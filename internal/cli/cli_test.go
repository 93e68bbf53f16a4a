package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("--from", "")
	require.NoError(t, err)
	assert.Nil(t, ts)

	ts, err = parseTimestamp("--from", "2026-03-01T12:00:00Z")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ts.UTC())

	_, err = parseTimestamp("--to", "yesterday")
	assert.ErrorContains(t, err, "invalid --to value")
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"run", "status", "trigger-oracle", "set-rate", "halving", "history", "export", "version"} {
		assert.True(t, names[want], want)
	}
}

func TestSetRateRequiresOneArgument(t *testing.T) {
	assert.Error(t, setRateCmd.Args(setRateCmd, nil))
	assert.NoError(t, setRateCmd.Args(setRateCmd, []string{"1200"}))
}
