package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "mediasync", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"serve", "sweep", "sync", "analyze", "migrate"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	cases := []struct {
		command, flag, def string
	}{
		{"serve", "migrate", "true"},
		{"sweep", "group", ""},
		{"sweep", "since", ""},
		{"sync", "message", ""},
		{"sync", "group", ""},
		{"analyze", "message", ""},
	}
	for _, tc := range cases {
		sub, _, err := cmd.Find([]string{tc.command})
		require.NoError(t, err)

		f := sub.Flags().Lookup(tc.flag)
		require.NotNil(t, f, "%s --%s", tc.command, tc.flag)
		assert.Equal(t, tc.def, f.DefValue)
	}
}

func TestSyncRequiresMessage(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"sync"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message")
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseSince("2h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	got, err = parseSince("2024-02-29T08:30:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 8, 30, 0, 0, time.UTC), got)

	_, err = parseSince("-5m", now)
	assert.Error(t, err)

	_, err = parseSince("last tuesday", now)
	assert.Error(t, err)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"groups_processed": 2}))
	assert.JSONEq(t, `{"groups_processed":2}`, buf.String())
}
