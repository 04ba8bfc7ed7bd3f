package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"-database", "postgres://localhost/copydesk", "up"})
	require.NoError(t, err)
	require.Equal(t, "up", opts.command)
	require.Empty(t, opts.dir)

	opts, err = parseArgs([]string{"-database", "postgres://localhost/copydesk", "-path", "db/migrations", "down", "2"})
	require.NoError(t, err)
	require.Equal(t, "down", opts.command)
	require.Equal(t, 2, opts.steps)
	require.Equal(t, "db/migrations", opts.dir)

	opts, err = parseArgs([]string{"-database", "postgres://localhost/copydesk", "down"})
	require.NoError(t, err)
	require.Equal(t, 1, opts.steps)
}

func TestParseArgsRejects(t *testing.T) {
	t.Setenv("COPYDESK_DATABASE_DSN", "")
	cases := [][]string{
		{"up"},
		{"-database", "postgres://x"},
		{"-database", "postgres://x", "sideways"},
		{"-database", "postgres://x", "down", "zero"},
		{"-database", "postgres://x", "down", "0"},
	}
	for _, args := range cases {
		_, err := parseArgs(args)
		require.Error(t, err, args)
	}
}
