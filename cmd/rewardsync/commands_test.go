package main

import (
	"bytes"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
)

func TestParseMappingID(t *testing.T) {
	id, err := parseMappingID("1234")
	require.NoError(t, err)
	require.Equal(t, snowflake.ID(1234), id)

	for _, raw := range []string{"", "abc", "0", "-5"} {
		_, err := parseMappingID(raw)
		require.Error(t, err, raw)
	}
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"serve"},
		{"worker"},
		{"drift", "detect"},
		{"drift", "sync"},
		{"reconcile", "all"},
		{"reconcile", "mapping"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}

	sync, _, err := root.Find([]string{"drift", "sync"})
	require.NoError(t, err)
	require.NotNil(t, sync.Flags().Lookup("dry-run"))

	detect, _, err := root.Find([]string{"drift", "detect"})
	require.NoError(t, err)
	require.NotNil(t, detect.Flags().Lookup("fail-on-drift"))
}

func TestReconcileMappingRejectsBadIDBeforeStartup(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"reconcile", "mapping", "not-a-number"})

	err := root.Execute()
	require.ErrorContains(t, err, "invalid mapping id")
	require.Empty(t, out.String())
}

func TestDriftDetectRequiresProvider(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"drift", "detect"})

	require.Error(t, root.Execute())
}
