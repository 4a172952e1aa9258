package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRootCommandTree checks the subcommands are registered.
func TestRootCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range RootCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"coordinator", "worker", "migrate", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

// TestExpandPath resolves ~ against the home directory and leaves
// absolute and unresolvable paths alone.
func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "checkpoints"), expandPath("~/checkpoints"))
	assert.Equal(t, "/var/lib/ktrdr", expandPath("/var/lib/ktrdr"))
	assert.Equal(t, "relative/dir", expandPath("relative/dir"))
}
