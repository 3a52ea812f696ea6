package terminal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTerminalRejectsNonTerminals(t *testing.T) {
	require.False(t, IsTerminal(&bytes.Buffer{}))

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	require.False(t, IsTerminal(f))
	require.Equal(t, 80, Width(f, 80))
	require.Equal(t, 72, Width(&bytes.Buffer{}, 72))
}
