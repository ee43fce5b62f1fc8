package blob

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS_PutOpen(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}

	key, err := fs.Put("bundles/ab/1.json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("bundles", "ab", "1.json"), key)
	assert.True(t, fs.Exists(key))

	f, err := fs.Open(key)
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))

	entries, err := os.ReadDir(filepath.Join(fs.Root, "bundles", "ab"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLocalFS_Overwrite(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	_, err := fs.Put("a.json", strings.NewReader("one"))
	require.NoError(t, err)
	_, err = fs.Put("a.json", strings.NewReader("two"))
	require.NoError(t, err)

	body, err := os.ReadFile(filepath.Join(fs.Root, "a.json"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(body))
}

func TestLocalFS_RejectsEscapingPaths(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	for _, p := range []string{"", ".", "..", "../x", "/etc/passwd", "a/../../x"} {
		_, err := fs.Put(p, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidPath, p)
		assert.False(t, fs.Exists(p), p)
	}
}

func TestLocalFS_Remove(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	key, err := fs.Put("a.json", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, fs.Remove(key))
	assert.False(t, fs.Exists(key))
	assert.NoError(t, fs.Remove(key), "removing a missing blob is not an error")
}
