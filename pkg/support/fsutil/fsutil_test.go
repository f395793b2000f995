package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "present"), []byte("x"), 0o644))
	exists, err = FileExists(filepath.Join(dir, "present"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReplaceTildeInDir(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", must.M1(ReplaceTildeInDir("/tmp/x")))
	assert.Equal(t, filepath.Join(usr.HomeDir, "ckpt"), must.M1(ReplaceTildeInDir("~/ckpt")))
	assert.Equal(t, usr.HomeDir, must.M1(ReplaceTildeInDir("~")))
	_, err = ReplaceTildeInDir("~no_such_user_hopefully_42/x")
	require.Error(t, err)
}
