package scripts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndRead(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	path, err := s.Save("check_price.py", "print('hi')\n")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, filepath.Join(s.Root(), "check_price.py"), path)

	got, err := s.Read("check_price.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", got)

	// Saving again overwrites.
	_, err = s.Save("check_price.py", "print('bye')\n")
	require.NoError(t, err)
	got, err = s.Read("check_price.py")
	require.NoError(t, err)
	assert.Equal(t, "print('bye')\n", got)
}

func TestSaveRejectsUnsafeNames(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../x.py", "a/b.py", `a\b.py`, "  "} {
		_, err := s.Save(name, "x")
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestReadMissing(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read("ghost.py")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSkipsEnvironmentArtifacts(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Save("b.py", "b")
	require.NoError(t, err)
	_, err = s.Save("a.py", "aa")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "requirements_a.txt"), []byte("requests\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(s.Root(), "venv_a"), 0o755))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.py", list[0].Name)
	assert.Equal(t, int64(2), list[0].Size)
	assert.Equal(t, "b.py", list[1].Name)
}
