package atomicfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func TestWrite_CreatesParentAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "out.json")

	require.NoError(t, Write(path, writeString("first")))
	require.NoError(t, Write(path, writeString("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestWrite_FailureLeavesDestinationUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, Write(path, writeString("good")))

	boom := errors.New("encoder exploded")
	err := Write(path, func(w io.Writer) error {
		_, _ = io.WriteString(w, "half")
		return boom
	})
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.ErrorIs(t, err, boom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWrite_InterruptedBeforeRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, Write(path, writeString("committed")))

	crash := errors.New("killed by time limit")
	var tmp string
	err := WriteWithHooks(path, writeString("never visible"), Hooks{
		BeforeRename: func(tmpPath string) error {
			tmp = tmpPath
			return crash
		},
	})
	require.ErrorIs(t, err, crash)
	assert.FileExists(t, tmp)
	assert.True(t, IsTemp(filepath.Base(tmp)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "committed", string(data))

	n, err := CleanStaleTemps(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, tmp)
}

func TestIsTemp(t *testing.T) {
	assert.True(t, IsTemp(filepath.Base(TempPath("/x/ckpt.json"))))
	assert.False(t, IsTemp("ckpt.json"))
	assert.False(t, IsTemp("ckpt.json.tmp"))
	assert.False(t, IsTemp("notes.backup.tmp"))
}

func TestCleanStaleTemps_MissingDir(t *testing.T) {
	n, err := CleanStaleTemps(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWrite_ConcurrentWritersLastRenameWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	const writers = 8
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			errs <- Write(path, writeString(fmt.Sprintf("writer-%d-complete", i)))
		}(i)
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Regexp(t, `^writer-\d-complete$`, string(data))
}
