package joined

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gema-arta/ratarmount/pkg/common"
)

// writeParts creates one file per size, filled with a single ascending byte
// sequence across all parts.
func writeParts(t *testing.T, sizes []int) []string {
	t.Helper()

	dir := t.TempDir()
	paths := make([]string, 0, len(sizes))
	next := byte(0)
	for i, size := range sizes {
		content := make([]byte, size)
		for j := range content {
			content[j] = next
			next++
		}
		path := filepath.Join(dir, strconv.Itoa(i))
		require.NoError(t, os.WriteFile(path, content, 0o644))
		paths = append(paths, path)
	}
	return paths
}

func TestFindPart(t *testing.T) {
	jf, err := New(writeParts(t, []int{2, 2, 2, 4, 8, 1}))
	require.NoError(t, err)
	defer jf.Close()

	expected := []int{0, 0, 1, 1, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 4, 4, 4, 4, 5}
	for offset, want := range expected {
		assert.Equal(t, want, jf.findPart(int64(offset)), "offset %d", offset)
	}
}

func TestSeekAndRead(t *testing.T) {
	jf, err := New(writeParts(t, []int{2, 2, 2, 4, 8, 1}))
	require.NoError(t, err)
	defer jf.Close()

	assert.Equal(t, int64(19), jf.Size())

	_, err = jf.Seek(5, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := jf.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{5, 6, 7, 8}, buf)

	pos, err := jf.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(19), pos)
	assert.Equal(t, int64(19), jf.Tell())
}

func TestReadEquivalence(t *testing.T) {
	sizes := []int{2, 2, 2, 4, 8, 1}
	jf, err := New(writeParts(t, sizes))
	require.NoError(t, err)
	defer jf.Close()

	var joined []byte
	for i := 0; i < 19; i++ {
		joined = append(joined, byte(i))
	}

	for offset := 0; offset <= len(joined); offset++ {
		for _, length := range []int{1, 2, 5, len(joined)} {
			_, err := jf.Seek(int64(offset), io.SeekStart)
			require.NoError(t, err)

			buf := make([]byte, length)
			n, _ := jf.Read(buf)

			want := joined[offset:]
			if len(want) > length {
				want = want[:length]
			}
			assert.Equal(t, want, buf[:n], "offset %d length %d", offset, length)
		}
	}
}

func TestReadAll(t *testing.T) {
	jf, err := New(writeParts(t, []int{2, 2}))
	require.NoError(t, err)
	defer jf.Close()

	all, err := jf.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, all)

	_, err = jf.Seek(3, io.SeekStart)
	require.NoError(t, err)
	rest, err := jf.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, rest)
}

func TestSingleFile(t *testing.T) {
	paths := writeParts(t, []int{2})

	jf, err := New(paths[:1])
	require.NoError(t, err)
	defer jf.Close()

	buf := make([]byte, 1)
	n, err := jf.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, buf[:n])

	n, err = jf.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, buf[:n])

	_, err = jf.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestZeroLengthPartsAreDropped(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	paths := writeParts(t, []int{3})
	jf, err := New([]string{empty, paths[0], empty})
	require.NoError(t, err)
	defer jf.Close()

	assert.Equal(t, int64(3), jf.Size())
	all, err := jf.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, all)
}

func TestSeekErrors(t *testing.T) {
	jf, err := New(writeParts(t, []int{2, 2}))
	require.NoError(t, err)
	defer jf.Close()

	_, err = jf.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, common.ErrInvalidSeek)

	_, err = jf.Seek(-100, io.SeekEnd)
	assert.ErrorIs(t, err, common.ErrInvalidSeek)

	// Seeking past the end is allowed, reads there yield no data.
	pos, err := jf.Seek(100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pos)

	buf := make([]byte, 1)
	_, err = jf.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestMissingPart(t *testing.T) {
	_, err := New([]string{"/nonexistent/part"})
	require.Error(t, err)
}
