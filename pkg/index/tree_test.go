package index

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gema-arta/ratarmount/pkg/common"
)

func fileRecord(offset, size uint64) *common.FileRecord {
	return &common.FileRecord{
		Offset: offset,
		Size:   size,
		Mtime:  1234567890,
		Mode:   0o644 | syscall.S_IFREG,
		Type:   common.TypeRegular,
		UID:    1000,
		GID:    1000,
	}
}

func dirRecord() *common.FileRecord {
	return &common.FileRecord{
		Mode: 0o755 | syscall.S_IFDIR,
		Type: common.TypeDir,
	}
}

func TestSetFileCreatesAncestors(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.SetFile("/a/b/c.txt", fileRecord(100, 4)))

	assert.True(t, tree.Exists("/a"))
	assert.True(t, tree.IsDir("/a"))
	assert.True(t, tree.IsDir("/a/b"))
	assert.True(t, tree.Exists("/a/b/c.txt"))
	assert.False(t, tree.IsDir("/a/b/c.txt"))

	record, ok := tree.Stat("/a/b/c.txt")
	require.True(t, ok)
	assert.Equal(t, uint64(100), record.Offset)
	assert.Equal(t, uint64(4), record.Size)
}

func TestSetFileConflictWithFileAncestor(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.SetFile("/a", fileRecord(0, 1)))

	err := tree.SetFile("/a/b", fileRecord(0, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrPathConflict)
}

func TestStatSynthesizesDirectoryRecord(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.SetFile("/d/x", fileRecord(0, 1)))

	record, ok := tree.Stat("/d")
	require.True(t, ok)
	assert.Equal(t, uint32(0o555|syscall.S_IFDIR), record.Mode)
	assert.Equal(t, uint64(1), record.Size)
	assert.Equal(t, int64(0), record.Mtime)
	assert.Equal(t, uint32(0), record.UID)
	assert.False(t, record.IsTar)
}

func TestSetDirKeepsSelfMetadata(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.SetFile("/d/x", fileRecord(0, 1)))
	require.NoError(t, tree.SetDir("/d", dirRecord(), nil))

	// A later explicit directory entry must not drop existing children.
	assert.True(t, tree.Exists("/d/x"))

	record, ok := tree.Stat("/d")
	require.True(t, ok)
	assert.Equal(t, uint32(0o755|syscall.S_IFDIR), record.Mode)
}

func TestSetDirMergesContents(t *testing.T) {
	tree := NewTree()

	contents := &Directory{}
	contents.Set("x", &Node{File: fileRecord(10, 2)})
	contents.Set("y", &Node{File: fileRecord(20, 3)})
	require.NoError(t, tree.SetDir("/inner", dirRecord(), contents))

	assert.True(t, tree.Exists("/inner/x"))
	assert.True(t, tree.Exists("/inner/y"))

	dir, ok := tree.List("/inner")
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, dir.Names())
}

func TestSetDirAtRoot(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.SetFile("/a.txt", fileRecord(0, 4)))
	require.NoError(t, tree.SetDir("/", dirRecord(), nil))

	assert.True(t, tree.Exists("/a.txt"))
	record, ok := tree.Stat("/")
	require.True(t, ok)
	assert.Equal(t, uint32(0o755|syscall.S_IFDIR), record.Mode)
}

func TestLookupNormalizesPaths(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.SetFile("/a/b.txt", fileRecord(0, 1)))

	for _, path := range []string{"/a/b.txt", "a/b.txt", "//a//b.txt", "/a/./b.txt", "/x/../a/b.txt", "/a/c/../b.txt"} {
		assert.True(t, tree.Exists(path), "path %q", path)
	}

	_, ok := tree.Lookup("")
	assert.True(t, ok, "empty path resolves to the root")
	assert.True(t, tree.IsDir("/"))
}

func TestRemove(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.SetFile("/a/b.txt", fileRecord(0, 1)))

	tree.Remove("/a/b.txt")
	assert.False(t, tree.Exists("/a/b.txt"))
	assert.True(t, tree.Exists("/a"))

	// Removing the root or a missing path is a no-op.
	tree.Remove("/")
	tree.Remove("/missing")
	assert.True(t, tree.Exists("/a"))
}

func TestReaddirOrder(t *testing.T) {
	tree := NewTree()
	for _, name := range []string{"/zeta", "/alpha", "/mid"} {
		require.NoError(t, tree.SetFile(name, fileRecord(0, 1)))
	}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, tree.Root().Names())
}
