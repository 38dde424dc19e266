package index

import (
	"bytes"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gema-arta/ratarmount/pkg/common"
)

func sampleTree(t *testing.T) *Tree {
	t.Helper()

	tree := NewTree()
	require.NoError(t, tree.SetFile("/a.txt", &common.FileRecord{
		Offset: 512, Size: 4, Mtime: 1500000000,
		Mode: 0o644 | syscall.S_IFREG, Type: common.TypeRegular,
		UID: 1000, GID: 100,
	}))
	require.NoError(t, tree.SetDir("/d", &common.FileRecord{
		Mode: 0o755 | syscall.S_IFDIR, Type: common.TypeDir, Mtime: 1500000001,
	}, nil))
	require.NoError(t, tree.SetFile("/d/link", &common.FileRecord{
		Mode: 0o777 | syscall.S_IFLNK, Type: common.TypeSymlink,
		Linkname: "../a.txt",
	}))
	require.NoError(t, tree.SetFile("/d/nested/deep.bin", &common.FileRecord{
		Offset: 4096, Size: 7, Mode: 0o600 | syscall.S_IFREG, Type: common.TypeRegular,
	}))
	require.NoError(t, tree.SetDir("/mounted", &common.FileRecord{
		Offset: 10240, Size: 2048, Mode: 0o555 | syscall.S_IFDIR,
		Type: common.TypeDir, IsTar: true,
	}, nil))
	return tree
}

func treesEqual(t *testing.T, want, got *Tree) {
	t.Helper()

	var wantBuf, gotBuf bytes.Buffer
	require.NoError(t, Encode(&wantBuf, want))
	require.NoError(t, Encode(&gotBuf, got))
	assert.Equal(t, wantBuf.Bytes(), gotBuf.Bytes())
}

func TestCodecRoundTrip(t *testing.T) {
	tree := sampleTree(t)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tree))

	decoded, err := Decode(&buf)
	require.NoError(t, err)

	record, ok := decoded.Stat("/a.txt")
	require.True(t, ok)
	assert.Equal(t, uint64(512), record.Offset)
	assert.Equal(t, uint64(4), record.Size)
	assert.Equal(t, int64(1500000000), record.Mtime)
	assert.Equal(t, uint32(1000), record.UID)

	link, ok := decoded.Stat("/d/link")
	require.True(t, ok)
	assert.Equal(t, "../a.txt", link.Linkname)

	mounted, ok := decoded.Stat("/mounted")
	require.True(t, ok)
	assert.True(t, mounted.IsTar)

	assert.True(t, decoded.Exists("/d/nested/deep.bin"))
	treesEqual(t, tree, decoded)
}

func TestCodecSelfEntry(t *testing.T) {
	tree := sampleTree(t)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tree))
	decoded, err := Decode(&buf)
	require.NoError(t, err)

	dir, ok := decoded.List("/d")
	require.True(t, ok)
	require.NotNil(t, dir.Self)
	assert.Equal(t, int64(1500000001), dir.Self.Mtime)

	// The self entry must not show up as a child named ".".
	assert.NotContains(t, dir.Names(), ".")
}

func TestDecodeRejectsCorruptStreams(t *testing.T) {
	var valid bytes.Buffer
	require.NoError(t, Encode(&valid, sampleTree(t)))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad root tag", []byte{0x07}},
		{"truncated dict", []byte{0x01}},
		{"bad entry tag", []byte{0x01, 0x09}},
		{"key not a string", []byte{0x01, 0x03, 0x05}},
		{"truncated string length", []byte{0x01, 0x03, 0x04, 0x02}},
		{"truncated record", append([]byte{0x01, 0x03, 0x04, 1, 0, 0, 0, 'x', 0x05}, 200, 0, 0, 0)},
		{"truncated stream", valid.Bytes()[:valid.Len()-3]},
		{"bad utf8 key", []byte{0x01, 0x03, 0x04, 2, 0, 0, 0, 0xff, 0xfe}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tc.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrCorruptIndex)
		})
	}
}

func TestStoreLoadCompressionWrappers(t *testing.T) {
	tree := sampleTree(t)

	for _, compression := range []common.Compression{
		common.CompressionNone,
		common.CompressionLZ4,
		common.CompressionGzip,
	} {
		name := string(compression)
		if name == "" {
			name = "none"
		}
		t.Run(name, func(t *testing.T) {
			backend := common.Backend{Codec: common.CodecCustom, Compression: compression}
			path := filepath.Join(t.TempDir(), "archive.index."+backend.Extension())

			require.NoError(t, Store(path, backend, tree))
			loaded, err := Load(path, backend)
			require.NoError(t, err)
			treesEqual(t, tree, loaded)
		})
	}
}
