package tarfs

import (
	"context"
	"io"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/gema-arta/ratarmount/pkg/common"
	"github.com/gema-arta/ratarmount/pkg/joined"
)

// JoinedFileName is the single entry exposed at the root of a joined mount.
const JoinedFileName = "joined"

// JoinedFileSystem exposes one virtual file whose content is the
// concatenation of the part files. The underlying stream keeps a cursor, so
// the seek/read pair in Read runs under a mutex; FUSE dispatches callbacks
// concurrently.
type JoinedFileSystem struct {
	file *joined.JoinedFile
	attr fuse.Attr
	mu   sync.Mutex
	log  zerolog.Logger
}

// NewJoinedFileSystem builds the filesystem. The virtual file inherits owner
// and permissions from firstPart and reports the joined total size.
func NewJoinedFileSystem(file *joined.JoinedFile, firstPart string, verbosity int) (*JoinedFileSystem, error) {
	var st unix.Stat_t
	if err := unix.Stat(firstPart, &st); err != nil {
		return nil, err
	}

	jfs := &JoinedFileSystem{
		file: file,
		log:  log.With().Str("component", "joinedfs").Logger().Level(common.LevelFromVerbosity(verbosity)),
	}
	jfs.attr = fuse.Attr{
		Size:  uint64(file.Size()),
		Mtime: uint64(st.Mtim.Sec),
		Mode:  common.MaskWriteBits(uint32(st.Mode)),
		Nlink: 1,
		Owner: fuse.Owner{Uid: st.Uid, Gid: st.Gid},
	}
	return jfs, nil
}

// Root returns the FUSE root node.
func (jfs *JoinedFileSystem) Root() (fs.InodeEmbedder, error) {
	return &joinedRootNode{filesystem: jfs}, nil
}

type joinedRootNode struct {
	fs.Inode
	filesystem *JoinedFileSystem
}

func (n *joinedRootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0o777 | syscall.S_IFDIR
	out.Nlink = 2
	return fs.OK
}

func (n *joinedRootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name != JoinedFileName {
		return nil, syscall.ENOENT
	}
	out.Attr = n.filesystem.attr
	child := n.NewInode(ctx, &joinedFileNode{filesystem: n.filesystem}, fs.StableAttr{Mode: n.filesystem.attr.Mode})
	return child, fs.OK
}

func (n *joinedRootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{{Mode: n.filesystem.attr.Mode, Name: JoinedFileName}}
	return fs.NewListDirStream(entries), fs.OK
}

type joinedFileNode struct {
	fs.Inode
	filesystem *JoinedFileSystem
}

func (n *joinedFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = n.filesystem.attr
	return fs.OK
}

func (n *joinedFileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, 0, fs.OK
}

func (n *joinedFileNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	jfs := n.filesystem
	jfs.log.Trace().Int64("offset", off).Msg("read")

	jfs.mu.Lock()
	defer jfs.mu.Unlock()

	if _, err := jfs.file.Seek(off, io.SeekStart); err != nil {
		jfs.log.Error().Err(err).Msg("seek failed")
		return nil, syscall.EIO
	}
	nRead, err := jfs.file.Read(dest)
	if err != nil && err != io.EOF {
		jfs.log.Error().Err(err).Msg("read failed")
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:nRead]), fs.OK
}
