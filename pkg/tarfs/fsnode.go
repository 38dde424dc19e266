package tarfs

import (
	"context"
	gopath "path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gema-arta/ratarmount/pkg/common"
	"github.com/gema-arta/ratarmount/pkg/index"
)

type FSNode struct {
	fs.Inode
	filesystem *TarFileSystem
	path       string
}

// fillAttr projects a file record into a FUSE attribute block. Write bits
// are always cleared and every entry reports two links, matching the
// read-only view.
func fillAttr(record *common.FileRecord, attr *fuse.Attr) {
	attr.Size = record.Size
	attr.Mtime = uint64(record.Mtime)
	attr.Mode = common.MaskWriteBits(record.Mode)
	attr.Nlink = 2
	attr.Owner = fuse.Owner{Uid: record.UID, Gid: record.GID}
}

func (n *FSNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.filesystem.log.Debug().Str("path", n.path).Msg("getattr")

	record, ok := n.filesystem.archive.Stat(n.path)
	if !ok {
		// The source filesystem answered missing paths in getattr with
		// EROFS rather than ENOENT; keep that quirk.
		return syscall.EROFS
	}
	fillAttr(record, &out.Attr)
	return fs.OK
}

func (n *FSNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := gopath.Join(n.path, name)
	n.filesystem.log.Debug().Str("path", childPath).Msg("lookup")

	record, ok := n.filesystem.archive.Stat(childPath)
	if !ok {
		return nil, syscall.ENOENT
	}
	fillAttr(record, &out.Attr)

	child := n.NewInode(ctx, &FSNode{filesystem: n.filesystem, path: childPath}, fs.StableAttr{Mode: record.Mode})
	return child, fs.OK
}

func (n *FSNode) Opendir(ctx context.Context) syscall.Errno {
	return fs.OK
}

func (n *FSNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.filesystem.log.Debug().Str("path", n.path).Msg("readdir")

	dir, ok := n.filesystem.archive.List(n.path)
	if !ok {
		return nil, syscall.ENOENT
	}

	entries := make([]fuse.DirEntry, 0, dir.Len())
	dir.Scan(func(name string, node *index.Node) bool {
		mode := uint32(syscall.S_IFDIR)
		if node.File != nil {
			mode = node.File.Mode
		} else if node.Dir.Self != nil {
			mode = node.Dir.Self.Mode
		}
		entries = append(entries, fuse.DirEntry{Mode: mode, Name: name})
		return true
	})
	return fs.NewListDirStream(entries), fs.OK
}

func (n *FSNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, 0, fs.OK
}

func (n *FSNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.filesystem.log.Trace().Str("path", n.path).Int64("offset", off).Msg("read")

	record, ok := n.filesystem.archive.Stat(n.path)
	if !ok {
		return nil, syscall.EROFS
	}

	nRead, err := n.filesystem.archive.ReadAt(record, dest, off)
	if err != nil {
		n.filesystem.log.Error().Err(err).Str("path", n.path).Msg("read failed")
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:nRead]), fs.OK
}

func (n *FSNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	record, ok := n.filesystem.archive.Stat(n.path)
	if !ok {
		return nil, syscall.EROFS
	}
	if record.Linkname == "" && !record.IsSymlink() {
		return nil, syscall.EINVAL
	}
	return []byte(record.Linkname), fs.OK
}

func (n *FSNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (n *FSNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *FSNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *FSNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *FSNode) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}

func (n *FSNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}
