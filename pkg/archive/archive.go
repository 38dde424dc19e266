package archive

import (
	stderrors "errors"
	"io"
	"os"
	gopath "path"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/gema-arta/ratarmount/pkg/common"
	"github.com/gema-arta/ratarmount/pkg/index"
)

// Options configure how an IndexedTar is built.
type Options struct {
	ArchivePath string
	WriteIndex  bool
	ClearCache  bool
	Recursive   bool
	Backend     common.Backend
	Verbosity   int
}

// IndexedTar owns the path tree for one archive. The archive is scanned once
// end-to-end on first mount and the resulting tree is persisted; subsequent
// mounts reload the tree from the index file instead of re-scanning. The
// open archive handle is shared by all reads, which go through ReadAt and
// never touch the handle position.
type IndexedTar struct {
	archivePath string
	file        *os.File
	tree        *index.Tree
	opts        Options
	log         zerolog.Logger
}

// New opens the archive and produces its path tree, either from a persisted
// index or from a fresh scan.
func New(opts Options) (*IndexedTar, error) {
	logger := log.With().Str("component", "archive").Logger().Level(common.LevelFromVerbosity(opts.Verbosity))

	file, err := os.Open(opts.ArchivePath)
	if err != nil {
		return nil, err
	}

	it := &IndexedTar{
		archivePath: opts.ArchivePath,
		file:        file,
		opts:        opts,
		log:         logger,
	}

	if opts.ClearCache {
		it.clearIndexFiles()
	}

	it.tree = it.loadIndex()
	built := false
	if it.tree == nil {
		fi, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, err
		}

		it.log.Info().Str("archive", opts.ArchivePath).Msg("creating offset index")
		tree := index.NewTree()
		if err := it.buildInto(tree, 0, fi.Size()); err != nil {
			file.Close()
			return nil, err
		}
		it.tree = tree
		built = true
	}

	if err := it.setRootRecord(); err != nil {
		file.Close()
		return nil, err
	}

	if built && opts.WriteIndex {
		if path, err := it.writeIndex(); err != nil {
			it.log.Warn().Err(err).Msg("could not write the index file, subsequent mounts might be slow")
		} else {
			it.log.Info().Str("index", path).Msg("wrote index file")
		}
	}

	return it, nil
}

// Tree returns the archive's path tree.
func (it *IndexedTar) Tree() *index.Tree {
	return it.tree
}

// Stat resolves a path inside the archive to its file record.
func (it *IndexedTar) Stat(path string) (*common.FileRecord, bool) {
	return it.tree.Stat(path)
}

// List resolves a path inside the archive to a directory.
func (it *IndexedTar) List(path string) (*index.Directory, bool) {
	return it.tree.List(path)
}

// ReadAt copies up to len(dest) bytes of the member's payload starting at
// off into dest. Reads past the member's end return fewer bytes. The
// underlying pread leaves the shared handle position untouched, so
// concurrent callbacks need no lock.
func (it *IndexedTar) ReadAt(record *common.FileRecord, dest []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= record.Size {
		return 0, nil
	}
	if max := record.Size - uint64(off); uint64(len(dest)) > max {
		dest = dest[:max]
	}
	n, err := it.file.ReadAt(dest, int64(record.Offset)+off)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "unable to read member payload")
	}
	return n, nil
}

// Close releases the archive handle.
func (it *IndexedTar) Close() error {
	return it.file.Close()
}

// buildInto scans one TAR stream window of the archive file and inserts its
// members into tree. base is the window's start within the physical archive;
// nested archives recurse with the nested payload window.
func (it *IndexedTar) buildInto(tree *index.Tree, base int64, length int64) error {
	section := io.NewSectionReader(it.file, base, length)
	return ScanTar(section, func(entry *ScannedEntry) error {
		record := &common.FileRecord{
			Offset:   uint64(base + entry.Offset),
			Size:     uint64(entry.Size),
			Mtime:    entry.Mtime,
			Mode:     entry.Mode | common.TypeBits(entry.Type),
			Type:     entry.Type,
			Linkname: entry.Linkname,
			UID:      entry.UID,
			GID:      entry.GID,
		}

		memberPath := gopath.Clean("/" + entry.Name)
		if memberPath == "/" {
			return nil
		}

		if it.opts.Recursive && entry.Type == common.TypeRegular && strings.HasSuffix(memberPath, ".tar") {
			nested := index.NewTree()
			if err := it.buildInto(nested, base+entry.Offset, entry.Size); err != nil {
				it.log.Warn().Err(err).Str("path", memberPath).Msg("member looks like a TAR but can not be scanned, keeping it as a file")
			} else {
				extracted := strings.TrimSuffix(memberPath, ".tar")
				if !tree.Exists(extracted) {
					memberPath = extracted
				}
				record.Mode = common.PromoteReadToExec(record.Mode&0o777) | syscall.S_IFDIR
				record.Type = common.TypeDir
				record.IsTar = true

				if tree.Exists(memberPath) {
					it.log.Warn().Str("path", memberPath).Msg("path already exists in the index and will be overwritten")
				}
				return tree.SetDir(memberPath, record, nested.Root())
			}
		}

		if prior, ok := tree.Stat(memberPath); ok {
			if prior.IsTar {
				// A synthesized mount occupies this path, e.g. foo.tar was
				// expanded to foo/ and now a real foo/ arrives. Move the
				// mount back to its .tar name before inserting.
				contents, _ := tree.List(memberPath)
				if err := tree.SetDir(memberPath+".tar", prior, contents); err != nil {
					return err
				}
				tree.Remove(memberPath)
			} else {
				it.log.Warn().Str("path", memberPath).Msg("path already exists in the index and will be overwritten")
			}
		}

		if entry.Type == common.TypeDir {
			return tree.SetDir(memberPath, record, nil)
		}
		if err := tree.SetFile(memberPath, record); err != nil {
			if stderrors.Is(err, common.ErrPathConflict) {
				it.log.Warn().Err(err).Str("path", memberPath).Msg("skipping conflicting member")
				return nil
			}
			return err
		}
		return nil
	})
}

// setRootRecord stamps the tree root with metadata derived from the archive
// file itself: same owner and permissions, directory bit set and read bits
// promoted so the mount point can be listed.
func (it *IndexedTar) setRootRecord() error {
	var st unix.Stat_t
	if err := unix.Stat(it.archivePath, &st); err != nil {
		return errors.Wrap(err, "unable to stat archive")
	}

	record := &common.FileRecord{
		Size:  uint64(st.Size),
		Mtime: st.Mtim.Sec,
		Mode:  common.PromoteReadToExec(uint32(st.Mode)&0o777) | syscall.S_IFDIR,
		Type:  common.TypeDir,
		UID:   st.Uid,
		GID:   st.Gid,
		IsTar: true,
	}
	return it.tree.SetDir("/", record, nil)
}
