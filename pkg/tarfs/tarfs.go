// Package tarfs exposes an indexed TAR archive as a read-only FUSE
// filesystem.
package tarfs

import (
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gema-arta/ratarmount/pkg/archive"
	"github.com/gema-arta/ratarmount/pkg/common"
)

// TarFileSystem serves kernel callbacks from an IndexedTar: attribute and
// directory lookups go to the path tree, reads become positioned reads
// against the archive file.
type TarFileSystem struct {
	archive *archive.IndexedTar
	root    *FSNode
	log     zerolog.Logger
}

// NewFileSystem builds the filesystem over an indexed archive.
func NewFileSystem(a *archive.IndexedTar, verbosity int) (*TarFileSystem, error) {
	tfs := &TarFileSystem{
		archive: a,
		log:     log.With().Str("component", "tarfs").Logger().Level(common.LevelFromVerbosity(verbosity)),
	}

	if _, ok := a.Stat("/"); !ok {
		return nil, errors.New("archive has no root node")
	}
	tfs.root = &FSNode{filesystem: tfs, path: "/"}
	return tfs, nil
}

// Root returns the FUSE root node.
func (tfs *TarFileSystem) Root() (fs.InodeEmbedder, error) {
	if tfs.root == nil {
		return nil, errors.New("root not initialized")
	}
	return tfs.root, nil
}
