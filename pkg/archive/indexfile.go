package archive

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/gema-arta/ratarmount/pkg/common"
	"github.com/gema-arta/ratarmount/pkg/index"
)

// cacheDirName is the per-user fallback location for index files when the
// archive's own directory is not writable.
const cacheDirName = "~/.ratarmount"

func cacheDir() (string, error) {
	return homedir.Expand(cacheDirName)
}

// indexBasePaths returns the candidate index locations without their backend
// extension: first beside the archive, then inside the user cache directory
// with slashes in the archive path replaced by underscores.
func indexBasePaths(archivePath string) []string {
	paths := []string{archivePath + ".index"}
	if cache, err := cacheDir(); err == nil {
		escaped := strings.ReplaceAll(filepath.Clean(archivePath), string(os.PathSeparator), "_")
		paths = append(paths, filepath.Join(cache, escaped+".index"))
	}
	return paths
}

// lockIndex takes an advisory lock guarding index create/delete for one
// archive, so two mounts racing on the same archive do not clobber each
// other's index writes. The lock file sits beside the first candidate that
// has a writable directory.
func (it *IndexedTar) lockIndex() *flock.Flock {
	for _, base := range indexBasePaths(it.archivePath) {
		if dirWritable(filepath.Dir(base)) {
			lock := flock.New(base + ".lock")
			if err := lock.Lock(); err == nil {
				return lock
			}
		}
	}
	return nil
}

func unlockIndex(lock *flock.Flock) {
	if lock != nil {
		lock.Unlock()
	}
}

// clearIndexFiles deletes every candidate index file across all supported
// backend extensions.
func (it *IndexedTar) clearIndexFiles() {
	lock := it.lockIndex()
	defer unlockIndex(lock)

	for _, base := range indexBasePaths(it.archivePath) {
		for _, backend := range common.SupportedBackends(it.opts.Backend) {
			path := base + "." + backend.Extension()
			if err := os.Remove(path); err == nil {
				it.log.Info().Str("index", path).Msg("deleted index file")
			}
		}
	}
}

// loadIndex tries each candidate index file in order, preferred backend
// first at each location, and returns the first tree that loads. Zero-byte
// index files are deleted and skipped; corrupt ones are deleted so the
// subsequent scan rebuilds them.
func (it *IndexedTar) loadIndex() *index.Tree {
	for _, base := range indexBasePaths(it.archivePath) {
		for _, backend := range common.SupportedBackends(it.opts.Backend) {
			path := base + "." + backend.Extension()
			fi, err := os.Stat(path)
			if err != nil {
				continue
			}
			if fi.Size() == 0 {
				os.Remove(path)
				continue
			}

			tree, err := index.Load(path, backend)
			if err != nil {
				it.log.Warn().Err(err).Str("index", path).Msg("deleting unreadable index file")
				os.Remove(path)
				continue
			}

			it.log.Info().Str("index", path).Msg("loaded index file")
			return tree
		}
	}
	return nil
}

// writeIndex persists the tree, preferring the archive's sibling directory
// and falling back to the user cache directory. The index is written to a
// uniquely named temporary file first and renamed into place.
func (it *IndexedTar) writeIndex() (string, error) {
	lock := it.lockIndex()
	defer unlockIndex(lock)

	var lastErr error
	for i, base := range indexBasePaths(it.archivePath) {
		if i > 0 {
			// Cache directory fallback, created on demand.
			if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
				lastErr = err
				continue
			}
		}

		path := base + "." + it.opts.Backend.Extension()
		tmp := path + ".tmp-" + uuid.NewString()
		if err := index.Store(tmp, it.opts.Backend, it.tree); err != nil {
			os.Remove(tmp)
			lastErr = err
			continue
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			lastErr = err
			continue
		}
		return path, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no writable index location")
	}
	return "", lastErr
}

func dirWritable(dir string) bool {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return false
	}
	probe := filepath.Join(dir, ".ratarmount-probe-"+uuid.NewString())
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
