// Package joined presents several on-disk files as one seekable, read-only
// byte stream.
package joined

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/gema-arta/ratarmount/pkg/common"
)

// JoinedFile concatenates the contents of its part files in order. Exactly
// one underlying file is held open at any time; reads that cross a part
// boundary switch to the next part transparently.
type JoinedFile struct {
	paths []string
	sizes []int64

	// cumulative[i] is the logical offset where part i begins. The extra
	// trailing element is the total size. Zero-length parts are dropped at
	// construction so the entries are strictly increasing.
	cumulative []int64

	offset  int64
	file    *os.File
	current int
}

// New stats every part and builds the cumulative size table. Missing parts
// or directories are an error; empty parts are skipped.
func New(paths []string) (*JoinedFile, error) {
	jf := &JoinedFile{cumulative: []int64{0}, current: -1}

	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "part %q", path)
		}
		if !fi.Mode().IsRegular() {
			return nil, errors.Errorf("part %q is not a regular file", path)
		}
		if fi.Size() == 0 {
			continue
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		jf.paths = append(jf.paths, abs)
		jf.sizes = append(jf.sizes, fi.Size())
		jf.cumulative = append(jf.cumulative, jf.cumulative[len(jf.cumulative)-1]+fi.Size())
	}

	if _, err := jf.Seek(0, io.SeekStart); err != nil {
		jf.Close()
		return nil, err
	}
	return jf, nil
}

// Size returns the total length of the joined stream.
func (jf *JoinedFile) Size() int64 {
	return jf.cumulative[len(jf.cumulative)-1]
}

// findPart returns the index of the part owning the given logical offset:
// the largest i with cumulative[i] <= offset. For sizes [5,2], offsets 0-4
// map to part 0 and offsets 5-6 to part 1. Offsets at or past the total size
// yield the number of parts, which is not a valid part index.
func (jf *JoinedFile) findPart(offset int64) int {
	return sort.Search(len(jf.cumulative), func(i int) bool {
		return jf.cumulative[i] > offset
	}) - 1
}

// openPart switches the open handle to part i and positions it at
// offsetInPart.
func (jf *JoinedFile) openPart(i int, offsetInPart int64) error {
	if i != jf.current {
		if jf.file != nil {
			jf.file.Close()
			jf.file = nil
		}
		f, err := os.Open(jf.paths[i])
		if err != nil {
			return err
		}
		jf.file = f
		jf.current = i
	}
	_, err := jf.file.Seek(offsetInPart, io.SeekStart)
	return err
}

// Read fills p with bytes starting at the current logical offset, continuing
// across part boundaries. It returns io.EOF once the logical end is reached.
func (jf *JoinedFile) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if jf.offset >= jf.Size() {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}

		i := jf.findPart(jf.offset)
		offsetInPart := jf.offset - jf.cumulative[i]
		if jf.current != i || jf.file == nil {
			if err := jf.openPart(i, offsetInPart); err != nil {
				return total, err
			}
		}

		readable := jf.sizes[i] - offsetInPart
		chunk := len(p) - total
		if int64(chunk) > readable {
			chunk = int(readable)
		}

		n, err := jf.file.Read(p[total : total+chunk])
		total += n
		jf.offset += int64(n)
		if err != nil && err != io.EOF {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// ReadAll returns the remaining bytes from the current logical offset to the
// end of the joined stream.
func (jf *JoinedFile) ReadAll() ([]byte, error) {
	remaining := jf.Size() - jf.offset
	if remaining <= 0 {
		return nil, nil
	}
	buf := make([]byte, remaining)
	n, err := io.ReadFull(jf, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return buf[:n], err
}

// Seek moves the logical offset. Seeking past the end is allowed; a negative
// resulting offset fails with ErrInvalidSeek.
func (jf *JoinedFile) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = jf.offset + offset
	case io.SeekEnd:
		target = jf.Size() + offset
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}

	if target < 0 {
		return 0, common.ErrInvalidSeek
	}
	jf.offset = target
	if jf.offset >= jf.Size() {
		return jf.offset, nil
	}

	i := jf.findPart(jf.offset)
	if err := jf.openPart(i, jf.offset-jf.cumulative[i]); err != nil {
		return 0, err
	}
	return jf.offset, nil
}

// Tell returns the current logical offset.
func (jf *JoinedFile) Tell() int64 {
	return jf.offset
}

// Close releases the currently open part.
func (jf *JoinedFile) Close() error {
	if jf.file == nil {
		return nil
	}
	err := jf.file.Close()
	jf.file = nil
	jf.current = -1
	return err
}
