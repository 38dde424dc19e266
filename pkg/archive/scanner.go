package archive

import (
	"archive/tar"
	"io"

	"github.com/pkg/errors"

	"github.com/gema-arta/ratarmount/pkg/common"
)

// ScannedEntry is one archive member as produced by a single forward pass
// over a TAR stream. Offset is the byte position of the member's payload
// relative to the start of the scanned stream.
type ScannedEntry struct {
	Name     string
	Offset   int64
	Size     int64
	Mode     uint32
	Mtime    int64
	Linkname string
	UID      uint32
	GID      uint32
	Type     byte
}

// ScanTar walks a TAR stream once, calling fn for every member in archive
// order. The stream must be positioned at the first header block. The payload
// offset of each member is captured by observing the stream position right
// after its header has been consumed, so the scanner never seeks backward.
func ScanTar(r io.ReadSeeker, fn func(entry *ScannedEntry) error) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(common.ErrMalformedArchive, err.Error())
		}

		offset, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.Wrap(err, "unable to read current stream offset")
		}

		entry := &ScannedEntry{
			Name:     hdr.Name,
			Offset:   offset,
			Size:     hdr.Size,
			Mode:     uint32(hdr.Mode) & 0o7777,
			Mtime:    hdr.ModTime.Unix(),
			Linkname: hdr.Linkname,
			UID:      uint32(hdr.Uid),
			GID:      uint32(hdr.Gid),
			Type:     typeFlag(hdr.Typeflag),
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

func typeFlag(flag byte) byte {
	switch flag {
	case tar.TypeDir:
		return common.TypeDir
	case tar.TypeSymlink:
		return common.TypeSymlink
	case tar.TypeLink:
		return common.TypeHardLink
	case tar.TypeChar:
		return common.TypeChar
	case tar.TypeBlock:
		return common.TypeBlock
	case tar.TypeFifo:
		return common.TypeFifo
	default:
		return common.TypeRegular
	}
}
