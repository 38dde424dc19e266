package index

import (
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/gema-arta/ratarmount/pkg/common"
)

// Store writes the tree to path, wrapped in the backend's compression.
func Store(path string, backend common.Backend, tree *Tree) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch backend.Compression {
	case common.CompressionNone:
		if err := Encode(f, tree); err != nil {
			return err
		}
	case common.CompressionLZ4:
		w := lz4.NewWriter(f)
		if err := Encode(w, tree); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	case common.CompressionGzip:
		w := gzip.NewWriter(f)
		if err := Encode(w, tree); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	default:
		return errors.Errorf("unsupported compression %q", backend.Compression)
	}

	return f.Close()
}

// Load reads a tree from path, unwrapping the backend's compression.
func Load(path string, backend common.Backend) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var reader io.Reader
	switch backend.Compression {
	case common.CompressionNone:
		reader = f
	case common.CompressionLZ4:
		reader = lz4.NewReader(f)
	case common.CompressionGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(common.ErrCorruptIndex, err.Error())
		}
		defer gz.Close()
		reader = gz
	default:
		return nil, errors.Errorf("unsupported compression %q", backend.Compression)
	}

	return Decode(reader)
}
