package common

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Index files are framed with single-byte tags. A dictionary is a stream of
// key-value pairs between TagDictBegin and TagDictEnd; keys are strings and
// values are either file records or nested dictionaries.
const (
	TagDictBegin byte = 0x01
	TagDictEnd   byte = 0x02
	TagKeyValue  byte = 0x03
	TagString    byte = 0x04
	TagRecord    byte = 0x05
)

type Codec string

const (
	CodecCustom Codec = "custom"
)

type Compression string

const (
	CompressionNone Compression = ""
	CompressionLZ4  Compression = "lz4"
	CompressionGzip Compression = "gz"
)

// Backend pairs an index codec with an optional compression wrapper. The
// zero value names no codec; ParseBackend or an explicit CodecCustom yields a
// usable backend.
type Backend struct {
	Codec       Codec
	Compression Compression
}

var (
	codecs       = []Codec{CodecCustom}
	compressions = []Compression{CompressionNone, CompressionLZ4, CompressionGzip}
)

// Extension returns the index file extension for the backend, e.g. "custom"
// or "custom.gz".
func (b Backend) Extension() string {
	if b.Compression == CompressionNone {
		return string(b.Codec)
	}
	return string(b.Codec) + "." + string(b.Compression)
}

// ParseBackend parses a serialization backend name such as "custom" or
// "custom.lz4" into its codec and compression parts.
func ParseBackend(name string) (Backend, error) {
	codec, compression, _ := strings.Cut(name, ".")
	b := Backend{Codec: Codec(codec), Compression: Compression(compression)}

	validCodec := false
	for _, c := range codecs {
		if b.Codec == c {
			validCodec = true
		}
	}
	validCompression := false
	for _, c := range compressions {
		if b.Compression == c {
			validCompression = true
		}
	}
	if !validCodec || !validCompression {
		return Backend{}, errors.Errorf("unsupported serialization backend %q", name)
	}
	return b, nil
}

// SupportedBackends lists every codec and compression combination, preferred
// backend first. This doubles as the probe order for existing index files.
func SupportedBackends(preferred Backend) []Backend {
	backends := []Backend{preferred}
	for _, codec := range codecs {
		for _, compression := range compressions {
			b := Backend{Codec: codec, Compression: compression}
			if b != preferred {
				backends = append(backends, b)
			}
		}
	}
	return backends
}

// LevelFromVerbosity maps the CLI debug level 0-3 onto a zerolog level.
func LevelFromVerbosity(verbosity int) zerolog.Level {
	switch {
	case verbosity <= 0:
		return zerolog.ErrorLevel
	case verbosity == 1:
		return zerolog.InfoLevel
	case verbosity == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}
