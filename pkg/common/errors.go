package common

import "errors"

var (
	ErrMalformedArchive = errors.New("archive can not be parsed")
	ErrCorruptIndex     = errors.New("index file is corrupt")
	ErrPathConflict     = errors.New("path conflicts with an existing entry")
	ErrNotFound         = errors.New("path not found")
	ErrInvalidSeek      = errors.New("seek before start of file")
)
