package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/gema-arta/ratarmount/pkg/common"
)

// recordFixedLen is the size of a packed FileRecord without its link name:
// offset, size and mtime (8 bytes each), mode (4), type (1), the link name
// length prefix (4), uid and gid (4 each) and the istar flag (1).
const recordFixedLen = 8 + 8 + 8 + 4 + 1 + 4 + 4 + 4 + 1

// Encode writes the tree to w using the tagged binary index format. Every
// directory becomes a dictionary of key-value pairs; directory metadata is
// stored under the reserved "." key.
func Encode(w io.Writer, tree *Tree) error {
	bw := bufio.NewWriter(w)
	if err := encodeDir(bw, tree.Root()); err != nil {
		return err
	}
	return bw.Flush()
}

func encodeDir(w *bufio.Writer, dir *Directory) error {
	if err := w.WriteByte(common.TagDictBegin); err != nil {
		return err
	}
	if dir.Self != nil {
		if err := w.WriteByte(common.TagKeyValue); err != nil {
			return err
		}
		if err := encodeString(w, "."); err != nil {
			return err
		}
		if err := encodeRecord(w, dir.Self); err != nil {
			return err
		}
	}

	var encodeErr error
	dir.Scan(func(name string, node *Node) bool {
		if encodeErr = w.WriteByte(common.TagKeyValue); encodeErr != nil {
			return false
		}
		if encodeErr = encodeString(w, name); encodeErr != nil {
			return false
		}
		if node.File != nil {
			encodeErr = encodeRecord(w, node.File)
		} else {
			encodeErr = encodeDir(w, node.Dir)
		}
		return encodeErr == nil
	})
	if encodeErr != nil {
		return encodeErr
	}

	return w.WriteByte(common.TagDictEnd)
}

func encodeString(w *bufio.Writer, s string) error {
	if err := w.WriteByte(common.TagString); err != nil {
		return err
	}
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(s)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func encodeRecord(w *bufio.Writer, record *common.FileRecord) error {
	if err := w.WriteByte(common.TagRecord); err != nil {
		return err
	}

	payload := make([]byte, 0, recordFixedLen+len(record.Linkname))
	buf := bytes.NewBuffer(payload)
	binary.Write(buf, binary.LittleEndian, record.Offset)
	binary.Write(buf, binary.LittleEndian, record.Size)
	binary.Write(buf, binary.LittleEndian, record.Mtime)
	binary.Write(buf, binary.LittleEndian, record.Mode)
	buf.WriteByte(record.Type)
	binary.Write(buf, binary.LittleEndian, uint32(len(record.Linkname)))
	buf.WriteString(record.Linkname)
	binary.Write(buf, binary.LittleEndian, record.UID)
	binary.Write(buf, binary.LittleEndian, record.GID)
	istar := byte(0)
	if record.IsTar {
		istar = 1
	}
	buf.WriteByte(istar)

	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(buf.Len()))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Decode reads a tree from r. Any framing violation, truncation or invalid
// UTF-8 yields ErrCorruptIndex.
func Decode(r io.Reader) (*Tree, error) {
	br := bufio.NewReader(r)
	tag, err := br.ReadByte()
	if err != nil {
		return nil, errors.Wrap(common.ErrCorruptIndex, "missing root dictionary")
	}
	if tag != common.TagDictBegin {
		return nil, errors.Wrapf(common.ErrCorruptIndex, "expected dictionary but got tag 0x%02x", tag)
	}
	root, err := decodeDir(br)
	if err != nil {
		return nil, err
	}
	return &Tree{root: root}, nil
}

func decodeDir(r *bufio.Reader) (*Directory, error) {
	dir := &Directory{}
	for {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(common.ErrCorruptIndex, "unterminated dictionary")
		}
		switch tag {
		case common.TagDictEnd:
			return dir, nil
		case common.TagKeyValue:
			key, err := decodeString(r)
			if err != nil {
				return nil, err
			}
			node, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			if key == "." {
				if node.File == nil {
					return nil, errors.Wrap(common.ErrCorruptIndex, "directory self entry is not a file record")
				}
				dir.Self = node.File
			} else {
				dir.Set(key, node)
			}
		default:
			return nil, errors.Wrapf(common.ErrCorruptIndex, "expected key-value pair or end-of-dict but got tag 0x%02x", tag)
		}
	}
}

func decodeValue(r *bufio.Reader) (*Node, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(common.ErrCorruptIndex, "truncated value")
	}
	switch tag {
	case common.TagRecord:
		record, err := decodeRecord(r)
		if err != nil {
			return nil, err
		}
		return &Node{File: record}, nil
	case common.TagDictBegin:
		sub, err := decodeDir(r)
		if err != nil {
			return nil, err
		}
		return &Node{Dir: sub}, nil
	default:
		return nil, errors.Wrapf(common.ErrCorruptIndex, "expected record or dictionary but got tag 0x%02x", tag)
	}
}

func decodeString(r *bufio.Reader) (string, error) {
	tag, err := r.ReadByte()
	if err != nil || tag != common.TagString {
		return "", errors.Wrap(common.ErrCorruptIndex, "dictionary key is not a string")
	}
	raw, err := readLengthPrefixed(r)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", errors.Wrap(common.ErrCorruptIndex, "string is not valid UTF-8")
	}
	return string(raw), nil
}

func decodeRecord(r *bufio.Reader) (*common.FileRecord, error) {
	raw, err := readLengthPrefixed(r)
	if err != nil {
		return nil, err
	}
	if len(raw) < recordFixedLen {
		return nil, errors.Wrap(common.ErrCorruptIndex, "file record too short")
	}

	record := &common.FileRecord{}
	record.Offset = binary.LittleEndian.Uint64(raw[0:])
	record.Size = binary.LittleEndian.Uint64(raw[8:])
	record.Mtime = int64(binary.LittleEndian.Uint64(raw[16:]))
	record.Mode = binary.LittleEndian.Uint32(raw[24:])
	record.Type = raw[28]
	linkLen := int(binary.LittleEndian.Uint32(raw[29:]))
	if len(raw) != recordFixedLen+linkLen {
		return nil, errors.Wrap(common.ErrCorruptIndex, "file record length mismatch")
	}
	linkname := raw[33 : 33+linkLen]
	if !utf8.Valid(linkname) {
		return nil, errors.Wrap(common.ErrCorruptIndex, "link name is not valid UTF-8")
	}
	record.Linkname = string(linkname)
	record.UID = binary.LittleEndian.Uint32(raw[33+linkLen:])
	record.GID = binary.LittleEndian.Uint32(raw[37+linkLen:])
	record.IsTar = raw[41+linkLen] != 0
	return record, nil
}

func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, errors.Wrap(common.ErrCorruptIndex, "truncated length prefix")
	}
	raw := make([]byte, binary.LittleEndian.Uint32(length[:]))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(common.ErrCorruptIndex, "truncated payload")
	}
	return raw, nil
}
