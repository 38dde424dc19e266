package index

import (
	gopath "path"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/tidwall/btree"

	"github.com/gema-arta/ratarmount/pkg/common"
)

// Node is either a file leaf or a directory subtree. Exactly one of the two
// fields is set.
type Node struct {
	File *common.FileRecord
	Dir  *Directory
}

// Directory holds the named children of one directory plus the directory's
// own metadata, when one was recorded: an explicit directory entry, an
// expanded nested archive, or the archive root.
type Directory struct {
	Self     *common.FileRecord
	children btree.Map[string, *Node]
}

// Get returns the child node with the given name.
func (d *Directory) Get(name string) (*Node, bool) {
	return d.children.Get(name)
}

// Set inserts or replaces the child node with the given name.
func (d *Directory) Set(name string, node *Node) {
	d.children.Set(name, node)
}

// Len returns the number of children.
func (d *Directory) Len() int {
	return d.children.Len()
}

// Scan visits every child in name order until iter returns false.
func (d *Directory) Scan(iter func(name string, node *Node) bool) {
	d.children.Scan(iter)
}

// Names returns the child names in sorted order.
func (d *Directory) Names() []string {
	return d.children.Keys()
}

// Tree is the hierarchical index over all archive members, rooted at the
// archive root directory. It is built once and never modified afterwards.
type Tree struct {
	root *Directory
}

func NewTree() *Tree {
	return &Tree{root: &Directory{}}
}

// Root returns the root directory.
func (t *Tree) Root() *Directory {
	return t.root
}

// splitPath normalizes a path and returns its name segments. The empty
// result addresses the root itself.
func splitPath(p string) []string {
	p = strings.TrimPrefix(gopath.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// descend walks the tree along the given segments, optionally creating
// missing intermediate directories.
func (t *Tree) descend(segments []string, create bool) (*Directory, error) {
	dir := t.root
	for _, name := range segments {
		child, ok := dir.Get(name)
		if !ok {
			if !create {
				return nil, common.ErrNotFound
			}
			child = &Node{Dir: &Directory{}}
			dir.Set(name, child)
		}
		if child.Dir == nil {
			if !create {
				return nil, common.ErrNotFound
			}
			return nil, errors.Wrapf(common.ErrPathConflict, "%q is a file, not a directory", name)
		}
		dir = child.Dir
	}
	return dir, nil
}

// SetFile inserts a file leaf, creating missing ancestor directories.
func (t *Tree) SetFile(p string, record *common.FileRecord) error {
	segments := splitPath(p)
	if len(segments) == 0 {
		return errors.Wrap(common.ErrPathConflict, "can not insert a file at the archive root")
	}
	parent, err := t.descend(segments[:len(segments)-1], true)
	if err != nil {
		return err
	}
	parent.Set(segments[len(segments)-1], &Node{File: record})
	return nil
}

// SetDir inserts a directory subtree. The directory's own metadata is kept
// alongside its contents. If the path already resolves to a directory, the
// metadata and contents are merged into it; a file at the path is replaced.
// Inserting at the root or the empty path updates the root itself.
func (t *Tree) SetDir(p string, record *common.FileRecord, contents *Directory) error {
	if contents == nil {
		contents = &Directory{}
	}

	segments := splitPath(p)
	var target *Directory
	if len(segments) == 0 {
		target = t.root
	} else {
		parent, err := t.descend(segments[:len(segments)-1], true)
		if err != nil {
			return err
		}
		name := segments[len(segments)-1]
		if existing, ok := parent.Get(name); ok && existing.Dir != nil {
			target = existing.Dir
		} else {
			target = &Directory{}
			parent.Set(name, &Node{Dir: target})
		}
	}

	target.Self = record
	contents.Scan(func(name string, node *Node) bool {
		target.Set(name, node)
		return true
	})
	return nil
}

// Remove deletes the node at the given path, if any. The root can not be
// removed.
func (t *Tree) Remove(p string) {
	segments := splitPath(p)
	if len(segments) == 0 {
		return
	}
	parent, err := t.descend(segments[:len(segments)-1], false)
	if err != nil {
		return
	}
	parent.children.Delete(segments[len(segments)-1])
}

// Lookup resolves a path to its node. The empty path and "/" resolve to the
// root directory.
func (t *Tree) Lookup(p string) (*Node, bool) {
	segments := splitPath(p)
	if len(segments) == 0 {
		return &Node{Dir: t.root}, true
	}
	parent, err := t.descend(segments[:len(segments)-1], false)
	if err != nil {
		return nil, false
	}
	return parent.Get(segments[len(segments)-1])
}

// Stat resolves a path to a file record. Directories yield their own
// metadata entry when one was recorded, and a synthesized read-only
// directory record otherwise.
func (t *Tree) Stat(p string) (*common.FileRecord, bool) {
	node, ok := t.Lookup(p)
	if !ok {
		return nil, false
	}
	if node.File != nil {
		return node.File, true
	}
	if node.Dir.Self != nil {
		return node.Dir.Self, true
	}
	return SynthesizedDirRecord(), true
}

// List resolves a path to a directory.
func (t *Tree) List(p string) (*Directory, bool) {
	node, ok := t.Lookup(p)
	if !ok || node.Dir == nil {
		return nil, false
	}
	return node.Dir, true
}

// Exists reports whether the path resolves to any node.
func (t *Tree) Exists(p string) bool {
	_, ok := t.Lookup(p)
	return ok
}

// IsDir reports whether the path resolves to a directory.
func (t *Tree) IsDir(p string) bool {
	_, ok := t.List(p)
	return ok
}

// SynthesizedDirRecord is the stand-in metadata for directories that exist
// only implicitly, as ancestors of deeper members.
func SynthesizedDirRecord() *common.FileRecord {
	return &common.FileRecord{
		Size: 1,
		Mode: 0o555 | syscall.S_IFDIR,
		Type: common.TypeDir,
	}
}
