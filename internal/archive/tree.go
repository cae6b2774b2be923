package archive

import (
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Entry is one file in a staging tree.
type Entry struct {
	Path string // slash-separated, relative to the tree root
	Data []byte
	Mode fs.FileMode
}

// Tree is the extracted, not yet committed content of an update. It is
// owned by the operation that produced it and must be discarded when that
// operation ends.
type Tree struct {
	entries map[string]Entry
	dirs    map[string]struct{}
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		entries: make(map[string]Entry),
		dirs:    make(map[string]struct{}),
	}
}

// Add stores a file. The path must be relative and must stay inside the tree.
func (t *Tree) Add(name string, data []byte, mode fs.FileMode) error {
	clean, err := CleanPath(name)
	if err != nil {
		return err
	}
	if clean == "" {
		return &PathTraversalError{Path: name}
	}
	if mode == 0 {
		mode = 0o644
	}
	t.entries[clean] = Entry{Path: clean, Data: data, Mode: mode.Perm()}
	for dir := path.Dir(clean); dir != "."; dir = path.Dir(dir) {
		t.dirs[dir] = struct{}{}
	}
	return nil
}

func (t *Tree) addDir(clean string) {
	for dir := clean; dir != "." && dir != ""; dir = path.Dir(dir) {
		t.dirs[dir] = struct{}{}
	}
}

// Get returns the entry stored at p.
func (t *Tree) Get(p string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[p]
	return e, ok
}

// Has reports whether a file is stored at p.
func (t *Tree) Has(p string) bool {
	_, ok := t.Get(p)
	return ok
}

// Len returns the number of files.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Paths returns every file path in lexical order.
func (t *Tree) Paths() []string {
	if t == nil {
		return nil
	}
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Dirs returns every directory implied by the archive, parents first.
func (t *Tree) Dirs() []string {
	if t == nil {
		return nil
	}
	dirs := make([]string, 0, len(t.dirs))
	for d := range t.dirs {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di < dj
		}
		return dirs[i] < dirs[j]
	})
	return dirs
}

// Size returns the total number of content bytes.
func (t *Tree) Size() int64 {
	var n int64
	if t == nil {
		return 0
	}
	for _, e := range t.entries {
		n += int64(len(e.Data))
	}
	return n
}

// Discard releases the tree's content. The tree is empty afterwards.
func (t *Tree) Discard() {
	if t == nil {
		return
	}
	t.entries = make(map[string]Entry)
	t.dirs = make(map[string]struct{})
}

// CleanPath normalises an archive member name to a slash-separated path
// relative to the extraction root. It fails with a PathTraversalError when
// the name is absolute or climbs out of the root.
func CleanPath(name string) (string, error) {
	p := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(p, "/") || hasDrive(p) {
		return "", &PathTraversalError{Path: name}
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", &PathTraversalError{Path: name}
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

func hasDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
