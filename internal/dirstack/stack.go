// Package dirstack implements spec.md §4.3: the directory stack that
// models the path from the archive root to the currently open
// directory during a save walk, pushing frames as new path components
// are seen and popping (and flushing) them once the walk moves past
// them.
//
// Grounded on the teacher's fs.go walkdir/Mkdir flow (the parent-must-
// exist check, and the cursor-based prefix walk that decides where one
// directory's entries end and the next begins) and top-level path.go's
// P path-component type.
package dirstack

import (
	"fmt"

	"github.com/presto8/bup/internal/gitobj"
	"github.com/presto8/bup/internal/metaenc"
)

// Frame is one open directory during the walk.
type Frame struct {
	Path      []string // archive path components, root is an empty slice
	Meta      metaenc.Record
	Entries   []gitobj.Entry
	entryMeta map[string]metaenc.Record
	seen      map[string]bool

	// Dropped records duplicate-name errors: within a frame, entries
	// with duplicate names are dropped with first occurrence winning
	// (spec.md §4.3's duplicate policy).
	Dropped []error
}

// MetaFor returns the captured metadata for a non-subdirectory entry
// named name within this frame, if any was recorded.
func (f *Frame) MetaFor(name string) (metaenc.Record, bool) {
	m, ok := f.entryMeta[name]
	return m, ok
}

// Name returns the frame's own base name, or "" at the root.
func (f *Frame) Name() string {
	if len(f.Path) == 0 {
		return ""
	}
	return f.Path[len(f.Path)-1]
}

// WriteTreeFunc materializes a popped frame into a tree object and
// returns its OID. Implemented by internal/treesplit in production; a
// stub is used in tests.
type WriteTreeFunc func(frame *Frame) (gitobj.OID, error)

// Stack is the live chain of open directory frames. Beneath the
// explicit frames slice there is always an implicit root frame (Path
// nil) that AddEntry/Top fall back on once every explicit frame has
// popped; it is flushed only by PopAll, not by pop, so a save with a
// single top-level directory still produces a distinct archive-root
// tree whose only child is that directory (spec.md §4.9's walk always
// operates under one archive root).
type Stack struct {
	frames    []*Frame
	writeTree WriteTreeFunc
	root      *Frame
	// Root holds the OID of the flushed archive-root frame, set once
	// PopAll has run.
	Root gitobj.OID
}

// New returns a Stack that materializes popped frames via writeTree.
func New(writeTree WriteTreeFunc) *Stack {
	return &Stack{writeTree: writeTree}
}

func (s *Stack) ensureRoot() *Frame {
	if s.root == nil {
		s.root = &Frame{
			entryMeta: map[string]metaenc.Record{},
			seen:      map[string]bool{},
		}
	}
	return s.root
}

func isPrefix(prefix, full []string) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i, c := range prefix {
		if full[i] != c {
			return false
		}
	}
	return true
}

func (s *Stack) currentPath() []string {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1].Path
}

// Align pops frames until the stack's current path is a prefix of names,
// then pushes new frames for any additional components, capturing each
// new frame's metadata via metaFor.
func (s *Stack) Align(names []string, metaFor func(path []string) metaenc.Record) error {
	s.ensureRoot()

	for len(s.frames) > 0 && !isPrefix(s.currentPath(), names) {
		if err := s.pop(); err != nil {
			return err
		}
	}

	for i := len(s.currentPath()); i < len(names); i++ {
		path := append(append([]string{}, names[:i+1]...))
		f := &Frame{
			Path:      path,
			Meta:      metaFor(path),
			entryMeta: map[string]metaenc.Record{},
			seen:      map[string]bool{},
		}
		s.frames = append(s.frames, f)
	}

	return nil
}

// Top returns the currently open (innermost) frame, falling back to
// the implicit archive-root frame once every explicit frame has
// popped. Calling it before the first Align is a programming error and
// panics.
func (s *Stack) Top() *Frame {
	if len(s.frames) > 0 {
		return s.frames[len(s.frames)-1]
	}
	if s.root == nil {
		panic("dirstack: Top called before Align")
	}
	return s.root
}

// Depth reports how many frames are currently open.
func (s *Stack) Depth() int { return len(s.frames) }

// AddEntry appends name to the top frame, enforcing the duplicate
// policy: first occurrence wins, later duplicates are dropped and
// recorded on the frame.
func (s *Stack) AddEntry(name string, mode gitobj.Mode, oid gitobj.OID, meta metaenc.Record) {
	top := s.Top()
	if top.seen[name] {
		top.Dropped = append(top.Dropped, fmt.Errorf("dirstack: duplicate entry %q in %v", name, top.Path))
		return
	}
	top.seen[name] = true
	top.Entries = append(top.Entries, gitobj.Entry{Mode: mode, Name: name, OID: oid})
	if mode != gitobj.ModeTree {
		top.entryMeta[name] = meta
	}
}

// pop materializes the top frame into a tree and appends a
// (name, ModeTree, oid) entry to whatever frame is now on top — a
// remaining explicit parent, or the implicit root once every explicit
// frame has popped — with no metadata record, since the child tree's
// own .bupm entry already carries its metadata (spec.md §4.3).
func (s *Stack) pop() error {
	frame := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]

	oid, err := s.writeTree(frame)
	if err != nil {
		return fmt.Errorf("dirstack: write tree for %v: %w", frame.Path, err)
	}

	s.AddEntry(frame.Name(), gitobj.ModeTree, oid, metaenc.Record{})
	return nil
}

// PopAll flushes every remaining open frame and then the implicit root
// frame itself, leaving Root set to the final archive-root tree's OID.
func (s *Stack) PopAll() error {
	for len(s.frames) > 0 {
		if err := s.pop(); err != nil {
			return err
		}
	}
	if s.root == nil {
		return nil
	}
	oid, err := s.writeTree(s.root)
	if err != nil {
		return fmt.Errorf("dirstack: write root tree: %w", err)
	}
	s.Root = oid
	return nil
}
