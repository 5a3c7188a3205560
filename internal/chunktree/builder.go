// Package chunktree implements spec.md §4.2: it consumes (chunk, level)
// pairs from the rolling splitter and produces either a single blob OID
// or a tree OID whose leaves are blobs, using a vector of stacks that
// squish upward as higher splitter levels are observed.
//
// Grounded on the teacher's layerfs.BranchWriter.Commit /
// layerfs.cow shape: accumulate children, persist them, read the
// accumulated set back in order to compute a content hash, then persist
// the hashed header. Here "persisting children" is storing blobs/trees
// through the Store interface and "the accumulated set" is one level's
// stack.
package chunktree

import (
	"fmt"

	"github.com/presto8/bup/internal/gitobj"
)

// DefaultMaxPerTree bounds tree fan-out even on adversarial inputs
// (spec.md §4.2).
const DefaultMaxPerTree = 256

// Store persists blob and tree objects and returns their OIDs. Pack
// writers implement this directly; tests use an in-memory stub.
type Store interface {
	PutBlob(data []byte) (gitobj.OID, error)
	PutTree(entries []gitobj.Entry) (gitobj.OID, error)
}

type entry struct {
	Mode   gitobj.Mode
	OID    gitobj.OID
	Size   int64
	Offset int64 // running byte offset at which this entry starts
}

// Builder accumulates chunks into the stack-of-stacks described by
// spec.md §4.2. It is not safe for concurrent use.
type Builder struct {
	store      Store
	maxPerTree int
	stacks     [][]entry
	offset     int64
	any        bool
}

// New returns a Builder that persists objects through store. A
// maxPerTree of 0 uses DefaultMaxPerTree.
func New(store Store, maxPerTree int) *Builder {
	if maxPerTree <= 0 {
		maxPerTree = DefaultMaxPerTree
	}
	return &Builder{store: store, maxPerTree: maxPerTree}
}

func (b *Builder) ensure(i int) {
	for len(b.stacks) <= i {
		b.stacks = append(b.stacks, nil)
	}
}

// Add appends one splitter chunk to the builder, squishing stacks up to
// the chunk's level and enforcing MAX_PER_TREE.
func (b *Builder) Add(data []byte, level int) error {
	oid, err := b.store.PutBlob(data)
	if err != nil {
		return fmt.Errorf("chunktree: put blob: %w", err)
	}

	b.ensure(0)
	b.stacks[0] = append(b.stacks[0], entry{
		Mode:   gitobj.ModeFile,
		OID:    oid,
		Size:   int64(len(data)),
		Offset: b.offset,
	})
	b.offset += int64(len(data))
	b.any = true

	if err := b.squish(level); err != nil {
		return err
	}
	return b.enforceMaxPerTree()
}

// squish processes stack levels 0..n-1: a level with >=2 entries is
// materialized into one tree entry pushed to the next level; a level
// with exactly 1 entry is promoted to the next level without
// materialization (spec.md §4.2's "avoid trivial one-child trees").
func (b *Builder) squish(n int) error {
	for i := 0; i < n; i++ {
		b.ensure(i + 1)
		switch len(b.stacks[i]) {
		case 0:
			// nothing to do
		case 1:
			b.stacks[i+1] = append(b.stacks[i+1], b.stacks[i][0])
			b.stacks[i] = nil
		default:
			e, err := b.materialize(i)
			if err != nil {
				return err
			}
			b.stacks[i+1] = append(b.stacks[i+1], e)
			b.stacks[i] = nil
		}
	}
	return nil
}

// enforceMaxPerTree forces a squish at any level that has reached
// maxPerTree entries, regardless of the triggering chunk's level.
func (b *Builder) enforceMaxPerTree() error {
	for i := 0; i < len(b.stacks); i++ {
		if len(b.stacks[i]) >= b.maxPerTree {
			if err := b.squish(i + 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// materialize writes stack level i as a sorted tree object, entries
// named by their running byte-offset in hex, zero-padded to the width
// of the total bytes seen so far.
func (b *Builder) materialize(i int) (entry, error) {
	items := b.stacks[i]
	width := hexWidth(b.offset)

	ge := make([]gitobj.Entry, len(items))
	var total int64
	for j, it := range items {
		ge[j] = gitobj.Entry{
			Mode: it.Mode,
			Name: fmt.Sprintf("%0*x", width, it.Offset),
			OID:  it.OID,
		}
		total += it.Size
	}

	oid, err := b.store.PutTree(ge)
	if err != nil {
		return entry{}, fmt.Errorf("chunktree: put tree: %w", err)
	}

	return entry{
		Mode:   gitobj.ModeTree,
		OID:    oid,
		Size:   total,
		Offset: items[0].Offset,
	}, nil
}

func hexWidth(n int64) int {
	w := 1
	for n >= 16 {
		n /= 16
		w++
	}
	return w
}

// Finish squishes all remaining levels and returns the final mode/OID:
// a direct blob reference if only one chunk was ever added, the
// well-known empty blob if no chunk was added, or a tree OID otherwise.
func (b *Builder) Finish() (gitobj.Mode, gitobj.OID, error) {
	if !b.any {
		return gitobj.ModeFile, gitobj.EmptyBlobOID, nil
	}

	top := len(b.stacks) - 1
	if top < 0 {
		top = 0
	}
	if err := b.squish(top); err != nil {
		return 0, gitobj.OID{}, err
	}

	final := b.stacks[top]
	if len(final) == 0 {
		for i := top; i >= 0; i-- {
			if len(b.stacks[i]) > 0 {
				top, final = i, b.stacks[i]
				break
			}
		}
	}

	if len(final) == 1 {
		return final[0].Mode, final[0].OID, nil
	}

	e, err := b.materialize(top)
	if err != nil {
		return 0, gitobj.OID{}, err
	}
	return e.Mode, e.OID, nil
}
