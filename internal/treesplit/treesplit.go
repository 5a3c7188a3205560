// Package treesplit implements spec.md §4.4: turning one directory
// frame's collected entries into a tree object, either as a single
// flat tree or, for large directories, as a balanced multi-level
// split tree whose entry names are hash-split the same way file
// content is.
//
// Grounded on the teacher's simplefs/chunks.go ChunkBuf, which already
// wraps restic/chunker with the bup rolling polynomial
// (chunker.Pol(0x3DA3358B4DC173)); the record splitter here reuses
// that exact polynomial and chunker.NewWithBoundaries call shape, but
// splits a stream of directory entry names instead of file bytes.
package treesplit

import (
	"bytes"
	"fmt"
	"io"

	"github.com/restic/chunker"

	"github.com/presto8/bup/internal/chunktree"
	"github.com/presto8/bup/internal/gitobj"
	"github.com/presto8/bup/internal/metaenc"
	"github.com/presto8/bup/internal/rollsum"
)

// ObjectStore persists blob and tree objects. Identical in shape to
// chunktree.Store so a single backing store satisfies both.
type ObjectStore = chunktree.Store

// recordSplitPoly is the same Rabin polynomial the teacher's ChunkBuf
// uses for file content; reused here for entry-name splitting so both
// layers of the format are generated by the one rolling-hash family.
const recordSplitPoly = chunker.Pol(0x3DA3358B4DC173)

// flatEntryThreshold is the entry count at or above which a directory
// is tree-split instead of flattened, when splitting is enabled.
const flatEntryThreshold = 128

// Options configures tree writing for one save run.
type Options struct {
	Split          bool // bup.treesplit
	RollOpts       rollsum.Options
	MinRecordSize  int
	MaxRecordSize  int
}

func (o Options) recordBounds() (min, max uint) {
	min, max = 512, 8*1024
	if o.MinRecordSize > 0 {
		min = uint(o.MinRecordSize)
	}
	if o.MaxRecordSize > 0 {
		max = uint(o.MaxRecordSize)
	}
	return
}

// WriteTree builds the tree object for one directory frame: self is
// the directory's own metadata, children are its entries (files,
// symlinks, other, and already-materialized subdirectory trees), and
// childMeta supplies the metadata record for each non-tree child by
// name.
func WriteTree(store ObjectStore, opts Options, self metaenc.Record, children []gitobj.Entry, childMeta map[string]metaenc.Record) (gitobj.OID, error) {
	if !opts.Split || len(children) < flatEntryThreshold {
		return writeFlat(store, opts, self, children, childMeta)
	}
	return writeSplit(store, opts, self, children, childMeta)
}

func sortedMetaRecords(sorted []gitobj.Entry, childMeta map[string]metaenc.Record) []metaenc.Record {
	metas := make([]metaenc.Record, 0, len(sorted))
	for _, e := range sorted {
		if e.Mode == gitobj.ModeTree {
			continue
		}
		metas = append(metas, childMeta[e.Name])
	}
	return metas
}

func writeMetaBlob(store ObjectStore, opts Options, self metaenc.Record, metas []metaenc.Record) (gitobj.Mode, gitobj.OID, error) {
	stream := metaenc.EncodeDirectory(self, metas)

	chunks, err := rollsum.Split([]io.Reader{bytes.NewReader(stream)}, opts.RollOpts)
	if err != nil {
		return 0, gitobj.OID{}, fmt.Errorf("treesplit: split .bupm stream: %w", err)
	}

	b := chunktree.New(store, 0)
	for _, c := range chunks {
		if err := b.Add(c.Data, c.Level); err != nil {
			return 0, gitobj.OID{}, err
		}
	}
	return b.Finish()
}

func writeFlat(store ObjectStore, opts Options, self metaenc.Record, children []gitobj.Entry, childMeta map[string]metaenc.Record) (gitobj.OID, error) {
	sorted := append([]gitobj.Entry(nil), children...)
	gitobj.SortEntries(sorted)

	bupmMode, bupmOID, err := writeMetaBlob(store, opts, self, sortedMetaRecords(sorted, childMeta))
	if err != nil {
		return gitobj.OID{}, err
	}

	all := append(sorted, gitobj.Entry{Mode: bupmMode, Name: ".bupm", OID: bupmOID})
	oid, err := store.PutTree(all)
	if err != nil {
		return gitobj.OID{}, fmt.Errorf("treesplit: put flat tree: %w", err)
	}
	return oid, nil
}

// subtreeRef is one item being folded into the next tree-split level:
// either an original leaf entry or an already-materialized subtree.
type subtreeRef struct {
	Name string
	Mode gitobj.Mode
	OID  gitobj.OID
}

func writeSplit(store ObjectStore, opts Options, self metaenc.Record, children []gitobj.Entry, childMeta map[string]metaenc.Record) (gitobj.OID, error) {
	sorted := append([]gitobj.Entry(nil), children...)
	gitobj.SortEntries(sorted)

	bupmMode, bupmOID, err := writeMetaBlob(store, opts, self, sortedMetaRecords(sorted, childMeta))
	if err != nil {
		return gitobj.OID{}, err
	}

	entries := append(sorted, gitobj.Entry{Mode: bupmMode, Name: ".bupm", OID: bupmOID})
	gitobj.SortEntries(entries)

	refs := make([]subtreeRef, len(entries))
	for i, e := range entries {
		refs[i] = subtreeRef{Name: e.Name, Mode: e.Mode, OID: e.OID}
	}

	mode, oid, err := buildLevel(store, opts, refs, 0)
	if err != nil {
		return gitobj.OID{}, err
	}
	if mode != gitobj.ModeTree {
		// Only reachable if tree-split collapses a whole directory down
		// to a single non-tree leaf; a directory must still materialize
		// as a tree object.
		oid, err = store.PutTree([]gitobj.Entry{{Mode: mode, Name: entries[0].Name, OID: oid}})
		if err != nil {
			return gitobj.OID{}, fmt.Errorf("treesplit: wrap collapsed split tree: %w", err)
		}
	}
	return oid, nil
}

// buildLevel groups refs by a hash-split over their names and recurses
// until a level yields exactly one ref, per spec.md §4.4 steps 2-4.
//
// A level whose hash-split collapses everything into a single group is
// a terminal case, not a recursion step: the resulting [subtree,
// sentinel] pair is always exactly two entries, and groupByHashSplit
// can never subdivide a two-entry input (a boundary only closes a
// group once it already holds >=2 entries, so the first of the two
// never gets to close one on its own, and the last always closes
// whatever's pending) — recursing into it would hash-split the same
// pair forever. So this wraps the collapsed subtree and its level
// sentinel into the final tree object directly and returns.
func buildLevel(store ObjectStore, opts Options, refs []subtreeRef, level int) (gitobj.Mode, gitobj.OID, error) {
	if len(refs) == 1 {
		return refs[0].Mode, refs[0].OID, nil
	}

	groups, err := groupByHashSplit(refs, opts)
	if err != nil {
		return 0, gitobj.OID{}, err
	}

	if len(groups) == 1 {
		groupRef, err := materializeGroup(store, groups[0])
		if err != nil {
			return 0, gitobj.OID{}, err
		}
		sentinelOID, err := store.PutBlob(nil)
		if err != nil {
			return 0, gitobj.OID{}, fmt.Errorf("treesplit: write split sentinel: %w", err)
		}
		final := []gitobj.Entry{
			{Mode: groupRef.Mode, Name: groupRef.Name, OID: groupRef.OID},
			{Mode: gitobj.ModeFile, Name: fmt.Sprintf("%d.bupd", level), OID: sentinelOID},
		}
		oid, err := store.PutTree(final)
		if err != nil {
			return 0, gitobj.OID{}, fmt.Errorf("treesplit: put split-terminal tree: %w", err)
		}
		return gitobj.ModeTree, oid, nil
	}

	nextRefs := make([]subtreeRef, len(groups))
	for i, g := range groups {
		ref, err := materializeGroup(store, g)
		if err != nil {
			return 0, gitobj.OID{}, err
		}
		nextRefs[i] = ref
	}
	return buildLevel(store, opts, nextRefs, level+1)
}

// materializeGroup wraps a group of >=2 refs into one tree, naming
// entries by their shortest unique prefix within the group (spec.md
// §4.4 step 1). A single-ref group passes through unchanged so the
// directory doesn't accumulate trivial one-child trees.
func materializeGroup(store ObjectStore, group []subtreeRef) (subtreeRef, error) {
	if len(group) == 1 {
		return group[0], nil
	}

	names := make([]string, len(group))
	for i, r := range group {
		names[i] = r.Name
	}
	abbrev := abbreviatePrefixes(names)

	entries := make([]gitobj.Entry, len(group))
	for i, r := range group {
		entries[i] = gitobj.Entry{Mode: r.Mode, Name: abbrev[i], OID: r.OID}
	}

	oid, err := store.PutTree(entries)
	if err != nil {
		return subtreeRef{}, fmt.Errorf("treesplit: put split subtree: %w", err)
	}
	return subtreeRef{Name: names[0], Mode: gitobj.ModeTree, OID: oid}, nil
}

// groupByHashSplit partitions refs (in their given order, which must
// already be name-sorted) into contiguous groups using a rolling hash
// over the concatenation of their unabbreviated names. A boundary only
// closes a group once it holds at least two entries, or on the final
// entry (spec.md §4.4 step 2).
func groupByHashSplit(refs []subtreeRef, opts Options) ([][]subtreeRef, error) {
	var buf bytes.Buffer
	recEnd := make([]int, len(refs))
	for i, r := range refs {
		buf.WriteString(r.Name)
		buf.WriteByte(0)
		recEnd[i] = buf.Len()
	}

	min, max := opts.recordBounds()
	c := chunker.NewWithBoundaries(bytes.NewReader(buf.Bytes()), recordSplitPoly, min, max)

	boundary := make(map[int]bool)
	tmp := make([]byte, max)
	for {
		chunk, err := c.Next(tmp)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("treesplit: record split: %w", err)
		}
		boundary[int(chunk.Start)+int(chunk.Length)] = true
	}

	var groups [][]subtreeRef
	var cur []subtreeRef
	for i, r := range refs {
		cur = append(cur, r)
		last := i == len(refs)-1
		if (boundary[recEnd[i]] && len(cur) >= 2) || last {
			groups = append(groups, cur)
			cur = nil
		}
	}
	return groups, nil
}
