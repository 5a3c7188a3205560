// Package pack implements spec.md §4.6: a single pack's object writer
// and its companion sha→offset idx. A pack is a sequence of objects
// appended through a Container (the encrypted envelope from
// internal/sealed in production, a plain in-memory buffer in tests);
// this package only tracks offsets and builds the idx, it never
// touches plaintext bytes itself.
//
// Grounded on the teacher's layerfs.BranchWriter/Node: a sequence
// number identifies each write (here, the append offset Container
// hands back instead of bolt's NextSequence), and the final idx is
// built by reading back everything written, the same "write then
// read back to checksum" two-pass shape Node.Commit uses.
package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/presto8/bup/internal/gitobj"
)

// Object type tags stored alongside each payload, read back by
// Repository.Cat to report an object's kind without re-deriving it
// from the payload.
const (
	TypeBlob   byte = 1
	TypeTree   byte = 2
	TypeCommit byte = 3
)

// KindToType maps a gitobj.Kind to its on-disk type tag.
func KindToType(k gitobj.Kind) (byte, error) {
	switch k {
	case gitobj.KindBlob:
		return TypeBlob, nil
	case gitobj.KindTree:
		return TypeTree, nil
	case gitobj.KindCommit:
		return TypeCommit, nil
	default:
		return 0, fmt.Errorf("pack: unknown object kind %q", k)
	}
}

// Container is the append-only byte sink a Writer appends objects to.
// internal/sealed.Container satisfies this in production.
type Container interface {
	AppendObject(typ byte, payload []byte) (offset int64, err error)
	Size() int64
}

// Entry is one idx record: an object's SHA and its byte offset within
// the pack.
type Entry struct {
	SHA    gitobj.OID
	Offset int64
}

// Writer appends objects to one pack and accumulates its idx. Not
// safe for concurrent use; the repository facade serializes access
// (spec.md §5: only one save operation per repository).
type Writer struct {
	container Container
	entries   []Entry
	seen      map[gitobj.OID]bool
	done      bool
}

// NewWriter returns a Writer appending through c.
func NewWriter(c Container) *Writer {
	return &Writer{container: c, seen: map[gitobj.OID]bool{}}
}

// Write appends one object and records it in the idx. Writing the
// same SHA twice within one pack is permitted (the repository facade
// is responsible for dedup before calling Write) but only the first
// offset is retained in Contains/offset lookups built from this
// writer's own entries.
func (w *Writer) Write(typ byte, sha gitobj.OID, payload []byte) (int64, error) {
	if w.done {
		return 0, fmt.Errorf("pack: write after finish/abort")
	}
	offset, err := w.container.AppendObject(typ, payload)
	if err != nil {
		return 0, fmt.Errorf("pack: append object: %w", err)
	}
	if !w.seen[sha] {
		w.entries = append(w.entries, Entry{SHA: sha, Offset: offset})
	}
	w.seen[sha] = true
	return offset, nil
}

// Size reports the pack's current byte size, used by the rotation
// logic to decide when to roll to a new pack.
func (w *Writer) Size() int64 { return w.container.Size() }

// Contains reports whether sha has already been written to this pack
// in this session (an in-memory tentative set, spec.md §3
// "Lifecycles").
func (w *Writer) Contains(sha gitobj.OID) bool { return w.seen[sha] }

// Finish closes the pack for writing and builds its idx.
func (w *Writer) Finish() (*Idx, error) {
	if w.done {
		return nil, fmt.Errorf("pack: finish called twice")
	}
	w.done = true
	return BuildIdx(w.entries), nil
}

// Abort discards the pack's tentative idx entries without closing the
// underlying container (the caller is responsible for discarding or
// truncating the backing file/object).
func (w *Writer) Abort() {
	w.done = true
	w.entries = nil
	w.seen = nil
}

// Idx is a sorted, fanout-indexed sha→offset map for one pack
// (spec.md §4.6, §8 property 5).
type Idx struct {
	entries []Entry
}

// BuildIdx sorts entries by SHA and returns the resulting Idx.
func BuildIdx(entries []Entry) *Idx {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	sort.Slice(cp, func(i, j int) bool {
		return bytes.Compare(cp[i].SHA[:], cp[j].SHA[:]) < 0
	})
	return &Idx{entries: cp}
}

// Len reports the number of distinct object records in the idx.
func (idx *Idx) Len() int { return len(idx.entries) }

// Lookup returns the byte offset of sha within the pack, if present.
func (idx *Idx) Lookup(sha gitobj.OID) (int64, bool) {
	i := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].SHA[:], sha[:]) >= 0
	})
	if i < len(idx.entries) && idx.entries[i].SHA == sha {
		return idx.entries[i].Offset, true
	}
	return 0, false
}

// Entries returns the idx's sorted entries. The caller must not
// modify the returned slice.
func (idx *Idx) Entries() []Entry { return idx.entries }

// fanout returns the 256-bucket cumulative count table keyed by an
// object SHA's first byte, as git-style idx files use to narrow a
// lookup's binary search range.
func (idx *Idx) fanout() [256]uint32 {
	var fo [256]uint32
	for _, e := range idx.entries {
		fo[e.SHA[0]]++
	}
	for i := 1; i < 256; i++ {
		fo[i] += fo[i-1]
	}
	return fo
}

// Encode serializes the idx to its on-disk form: a 256-entry fanout
// table followed by sorted (sha, offset) records. This is the
// plaintext written as the payload of an idx file's encrypted
// envelope (internal/sealed wraps it, filetype=2).
func (idx *Idx) Encode() []byte {
	var buf bytes.Buffer
	fo := idx.fanout()
	for _, v := range fo {
		binary.Write(&buf, binary.BigEndian, v)
	}
	for _, e := range idx.entries {
		buf.Write(e.SHA[:])
		binary.Write(&buf, binary.BigEndian, uint64(e.Offset))
	}
	return buf.Bytes()
}

const idxRecordSize = gitobj.OIDSize + 8
const idxFanoutSize = 256 * 4

// DecodeIdx parses the bytes produced by Encode.
func DecodeIdx(data []byte) (*Idx, error) {
	if len(data) < idxFanoutSize {
		return nil, fmt.Errorf("pack: idx too short for fanout table")
	}
	rest := data[idxFanoutSize:]
	if len(rest)%idxRecordSize != 0 {
		return nil, fmt.Errorf("pack: idx record section misaligned")
	}

	n := len(rest) / idxRecordSize
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		rec := rest[i*idxRecordSize : (i+1)*idxRecordSize]
		var sha gitobj.OID
		copy(sha[:], rec[:gitobj.OIDSize])
		offset := int64(binary.BigEndian.Uint64(rec[gitobj.OIDSize:]))
		entries[i] = Entry{SHA: sha, Offset: offset}
	}
	return &Idx{entries: entries}, nil
}

// CombinedIdx looks objects up across many packs' idxes, the role
// spec.md §4.8 describes as "open the combined idx list (midx/bloom
// if present) for dedup lookups".
type CombinedIdx struct {
	names []string
	idxs  []*Idx
}

// NewCombinedIdx pairs each idx with the pack name it indexes.
func NewCombinedIdx(names []string, idxs []*Idx) (*CombinedIdx, error) {
	if len(names) != len(idxs) {
		return nil, fmt.Errorf("pack: names/idxs length mismatch")
	}
	return &CombinedIdx{names: names, idxs: idxs}, nil
}

// Lookup reports the pack name and offset for sha, if any idx knows
// it. Later-added idxs shadow earlier ones on collision, matching
// "most recent pack wins" dedup semantics.
func (c *CombinedIdx) Lookup(sha gitobj.OID) (pack string, offset int64, ok bool) {
	for i := len(c.idxs) - 1; i >= 0; i-- {
		if off, found := c.idxs[i].Lookup(sha); found {
			return c.names[i], off, true
		}
	}
	return "", 0, false
}

// Add registers an additional (name, idx) pair, used as packs finish
// during a save so later writes in the same session dedup against
// them.
func (c *CombinedIdx) Add(name string, idx *Idx) {
	c.names = append(c.names, name)
	c.idxs = append(c.idxs, idx)
}

// Remove drops the idx for name, used when syncing the local idx
// cache against the backend's current pack set (spec.md §4.8).
func (c *CombinedIdx) Remove(name string) {
	for i, n := range c.names {
		if n == name {
			c.names = append(c.names[:i], c.names[i+1:]...)
			c.idxs = append(c.idxs[:i], c.idxs[i+1:]...)
			return
		}
	}
}
