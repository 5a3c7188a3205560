package gitobj

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Entry is one (mode, name, oid) triple inside a tree object.
type Entry struct {
	Mode Mode
	Name string
	OID  OID
}

// SortKey returns the per-entry sort key used by shalist_item_sort_key:
// the name, with "/" appended when the entry is itself a tree. This is
// the same trick the teacher's simplefs/path.go uses when it picks a
// path separator that sorts after every other byte — here it is applied
// one level up, to make a directory's name sort as though it already
// carried its trailing separator, so "foo" (file) sorts before "foo.x"
// while "foo" (dir, compared as "foo/") sorts after any flat sibling
// named "foo" exactly and before "foo0".
func (e Entry) SortKey() string {
	if e.Mode == ModeTree {
		return e.Name + "/"
	}
	return e.Name
}

// SortEntries sorts entries in place by SortKey, ascending.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SortKey() < entries[j].SortKey()
	})
}

// EncodeTree serializes sorted entries into a tree object payload. The
// caller must have already sorted entries with SortEntries; EncodeTree
// writes entries in the order given and does not re-sort (HashTree
// sorts before calling it).
func EncodeTree(entries []Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(e.Mode))
		buf.Write(hdr[:])
		var nl [2]byte
		binary.BigEndian.PutUint16(nl[:], uint16(len(e.Name)))
		buf.Write(nl[:])
		buf.WriteString(e.Name)
		buf.Write(e.OID[:])
	}
	return buf.Bytes()
}

// DecodeTree parses a tree object payload back into entries, in their
// stored (already sorted) order.
func DecodeTree(payload []byte) ([]Entry, error) {
	var entries []Entry
	for len(payload) > 0 {
		if len(payload) < 6 {
			return nil, fmt.Errorf("gitobj: truncated tree entry header")
		}
		mode := Mode(binary.BigEndian.Uint32(payload[0:4]))
		nl := int(binary.BigEndian.Uint16(payload[4:6]))
		payload = payload[6:]
		if len(payload) < nl+20 {
			return nil, fmt.Errorf("gitobj: truncated tree entry body")
		}
		name := string(payload[:nl])
		var oid OID
		copy(oid[:], payload[nl:nl+20])
		entries = append(entries, Entry{Mode: mode, Name: name, OID: oid})
		payload = payload[nl+20:]
	}
	return entries, nil
}

// HashTree sorts entries and returns both the encoded payload and its OID.
func HashTree(entries []Entry) (payload []byte, oid OID) {
	cp := append([]Entry(nil), entries...)
	SortEntries(cp)
	payload = EncodeTree(cp)
	oid = Hash(KindTree, payload)
	return payload, oid
}
