// Package gitobj implements the object model of spec.md §3: content
// addressed blob/tree/commit objects hashed the way git hashes them
// ("<kind> <len>\0<payload>"), the name-mangling scheme for hash-split
// files, and the tree entry sort order shared by the tree writer and the
// chunk tree builder.
//
// Grounded on the teacher's layerfs.Node / BranchWriter.Commit shape:
// accumulate a payload, hash it, persist it under the hash.
package gitobj

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// OID is the 20-byte SHA-1 that addresses an object.
type OID [20]byte

// OIDSize is the byte width of an OID, exported so on-disk formats
// that embed raw OIDs (the idx record layout in internal/pack) don't
// hardcode 20.
const OIDSize = 20

// Zero reports whether the OID is the all-zero sentinel (absent ref value).
func (o OID) Zero() bool { return o == OID{} }

// String renders the OID as lowercase hex.
func (o OID) String() string { return fmt.Sprintf("%x", o[:]) }

// ParseOID parses a 40-character hex string into an OID.
func ParseOID(s string) (OID, error) {
	var o OID
	if len(s) != 40 {
		return o, fmt.Errorf("gitobj: invalid oid length %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return o, fmt.Errorf("gitobj: invalid oid %q: %w", s, err)
	}
	copy(o[:], raw)
	return o, nil
}

// Kind is an object type tag.
type Kind string

// Recognized object kinds.
const (
	KindBlob   Kind = "blob"
	KindTree   Kind = "tree"
	KindCommit Kind = "commit"
)

// Mode is a tree entry's file mode, matching git's conventions.
type Mode uint32

// Recognized modes (spec.md §3).
const (
	ModeTree    Mode = 0040000
	ModeFile    Mode = 0100644
	ModeExec    Mode = 0100755
	ModeSymlink Mode = 0120000
)

// Hash computes the content address of an object: sha1("<kind> <len>\0<payload>").
func Hash(kind Kind, payload []byte) OID {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d\x00", kind, len(payload))
	buf.Write(payload)
	return sha1.Sum(buf.Bytes())
}

// EmptyBlobOID is the well-known OID of the zero-byte blob, used for
// "other" filesystem objects (devices, fifos, sockets) per spec.md §9's
// preserved write_data(b'') dedup behavior.
var EmptyBlobOID = Hash(KindBlob, nil)

// MangleTag is appended to a hash-split file's tree entry name so a
// reader can distinguish it from a real subdirectory (spec.md §3).
const MangleTag = ".bup"

// MangleName returns the mangled entry name for a file whose content was
// stored as a chunk tree rather than a single blob.
func MangleName(name string) string { return name + MangleTag }

// UnmangleName strips MangleTag, reporting whether name was mangled.
func UnmangleName(name string) (base string, mangled bool) {
	if len(name) > len(MangleTag) && name[len(name)-len(MangleTag):] == MangleTag {
		return name[:len(name)-len(MangleTag)], true
	}
	return name, false
}
