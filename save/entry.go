package save

import (
	"os"

	"github.com/presto8/bup/internal/gitobj"
	"github.com/presto8/bup/internal/metaenc"
)

// Kind distinguishes the handful of filesystem object kinds the save
// driver routes differently (spec.md §4.9 step 4): a directory only
// ever contributes metadata to the frame already open for it; a
// regular file is deduplicated and, if needed, split; a symlink's
// target is stored as a blob; everything else (device, fifo, socket)
// is recorded as an empty blob, its real detail living in Meta.
type Kind int

// Recognized entry kinds.
const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindOther
)

// EntryFlags carries the bits the file index attaches to a record that
// the driver consults to decide whether prior content can be reused.
type EntryFlags uint32

// FlagValid marks SHA/GitMode as still accurate for the entry's
// current content, normally set by the index's stat scan (external to
// this core, spec.md §1) when mtime/size/ctime are unchanged since the
// last save.
const FlagValid EntryFlags = 1 << iota

// Entry is one record consumed from the file index (spec.md §1): the
// index itself — enumeration, on-disk layout, change detection — is an
// external collaborator out of this core's scope; the core only
// consumes the stream of (path, mode, size, dev, ino, nlink, atime,
// mtime, ctime, sha, flags) tuples it describes.
//
// Meta is the entry's already-captured filesystem metadata. Capturing
// it from the live filesystem (stat, xattrs, ACLs) is the index's job;
// HardlinkTarget is the one field the driver itself fills in, from a
// HardlinkDB lookup, per spec.md §4.9's hardlink attribution.
type Entry struct {
	// Path is the entry's absolute source filesystem path.
	Path string
	Kind Kind
	Mode os.FileMode
	Size int64

	Dev   uint64
	Ino   uint64
	Nlink uint64

	Meta metaenc.Record

	// LinkTarget holds the symlink target when Kind == KindSymlink.
	LinkTarget string

	// SHA and GitMode are the content OID and tree-entry mode recorded
	// by a prior save of this same path; consulted when Flags has
	// FlagValid set.
	SHA     gitobj.OID
	GitMode gitobj.Mode
	Flags   EntryFlags
}

func (e Entry) validPrior() bool {
	return e.Flags&FlagValid != 0 && !e.SHA.Zero()
}
