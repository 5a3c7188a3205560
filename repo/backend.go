package repo

import "io"

// Backend is the remote/durable storage surface the repository
// facade drives. Network transport, retry, and bandwidth-limiting
// live entirely in a concrete Backend implementation; the core is
// explicitly agnostic to them (spec.md §1's "external collaborators,
// interfaces only" and §4.9's "bandwidth limit... honored by the
// network transport").
type Backend interface {
	// ListPacks returns every "pack-*.encpack" name currently durable.
	ListPacks() ([]string, error)
	// ListIdxes returns every "pack-*.encidx" name currently durable.
	ListIdxes() ([]string, error)

	// OpenPack opens an existing pack for random-access reads.
	OpenPack(name string) (io.ReaderAt, error)
	// OpenIdx opens an existing idx for a single sequential read.
	OpenIdx(name string) (io.ReadCloser, error)

	// CreatePack opens a new pack for sequential writing. The backend
	// generates the randomized name itself (spec.md §6: "randomized,
	// not content-addressed, to prevent re-identification via
	// filename") and returns it alongside the writer.
	CreatePack() (w io.WriteCloser, name string, err error)
	// CreateIdx opens a new idx file paired with an already-created
	// pack name (same random suffix, ".encidx" instead of ".encpack").
	CreateIdx(packName string) (io.WriteCloser, error)

	// ReadRefs returns the current encrypted refs blob, or
	// errs.ErrFileNotFound if the repository has no refs yet.
	ReadRefs() ([]byte, error)
	// WriteRefs performs a compare-and-swap write of the refs blob:
	// oldContent must match the backend's current content exactly (nil
	// meaning "must not exist yet"), or errs.ErrFileModified is
	// returned and newContent is not written.
	WriteRefs(oldContent, newContent []byte) error

	// DeletePack removes a pack and its idx, used when regenerating
	// indexes drops a superseded pack (not exercised by a normal save).
	DeletePack(name string) error
}
