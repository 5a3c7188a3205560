package save

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// SourceOpener opens a regular file's content for splitting, letting
// tests substitute an in-memory source without touching a real
// filesystem.
type SourceOpener interface {
	Open(path string) (io.ReadCloser, error)
}

// OSOpener opens real filesystem files, preferring O_NOATIME — so
// walking a backup source doesn't perturb every file's access time —
// and falling back to a plain read-only open when O_NOATIME is
// refused, as happens for files this process doesn't own (spec.md
// §4.9 step 4).
type OSOpener struct{}

// Open implements SourceOpener.
func (OSOpener) Open(path string) (io.ReadCloser, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOATIME, 0)
	if err == nil {
		return os.NewFile(uintptr(fd), path), nil
	}
	return os.OpenFile(path, os.O_RDONLY, 0)
}
