package repo

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/presto8/bup/errs"
)

// LocalBackend is a filesystem-backed Backend, the reference
// implementation exercised by the package's own tests and a fallback
// for anyone pointing bup.type at a plain directory rather than an
// object store. Grounded on the teacher's fs.go, whose Mkdir/WriteFile
// helpers already wrap os.MkdirAll/os.OpenFile the same way.
type LocalBackend struct {
	dir string
}

// NewLocalBackend returns a Backend rooted at dir, creating it if
// absent.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("repo: create backend dir %s: %w", dir, err)
	}
	return &LocalBackend{dir: dir}, nil
}

func (b *LocalBackend) path(name string) string { return filepath.Join(b.dir, name) }

func (b *LocalBackend) listGlob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, pattern))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = filepath.Base(m)
	}
	return names, nil
}

func (b *LocalBackend) ListPacks() ([]string, error) { return b.listGlob("pack-*.encpack") }
func (b *LocalBackend) ListIdxes() ([]string, error) { return b.listGlob("pack-*.encidx") }

func (b *LocalBackend) OpenPack(name string) (io.ReaderAt, error) {
	f, err := os.Open(b.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("repo: open pack %s: %w", name, errs.ErrFileNotFound)
		}
		return nil, err
	}
	return f, nil
}

func (b *LocalBackend) OpenIdx(name string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("repo: open idx %s: %w", name, errs.ErrFileNotFound)
		}
		return nil, err
	}
	return f, nil
}

// randomPackName generates the randomized (not content-addressed)
// "pack-<20-random-bytes-hex>" base name spec.md §6 specifies.
func randomPackName() (string, error) {
	var raw [20]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return "pack-" + hex.EncodeToString(raw[:]), nil
}

func (b *LocalBackend) CreatePack() (io.WriteCloser, string, error) {
	base, err := randomPackName()
	if err != nil {
		return nil, "", err
	}
	name := base + ".encpack"
	f, err := renameio.TempFile("", b.path(name))
	if err != nil {
		return nil, "", err
	}
	return &atomicFile{pf: f}, name, nil
}

func (b *LocalBackend) CreateIdx(packName string) (io.WriteCloser, error) {
	base := packName
	if ext := filepath.Ext(base); ext == ".encpack" {
		base = base[:len(base)-len(ext)]
	}
	f, err := renameio.TempFile("", b.path(base+".encidx"))
	if err != nil {
		return nil, err
	}
	return &atomicFile{pf: f}, nil
}

// atomicFile adapts a renameio.PendingFile (visible only once
// explicitly committed) to plain io.WriteCloser: Close always commits
// it, whether or not the file is complete. Repository.AbortWriting
// closes an unfinished pack this way and then removes it with
// DeletePack.
type atomicFile struct {
	pf *renameio.PendingFile
}

func (a *atomicFile) Write(p []byte) (int, error) { return a.pf.Write(p) }
func (a *atomicFile) Close() error                { return a.pf.CloseAtomicallyReplace() }

const refsFileName = "refs.encconfig"

func (b *LocalBackend) ReadRefs() ([]byte, error) {
	data, err := os.ReadFile(b.path(refsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrFileNotFound
		}
		return nil, err
	}
	return data, nil
}

// WriteRefs performs the CAS by comparing oldContent against the file
// currently on disk before renaming newContent into place. This
// backend is single-host, so the check-then-rename has the same race
// window a real CAS backend (e.g. an object store's conditional PUT)
// closes server-side; production backends must do better.
func (b *LocalBackend) WriteRefs(oldContent, newContent []byte) error {
	cur, err := b.ReadRefs()
	if err != nil && !errors.Is(err, errs.ErrFileNotFound) {
		return err
	}
	if !bytes.Equal(cur, oldContent) {
		return errs.ErrFileModified
	}
	f, err := renameio.TempFile("", b.path(refsFileName))
	if err != nil {
		return err
	}
	if _, err := f.Write(newContent); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

func (b *LocalBackend) DeletePack(name string) error {
	base := name
	if ext := filepath.Ext(base); ext == ".encpack" || ext == ".encidx" {
		base = base[:len(base)-len(ext)]
	}
	for _, ext := range []string{".encpack", ".encidx"} {
		if err := os.Remove(b.path(base + ext)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
