package repo

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/presto8/bup/errs"
	"github.com/presto8/bup/internal/gitobj"
	"github.com/presto8/bup/internal/pack"
	"github.com/presto8/bup/internal/sealed"
)

// Config holds the repository-wide settings spec.md §6 reads out of
// bup.conf: encryption keys, the metadata/data pack split, and pack
// rotation size.
type Config struct {
	Keys             sealed.Keys
	SeparateMeta     bool
	CompressionLevel int
	MaxPackSize      int64
}

// Repository is the facade described by spec.md §4.8: it dedups
// against tentative and committed objects, routes writes to a data or
// metadata pack, serves reads by consulting the combined idx, and
// performs compare-and-swap ref updates. Grounded on the teacher's
// fs.go FileSystem, which plays the same "single facade in front of a
// boltdb cache and a backing store" role.
type Repository struct {
	backend Backend
	cache   *IdxCache
	keys    sealed.Keys
	cfg     Config

	combined    *pack.CombinedIdx
	dataRotator *pack.Rotator
	metaRotator *pack.Rotator
	uploader    *uploader

	packWriters map[string]io.WriteCloser
	openPacks   map[string]*sealed.Reader
}

// Open synchronizes the local idx cache against the backend's current
// idx list (downloading and decrypting anything missing, dropping
// anything stale) and returns a Repository ready to read and write.
func Open(backend Backend, cache *IdxCache, cfg Config) (*Repository, error) {
	if err := syncIdxCache(backend, cache, cfg.Keys); err != nil {
		return nil, fmt.Errorf("repo: sync idx cache: %w", err)
	}
	names, err := cache.Names()
	if err != nil {
		return nil, err
	}
	idxs := make([]*pack.Idx, len(names))
	for i, name := range names {
		idx, ok, err := cache.Get(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("repo: idx cache reported %s but Get found nothing", name)
		}
		idxs[i] = idx
	}
	combined, err := pack.NewCombinedIdx(names, idxs)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		backend:     backend,
		cache:       cache,
		keys:        cfg.Keys,
		cfg:         cfg,
		combined:    combined,
		uploader:    newUploader(1),
		packWriters: map[string]io.WriteCloser{},
		openPacks:   map[string]*sealed.Reader{},
	}
	r.dataRotator = pack.NewRotator(cfg.MaxPackSize, r.newDataContainer, r.onPackFinished)
	if cfg.SeparateMeta {
		r.metaRotator = pack.NewRotator(cfg.MaxPackSize, r.newMetaContainer, r.onPackFinished)
	}
	return r, nil
}

// syncIdxCache brings cache's contents in line with backend.ListIdxes:
// every remote idx not yet cached is downloaded and decrypted, and
// every cached idx with no remote counterpart is dropped.
func syncIdxCache(backend Backend, cache *IdxCache, keys sealed.Keys) error {
	remote, err := backend.ListIdxes()
	if err != nil {
		return err
	}
	remoteSet := make(map[string]bool, len(remote))
	for _, name := range remote {
		remoteSet[name] = true
	}

	local, err := cache.Names()
	if err != nil {
		return err
	}
	localSet := make(map[string]bool, len(local))
	for _, name := range local {
		localSet[name] = true
	}

	for _, name := range remote {
		if localSet[name] {
			continue
		}
		idx, err := downloadIdx(backend, name, keys)
		if err != nil {
			return fmt.Errorf("repo: download idx %s: %w", name, err)
		}
		if err := cache.Put(name, idx); err != nil {
			return err
		}
	}
	for _, name := range local {
		if !remoteSet[name] {
			if err := cache.Delete(name); err != nil {
				return err
			}
		}
	}
	return nil
}

func downloadIdx(backend Backend, name string, keys sealed.Keys) (*pack.Idx, error) {
	rc, err := backend.OpenIdx(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	rd, err := sealed.Open(bytes.NewReader(data), name, keys)
	if err != nil {
		return nil, err
	}
	_, payload, err := rd.ReadObject(0)
	if err != nil {
		return nil, err
	}
	return pack.DecodeIdx(payload)
}

func (r *Repository) newDataContainer() (pack.Container, string, error) {
	return r.newContainer()
}

func (r *Repository) newMetaContainer() (pack.Container, string, error) {
	return r.newContainer()
}

func (r *Repository) newContainer() (pack.Container, string, error) {
	w, name, err := r.backend.CreatePack()
	if err != nil {
		return nil, "", err
	}
	sw, err := sealed.CreateDataPack(w, r.keys, r.cfg.CompressionLevel)
	if err != nil {
		w.Close()
		return nil, "", err
	}
	r.packWriters[name] = w
	return sw, name, nil
}

// onPackFinished is called by both rotators once a pack crosses
// maxSize or FinishWriting is called: it closes the pack's transport
// writer, registers the idx locally and in the combined lookup, and
// hands the idx's own durable upload to the background uploader.
func (r *Repository) onPackFinished(name string, idx *pack.Idx) error {
	wc, ok := r.packWriters[name]
	if !ok {
		return fmt.Errorf("repo: no open writer for finished pack %s", name)
	}
	delete(r.packWriters, name)
	if err := wc.Close(); err != nil {
		return fmt.Errorf("repo: close pack %s: %w", name, err)
	}
	if err := r.cache.Put(name, idx); err != nil {
		return err
	}
	r.combined.Add(name, idx)
	return r.uploader.Submit(func() error { return r.uploadIdx(name, idx) })
}

func (r *Repository) uploadIdx(name string, idx *pack.Idx) error {
	w, err := r.backend.CreateIdx(name)
	if err != nil {
		return err
	}
	sw, err := sealed.CreateSideFile(w, sealed.FileTypeIdx, r.keys, r.cfg.CompressionLevel)
	if err != nil {
		return err
	}
	if _, err := sw.AppendObject(opaqueType, idx.Encode()); err != nil {
		return err
	}
	return w.Close()
}

// Exists reports whether sha is already known, either tentatively (in
// an open pack this session) or durably (in the combined idx).
func (r *Repository) Exists(sha gitobj.OID) bool {
	if r.dataRotator.Contains(sha) {
		return true
	}
	if r.metaRotator != nil && r.metaRotator.Contains(sha) {
		return true
	}
	_, _, ok := r.combined.Lookup(sha)
	return ok
}

// Locate returns the durable pack name and offset for sha, if any.
func (r *Repository) Locate(sha gitobj.OID) (packName string, offset int64, ok bool) {
	return r.combined.Lookup(sha)
}

type objClass int

const (
	classData objClass = iota
	classMeta
)

func (r *Repository) rotatorFor(class objClass) *pack.Rotator {
	if class == classMeta && r.metaRotator != nil {
		return r.metaRotator
	}
	return r.dataRotator
}

func (r *Repository) write(class objClass, kind gitobj.Kind, payload []byte) (gitobj.OID, error) {
	sha := gitobj.Hash(kind, payload)
	if r.Exists(sha) {
		return sha, nil
	}
	typ, err := pack.KindToType(kind)
	if err != nil {
		return gitobj.OID{}, err
	}
	if _, _, err := r.rotatorFor(class).Write(typ, sha, payload); err != nil {
		return gitobj.OID{}, err
	}
	return sha, nil
}

// WriteData stores a file-content blob in the data pack.
func (r *Repository) WriteData(payload []byte) (gitobj.OID, error) {
	return r.write(classData, gitobj.KindBlob, payload)
}

// WriteTree stores a directory tree, conventionally routed alongside
// commits and symlinks unless bup.separatemeta splits it off.
func (r *Repository) WriteTree(payload []byte) (gitobj.OID, error) {
	return r.write(classMeta, gitobj.KindTree, payload)
}

// WriteCommit stores a commit object.
func (r *Repository) WriteCommit(payload []byte) (gitobj.OID, error) {
	return r.write(classMeta, gitobj.KindCommit, payload)
}

// WriteSymlink stores a symlink's target as a blob in the metadata
// pack.
func (r *Repository) WriteSymlink(target string) (gitobj.OID, error) {
	return r.write(classMeta, gitobj.KindBlob, []byte(target))
}

// WriteBupm stores one directory's packed metadata stream.
func (r *Repository) WriteBupm(payload []byte) (gitobj.OID, error) {
	return r.write(classMeta, gitobj.KindBlob, payload)
}

// PutBlob and PutTree let Repository double as the backing store for
// internal/chunktree and internal/treesplit: both route file content
// through WriteData and trees through WriteTree, unifying dedup and
// pack placement across the whole object graph.
func (r *Repository) PutBlob(data []byte) (gitobj.OID, error) { return r.WriteData(data) }

func (r *Repository) PutTree(entries []gitobj.Entry) (gitobj.OID, error) {
	payload, _ := gitobj.HashTree(entries)
	return r.write(classMeta, gitobj.KindTree, payload)
}

// CatResult is one object read back via Cat.
type CatResult struct {
	OID     gitobj.OID
	Kind    gitobj.Kind
	Payload []byte
}

// Cat resolves sha through the combined idx and reads it back from
// its durable pack, raising errs.ErrFileNotFound if sha is unknown.
func (r *Repository) Cat(sha gitobj.OID) (CatResult, error) {
	name, offset, ok := r.combined.Lookup(sha)
	if !ok {
		return CatResult{}, fmt.Errorf("repo: cat %s: %w", sha, errs.ErrFileNotFound)
	}
	rd, err := r.openPackForRead(name)
	if err != nil {
		return CatResult{}, err
	}
	typ, payload, err := rd.ReadObject(offset)
	if err != nil {
		return CatResult{}, err
	}
	kind, err := typeToKind(typ)
	if err != nil {
		return CatResult{}, err
	}
	return CatResult{OID: sha, Kind: kind, Payload: payload}, nil
}

func typeToKind(typ byte) (gitobj.Kind, error) {
	switch typ {
	case pack.TypeBlob:
		return gitobj.KindBlob, nil
	case pack.TypeTree:
		return gitobj.KindTree, nil
	case pack.TypeCommit:
		return gitobj.KindCommit, nil
	default:
		return "", fmt.Errorf("repo: unknown object type byte %d", typ)
	}
}

func (r *Repository) openPackForRead(name string) (*sealed.Reader, error) {
	if rd, ok := r.openPacks[name]; ok {
		return rd, nil
	}
	ra, err := r.backend.OpenPack(name)
	if err != nil {
		return nil, err
	}
	rd, err := sealed.Open(ra, name, r.keys)
	if err != nil {
		return nil, err
	}
	r.openPacks[name] = rd
	return rd, nil
}

// FinishWriting finishes every open pack (writing its idx and
// durably uploading it) and waits for the background uploader to
// drain, so that a following UpdateRef never publishes a ref whose
// objects aren't yet durable.
func (r *Repository) FinishWriting() error {
	if err := r.dataRotator.FinishAll(); err != nil {
		return err
	}
	if r.metaRotator != nil {
		if err := r.metaRotator.FinishAll(); err != nil {
			return err
		}
	}
	return r.uploader.Close()
}

// AbortWriting discards every tentative pack without finishing it,
// instructing the backend to drop any partially uploaded pack bytes.
func (r *Repository) AbortWriting() error {
	var firstErr error
	for _, rot := range []*pack.Rotator{r.dataRotator, r.metaRotator} {
		if rot == nil {
			continue
		}
		if name, open := rot.CurrentName(); open {
			if wc, ok := r.packWriters[name]; ok {
				wc.Close()
				delete(r.packWriters, name)
			}
			if err := r.backend.DeletePack(name); err != nil && firstErr == nil && !errors.Is(err, errs.ErrFileNotFound) {
				firstErr = err
			}
		}
		rot.AbortAll()
	}
	return firstErr
}
