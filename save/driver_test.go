package save

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/presto8/bup/internal/gitobj"
	"github.com/presto8/bup/internal/metaenc"
	"github.com/presto8/bup/internal/sealed"
	"github.com/presto8/bup/repo"
)

func testKeys(t *testing.T) sealed.Keys {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var repoKey [32]byte
	if _, err := rand.Read(repoKey[:]); err != nil {
		t.Fatal(err)
	}
	return sealed.Keys{RepoKey: &repoKey, WriteKey: pub, ReadKey: priv}
}

func openTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	dir := t.TempDir()
	backend, err := repo.NewLocalBackend(filepath.Join(dir, "backend"))
	if err != nil {
		t.Fatal(err)
	}
	cache, err := repo.OpenIdxCache(filepath.Join(dir, "idxcache.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })

	cfg := repo.Config{Keys: testKeys(t), CompressionLevel: -1, MaxPackSize: 1 << 20}
	r, err := repo.Open(backend, cache, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// memOpener serves in-memory file content by path, so tests don't touch
// a real filesystem; failPaths simulates spec.md §7's unreadable-source
// policy.
type memOpener struct {
	content   map[string][]byte
	failPaths map[string]bool
	opened    []string
}

func (m *memOpener) Open(path string) (io.ReadCloser, error) {
	m.opened = append(m.opened, path)
	if m.failPaths[path] {
		return nil, errors.New("permission denied")
	}
	return io.NopCloser(bytes.NewReader(m.content[path])), nil
}

func TestSaveEmptyFileProducesWellKnownEmptyBlob(t *testing.T) {
	r := openTestRepo(t)
	opener := &memOpener{content: map[string][]byte{"/src/empty.txt": {}}}
	// Strip "src" so the source directory itself maps onto the archive
	// root and its files land directly in the root tree.
	opts := Options{Branch: "refs/heads/main", Opener: opener, Strip: []string{"src"}}

	res, err := Run(r, opts, []Entry{
		{Path: "/src", Kind: KindDir},
		{Path: "/src/empty.txt", Kind: KindFile},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Commit.Zero() || res.Tree.Zero() {
		t.Fatalf("expected non-zero commit and tree, got %+v", res)
	}

	cat, err := r.Cat(res.Tree)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := gitobj.DecodeTree(cat.Payload)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Name == "empty.txt" {
			found = true
			if e.OID != gitobj.EmptyBlobOID {
				t.Fatalf("expected empty.txt to reference the empty blob, got %s", e.OID)
			}
		}
	}
	if !found {
		t.Fatalf("empty.txt entry missing from root tree: %+v", entries)
	}
}

func TestSaveSingleSmallFileIsDirectBlob(t *testing.T) {
	r := openTestRepo(t)
	opener := &memOpener{content: map[string][]byte{"/src/a.txt": []byte("hello world")}}
	// Strip "src" so the source directory itself maps onto the archive
	// root and its files land directly in the root tree.
	opts := Options{Branch: "refs/heads/main", Opener: opener, Strip: []string{"src"}}

	res, err := Run(r, opts, []Entry{
		{Path: "/src", Kind: KindDir},
		{Path: "/src/a.txt", Kind: KindFile},
	})
	if err != nil {
		t.Fatal(err)
	}

	cat, err := r.Cat(res.Tree)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := gitobj.DecodeTree(cat.Payload)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name != "a.txt" {
			continue
		}
		if e.Mode != gitobj.ModeFile {
			t.Fatalf("expected a regular file mode, got %o", e.Mode)
		}
		blob, err := r.Cat(e.OID)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(blob.Payload, []byte("hello world")) {
			t.Fatalf("content mismatch: %q", blob.Payload)
		}
		return
	}
	t.Fatalf("a.txt entry missing from root tree: %+v", entries)
}

func TestSaveSymlinkStoresTargetAsBlob(t *testing.T) {
	r := openTestRepo(t)
	opts := Options{Branch: "refs/heads/main", Strip: []string{"src"}}

	res, err := Run(r, opts, []Entry{
		{Path: "/src", Kind: KindDir},
		{Path: "/src/link", Kind: KindSymlink, LinkTarget: "a.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	cat, err := r.Cat(res.Tree)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := gitobj.DecodeTree(cat.Payload)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name == "link" {
			if e.Mode != gitobj.ModeSymlink {
				t.Fatalf("expected symlink mode, got %o", e.Mode)
			}
			blob, err := r.Cat(e.OID)
			if err != nil {
				t.Fatal(err)
			}
			if string(blob.Payload) != "a.txt" {
				t.Fatalf("expected link target blob, got %q", blob.Payload)
			}
			return
		}
	}
	t.Fatalf("link entry missing: %+v", entries)
}

func TestSaveSkipsUnreadableSourceAndContinues(t *testing.T) {
	r := openTestRepo(t)
	opener := &memOpener{
		content:   map[string][]byte{"/src/ok.txt": []byte("fine")},
		failPaths: map[string]bool{"/src/bad.txt": true},
	}
	// Strip "src" so the source directory itself maps onto the archive
	// root and its files land directly in the root tree.
	opts := Options{Branch: "refs/heads/main", Opener: opener, Strip: []string{"src"}}

	res, err := Run(r, opts, []Entry{
		{Path: "/src", Kind: KindDir},
		{Path: "/src/bad.txt", Kind: KindFile},
		{Path: "/src/ok.txt", Kind: KindFile},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly one recorded source error, got %v", res.Errors)
	}

	cat, err := r.Cat(res.Tree)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := gitobj.DecodeTree(cat.Payload)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name == "bad.txt" {
			t.Fatalf("unreadable source must not appear in the tree: %+v", entries)
		}
	}
}

func TestSaveDedupsIdenticalContentWithinOneRun(t *testing.T) {
	r := openTestRepo(t)
	opener := &memOpener{content: map[string][]byte{
		"/src/a.txt": []byte("same content"),
		"/src/b.txt": []byte("same content"),
	}}
	// Strip "src" so the source directory itself maps onto the archive
	// root and its files land directly in the root tree.
	opts := Options{Branch: "refs/heads/main", Opener: opener, Strip: []string{"src"}}

	res, err := Run(r, opts, []Entry{
		{Path: "/src", Kind: KindDir},
		{Path: "/src/a.txt", Kind: KindFile},
		{Path: "/src/b.txt", Kind: KindFile},
	})
	if err != nil {
		t.Fatal(err)
	}
	cat, err := r.Cat(res.Tree)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := gitobj.DecodeTree(cat.Payload)
	if err != nil {
		t.Fatal(err)
	}
	var oids []gitobj.OID
	for _, e := range entries {
		if e.Name == "a.txt" || e.Name == "b.txt" {
			oids = append(oids, e.OID)
		}
	}
	if len(oids) != 2 || oids[0] != oids[1] {
		t.Fatalf("expected a.txt and b.txt to dedup to the same blob, got %v", oids)
	}
}

func TestSaveReusesValidPriorWithoutReopeningSource(t *testing.T) {
	r := openTestRepo(t)
	content := []byte("stable content that should not be reopened")

	opener1 := &memOpener{content: map[string][]byte{"/src/a.txt": content}}
	first, err := Run(r, Options{Branch: "refs/heads/main", Opener: opener1, Strip: []string{"src"}}, []Entry{
		{Path: "/src", Kind: KindDir},
		{Path: "/src/a.txt", Kind: KindFile},
	})
	if err != nil {
		t.Fatal(err)
	}

	cat, err := r.Cat(first.Tree)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := gitobj.DecodeTree(cat.Payload)
	if err != nil {
		t.Fatal(err)
	}
	var priorSHA gitobj.OID
	var priorMode gitobj.Mode
	for _, e := range entries {
		if e.Name == "a.txt" {
			priorSHA, priorMode = e.OID, e.Mode
		}
	}
	if priorSHA.Zero() {
		t.Fatalf("expected a.txt in first save's tree: %+v", entries)
	}

	opener2 := &memOpener{failPaths: map[string]bool{"/src/a.txt": true}}
	second, err := Run(r, Options{Branch: "refs/heads/main", PrevCommit: first.Commit, Opener: opener2, Strip: []string{"src"}}, []Entry{
		{Path: "/src", Kind: KindDir},
		{Path: "/src/a.txt", Kind: KindFile, SHA: priorSHA, GitMode: priorMode, Flags: FlagValid},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(opener2.opened) != 0 {
		t.Fatalf("expected valid-prior entry to skip reopening the source, opener calls: %v", opener2.opened)
	}
	if second.Tree != first.Tree {
		t.Fatalf("expected an unchanged tree across an incremental no-op save")
	}
}

func TestSaveRootCollisionZeroesMergedRootMetadata(t *testing.T) {
	r := openTestRepo(t)
	// Both sources graft directly onto the archive root itself, so the
	// second directory entry collides with the first at comps == [].
	opts := Options{
		Branch: "refs/heads/main",
		Grafts: []GraftRule{
			{Old: []string{"srv1"}},
			{Old: []string{"srv2"}},
		},
	}

	res, err := Run(r, opts, []Entry{
		{Path: "/srv1", Kind: KindDir, Meta: metaenc.Record{Mode: 0755}},
		{Path: "/srv2", Kind: KindDir, Meta: metaenc.Record{Mode: 0700}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Tree.Zero() {
		t.Fatalf("expected a tree to be produced despite the root collision")
	}

	cat, err := r.Cat(res.Tree)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := gitobj.DecodeTree(cat.Payload)
	if err != nil {
		t.Fatal(err)
	}
	var bupmOID gitobj.OID
	for _, e := range entries {
		if e.Name == ".bupm" {
			bupmOID = e.OID
		}
	}
	if bupmOID.Zero() {
		t.Fatalf("expected a .bupm entry in the root tree: %+v", entries)
	}
	blob, err := r.Cat(bupmOID)
	if err != nil {
		t.Fatal(err)
	}
	records, err := metaenc.DecodeStream(blob.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Fatalf("expected at least a self record in the root's .bupm stream")
	}
	if records[0].Mode != 0 {
		t.Fatalf("expected the colliding root's own metadata to be zeroed, got mode %o", records[0].Mode)
	}
}
