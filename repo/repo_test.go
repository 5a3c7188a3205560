package repo

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/presto8/bup/internal/gitobj"
	"github.com/presto8/bup/internal/sealed"
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

func openTestRepo(t *testing.T, maxPackSize int64, separateMeta bool) *Repository {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewLocalBackend(filepath.Join(dir, "backend"))
	if err != nil {
		t.Fatal(err)
	}
	cache, err := OpenIdxCache(filepath.Join(dir, "idxcache.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })

	cfg := Config{
		Keys:             testKeys(t),
		SeparateMeta:     separateMeta,
		CompressionLevel: -1,
		MaxPackSize:      maxPackSize,
	}
	r, err := Open(backend, cache, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestWriteDataDedupsWithinSession(t *testing.T) {
	r := openTestRepo(t, 1<<20, false)

	sha1, err := r.WriteData([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	sha2, err := r.WriteData([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if sha1 != sha2 {
		t.Fatalf("expected same sha for identical content, got %s vs %s", sha1, sha2)
	}
	if !r.Exists(sha1) {
		t.Fatalf("expected Exists to report the tentative write")
	}
}

func TestCatRoundtripsAfterFinishWriting(t *testing.T) {
	r := openTestRepo(t, 1<<20, false)

	sha, err := r.WriteData([]byte("round trip me"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.FinishWriting(); err != nil {
		t.Fatal(err)
	}

	got, err := r.Cat(sha)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != gitobj.KindBlob {
		t.Fatalf("expected blob kind, got %s", got.Kind)
	}
	if !bytes.Equal(got.Payload, []byte("round trip me")) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestUpdateRefCASRejectsStaleOld(t *testing.T) {
	r := openTestRepo(t, 1<<20, false)

	sha, err := r.WriteCommit([]byte("commit 1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateRef("refs/heads/main", sha, gitobj.OID{}); err != nil {
		t.Fatal(err)
	}

	sha2, err := r.WriteCommit([]byte("commit 2"))
	if err != nil {
		t.Fatal(err)
	}
	// Stale old value (zero, claiming the ref doesn't exist yet) must
	// be rejected now that refs/heads/main already points at sha.
	if err := r.UpdateRef("refs/heads/main", sha2, gitobj.OID{}); err == nil {
		t.Fatalf("expected CAS failure on stale old value")
	}
	if err := r.UpdateRef("refs/heads/main", sha2, sha); err != nil {
		t.Fatalf("expected CAS success with the correct old value: %v", err)
	}

	refs, err := r.Refs(nil, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if refs["refs/heads/main"] != sha2 {
		t.Fatalf("expected refs/heads/main to point at sha2")
	}
}

func TestRefsFiltersByHeadsAndPatterns(t *testing.T) {
	r := openTestRepo(t, 1<<20, false)

	sha, err := r.WriteCommit([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateRef("refs/heads/main", sha, gitobj.OID{}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateRef("refs/tags/v1", sha, gitobj.OID{}); err != nil {
		t.Fatal(err)
	}

	heads, err := r.Refs(nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 1 || heads["refs/heads/main"] != sha {
		t.Fatalf("expected only refs/heads/main, got %v", heads)
	}

	matched, err := r.Refs([]string{"v1"}, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 || matched["refs/tags/v1"] != sha {
		t.Fatalf("expected only refs/tags/v1, got %v", matched)
	}
}

func TestPackRotatesAndDedupsAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalBackend(filepath.Join(dir, "backend"))
	if err != nil {
		t.Fatal(err)
	}
	keys := testKeys(t)

	// Random (incompressible) content, so the zlib-compressed pack size
	// actually tracks the 64 KiB written.
	payload := make([]byte, 1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	func() {
		cache, err := OpenIdxCache(filepath.Join(dir, "idxcache.bolt"))
		if err != nil {
			t.Fatal(err)
		}
		defer cache.Close()
		r, err := Open(backend, cache, Config{Keys: keys, CompressionLevel: -1, MaxPackSize: 8 * 1024})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 64; i++ {
			if _, err := r.WriteData(append(payload, byte(i))); err != nil {
				t.Fatal(err)
			}
		}
		if err := r.FinishWriting(); err != nil {
			t.Fatal(err)
		}
	}()

	packs, err := backend.ListPacks()
	if err != nil {
		t.Fatal(err)
	}
	if len(packs) < 4 {
		t.Fatalf("expected several rotated packs for 64 KiB at an 8 KiB limit, got %d", len(packs))
	}

	// Reopening a fresh Repository against the same backend but a new
	// local idx cache must rebuild dedup state entirely from the
	// remote idx list.
	cache2, err := OpenIdxCache(filepath.Join(dir, "idxcache2.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache2.Close()
	r2, err := Open(backend, cache2, Config{Keys: keys, CompressionLevel: -1, MaxPackSize: 8 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	sha := gitobj.Hash(gitobj.KindBlob, append(append([]byte{}, payload...), byte(0)))
	if !r2.Exists(sha) {
		t.Fatalf("expected second session to see first session's objects as durable")
	}
}

func TestAbortWritingDiscardsTentativePack(t *testing.T) {
	r := openTestRepo(t, 1<<20, false)
	sha, err := r.WriteData([]byte("never committed"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.AbortWriting(); err != nil {
		t.Fatal(err)
	}
	if r.Exists(sha) {
		t.Fatalf("expected aborted write to no longer be visible")
	}
}
