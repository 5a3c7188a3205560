package sealed

import (
	"bytes"
	"compress/flate"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/presto8/bup/errs"
)

func genKeyPair(t *testing.T) (pub, priv *[32]byte) {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func genSymKey(t *testing.T) *[32]byte {
	t.Helper()
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatal(err)
	}
	return &k
}

func TestSealedPackRoundtrip(t *testing.T) {
	writePub, readPriv := genKeyPair(t)
	repoKey := genSymKey(t)
	keys := Keys{RepoKey: repoKey, WriteKey: writePub, ReadKey: readPriv}

	var buf bytes.Buffer
	w, err := CreateDataPack(&buf, keys, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}

	type obj struct {
		typ     byte
		payload []byte
	}
	want := []obj{
		{byte(1), []byte("hello, world")},
		{byte(2), bytes.Repeat([]byte{0xAB}, 200)},
		{byte(1), nil},
	}
	offsets := make([]int64, len(want))
	for i, o := range want {
		off, err := w.AppendObject(o.typ, o.payload)
		if err != nil {
			t.Fatal(err)
		}
		offsets[i] = off
	}

	rd, err := Open(bytes.NewReader(buf.Bytes()), "pack-test", keys)
	if err != nil {
		t.Fatal(err)
	}
	if rd.FileType() != FileTypePack {
		t.Fatalf("expected FileTypePack, got %d", rd.FileType())
	}

	for i, o := range want {
		typ, payload, err := rd.ReadObject(offsets[i])
		if err != nil {
			t.Fatal(err)
		}
		if typ != o.typ {
			t.Fatalf("object %d: type mismatch got %d want %d", i, typ, o.typ)
		}
		if !bytes.Equal(payload, o.payload) {
			t.Fatalf("object %d: payload mismatch", i)
		}
	}
}

func TestSealedSideFileUsesRepoKeyOnly(t *testing.T) {
	repoKey := genSymKey(t)
	keys := Keys{RepoKey: repoKey}

	var buf bytes.Buffer
	w, err := CreateSideFile(&buf, FileTypeIdx, keys, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.AppendObject(byte(1), []byte("idx payload")); err != nil {
		t.Fatal(err)
	}

	rd, err := Open(bytes.NewReader(buf.Bytes()), "idx-test", keys)
	if err != nil {
		t.Fatal(err)
	}
	if rd.FileType() != FileTypeIdx {
		t.Fatalf("expected FileTypeIdx, got %d", rd.FileType())
	}
	_, payload, err := rd.ReadObject(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "idx payload" {
		t.Fatalf("payload mismatch: %q", payload)
	}
}

func TestBitFlipCausesIntegrityError(t *testing.T) {
	writePub, readPriv := genKeyPair(t)
	repoKey := genSymKey(t)
	keys := Keys{RepoKey: repoKey, WriteKey: writePub, ReadKey: readPriv}

	var buf bytes.Buffer
	w, err := CreateDataPack(&buf, keys, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	off, err := w.AppendObject(byte(1), []byte("flip me"))
	if err != nil {
		t.Fatal(err)
	}

	corrupted := append([]byte(nil), buf.Bytes()...)
	corrupted[len(corrupted)-1] ^= 0x01 // flip the last ciphertext byte

	rd, err := Open(bytes.NewReader(corrupted), "pack-corrupt", keys)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = rd.ReadObject(off)
	if err == nil {
		t.Fatalf("expected integrity error from a flipped bit")
	}
	var ie *errs.IntegrityError
	if !asIntegrityError(err, &ie) {
		t.Fatalf("expected *errs.IntegrityError, got %T: %v", err, err)
	}
}

func asIntegrityError(err error, target **errs.IntegrityError) bool {
	for err != nil {
		if ie, ok := err.(*errs.IntegrityError); ok {
			*target = ie
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestNonceReuseIsRejected(t *testing.T) {
	writePub, _ := genKeyPair(t)
	repoKey := genSymKey(t)
	keys := Keys{RepoKey: repoKey, WriteKey: writePub}

	var buf bytes.Buffer
	w, err := CreateDataPack(&buf, keys, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.AppendObject(byte(1), []byte("one")); err != nil {
		t.Fatal(err)
	}
	// Force a reused nonce by rewinding the writer's own offset counter.
	w.objOffset = 0
	if _, err := w.AppendObject(byte(1), []byte("two")); err == nil {
		t.Fatalf("expected nonce reuse to be rejected")
	}
}
