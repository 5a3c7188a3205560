// Package sealed implements spec.md §4.7: the encrypted pack/idx/config
// container format. Every durable file the repository writes — data
// packs, idx files, and the refs/config blob — is wrapped in this
// envelope: an encrypted per-file header carrying a random symmetric
// key, followed by a sequence of individually compressed and
// authenticated-encrypted object records.
//
// There is no teacher analog (cellstate-treedb stores plaintext in
// boltdb); this package is built directly from spec.md's byte-exact
// format using the NaCl primitives the wider example pack favors for
// this kind of sealed/secret box split (restic and similar backup
// tools keep a public "push" key separate from the secret "read" key
// the same way).
package sealed

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/salsa20"

	"github.com/presto8/bup/errs"
)

// Magic is the fixed 4-byte envelope signature.
const Magic = "BUPe"

// Header algorithm tags (envelope byte 4).
const (
	HeaderAlgSealed byte = 1 // data packs: sealed_box(writekey)
	HeaderAlgSecret byte = 2 // idx/config: secret_box(repokey)
)

// Inner header fields.
const (
	FormatVersion byte = 1
	DataAlgV1     byte = 1
)

// File type tags (inner header byte 2).
const (
	FileTypePack   byte = 1
	FileTypeIdx    byte = 2
	FileTypeConfig byte = 3
)

// Compression tags (inner header byte 3).
const CompressionZlib byte = 1

const keySize = 32
const innerHeaderSize = 1 + 1 + 1 + 1 + keySize // format, alg, filetype, compr, key

// Keys bundles the three key material slots spec.md §3 describes.
// ReadKey is nil for an append-only (write-only) repository.
type Keys struct {
	RepoKey  *[keySize]byte
	WriteKey *[keySize]byte
	ReadKey  *[keySize]byte
}

type innerHeader struct {
	format      byte
	dataAlg     byte
	fileType    byte
	compression byte
	key         [keySize]byte
}

func (h innerHeader) encode() []byte {
	buf := make([]byte, innerHeaderSize)
	buf[0] = h.format
	buf[1] = h.dataAlg
	buf[2] = h.fileType
	buf[3] = h.compression
	copy(buf[4:], h.key[:])
	return buf
}

func decodeInnerHeader(b []byte) (innerHeader, error) {
	if len(b) != innerHeaderSize {
		return innerHeader{}, fmt.Errorf("sealed: inner header is %d bytes, want %d", len(b), innerHeaderSize)
	}
	var h innerHeader
	h.format = b[0]
	h.dataAlg = b[1]
	h.fileType = b[2]
	h.compression = b[3]
	copy(h.key[:], b[4:])
	return h, nil
}

// secretNonce builds the 24-byte nonce spec.md §4.7 specifies:
// (1-byte domain, 15 zero bytes, 8-byte big-endian offset). The
// envelope header framing (the u16 EH length) is little-endian per
// spec.md §3, but the nonce's offset field is big-endian — confirmed
// against the original source's struct.pack('>B15xQ', kind, offset).
func secretNonce(domain byte, offset int64) [24]byte {
	var n [24]byte
	n[0] = domain
	binary.BigEndian.PutUint64(n[16:], uint64(offset))
	return n
}

// xorKeystream derives n bytes of raw XSalsa20 keystream for (key,
// nonce) by XOR-ing it against an all-zero plaintext, the same
// construction the original source uses via
// libnacl.crypto_stream_xor(vuint, nonce, box.sk): a direct stream
// cipher keyed by the secretbox key, not a secretbox seal (whose
// output is tag||ciphertext, not a bare keystream).
func xorKeystream(key *[keySize]byte, nonce [24]byte, n int) []byte {
	zero := make([]byte, n)
	out := make([]byte, n)
	salsa20.XORKeyStream(out, zero, nonce[:], key)
	return out
}

func xorInto(dst, keystream []byte) {
	for i := range dst {
		dst[i] ^= keystream[i]
	}
}

func secretboxSeal(plain []byte, nonce [24]byte, key *[keySize]byte) []byte {
	return secretbox.Seal(nil, plain, &nonce, key)
}

func secretboxOpen(ciphertext []byte, nonce [24]byte, key *[keySize]byte) ([]byte, bool) {
	return secretbox.Open(nil, ciphertext, &nonce, key)
}

// encodeHeaderSecret encrypts h under repoKey with a random nonce
// prepended to the ciphertext (the envelope has no separate nonce
// field, so the nonce travels as part of the encrypted-header bytes).
func encodeHeaderSecret(h innerHeader, repoKey *[keySize]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("sealed: generate header nonce: %w", err)
	}
	ct := secretbox.Seal(nil, h.encode(), &nonce, repoKey)
	return append(nonce[:], ct...), nil
}

func decodeHeaderSecret(blob []byte, repoKey *[keySize]byte) (innerHeader, error) {
	if len(blob) < 24 {
		return innerHeader{}, fmt.Errorf("sealed: encrypted header too short")
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	plain, ok := secretbox.Open(nil, blob[24:], &nonce, repoKey)
	if !ok {
		return innerHeader{}, errs.NewIntegrityError("", 0, "header secret-box authentication failed", nil)
	}
	return decodeInnerHeader(plain)
}

func encodeHeaderSealed(h innerHeader, writeKey *[keySize]byte) ([]byte, error) {
	ct, err := box.SealAnonymous(nil, h.encode(), writeKey, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: seal header: %w", err)
	}
	return ct, nil
}

func decodeHeaderSealed(blob []byte, writeKey, readKey *[keySize]byte) (innerHeader, error) {
	plain, ok := box.OpenAnonymous(nil, blob, writeKey, readKey)
	if !ok {
		return innerHeader{}, errs.NewIntegrityError("", 0, "header sealed-box authentication failed", nil)
	}
	return decodeInnerHeader(plain)
}

// writeEnvelopeHeader emits the full "BUPe" envelope header (magic
// through the encrypted inner header) and returns its total byte
// length H, used as the base offset for the object stream.
func writeEnvelopeHeader(w io.Writer, algTag byte, encHeader []byte) (int64, error) {
	if len(encHeader) > 0xFFFF {
		return 0, fmt.Errorf("sealed: encrypted header too large (%d bytes)", len(encHeader))
	}
	hdr := make([]byte, 8)
	copy(hdr[0:4], Magic)
	hdr[4] = algTag
	hdr[5] = 0
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(len(encHeader)))
	if _, err := w.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := w.Write(encHeader); err != nil {
		return 0, err
	}
	return int64(len(hdr) + len(encHeader)), nil
}

func readEnvelopeHeader(r io.ReaderAt) (algTag byte, encHeader []byte, headerLen int64, err error) {
	hdr := make([]byte, 8)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return 0, nil, 0, fmt.Errorf("sealed: read envelope header: %w", err)
	}
	if string(hdr[0:4]) != Magic {
		return 0, nil, 0, errs.NewIntegrityError("", 0, "bad envelope magic", nil)
	}
	algTag = hdr[4]
	eh := binary.LittleEndian.Uint16(hdr[6:8])
	encHeader = make([]byte, eh)
	if eh > 0 {
		if _, err := r.ReadAt(encHeader, 8); err != nil {
			return 0, nil, 0, fmt.Errorf("sealed: read encrypted header: %w", err)
		}
	}
	return algTag, encHeader, int64(8 + eh), nil
}
