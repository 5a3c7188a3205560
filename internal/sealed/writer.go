package sealed

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Writer appends encrypted, compressed objects to one envelope file.
// It implements internal/pack.Container, so a pack.Writer (or a plain
// idx/config write) can treat it as an opaque append-only sink.
type Writer struct {
	w          io.Writer
	key        [keySize]byte
	comprLevel int
	headerLen  int64
	objOffset  int64 // bytes written to the object stream so far
	seenNonces map[[24]byte]bool
}

// CreateDataPack opens a new pack envelope: the inner header is
// sealed-box-encrypted under writeKey so a write-only session (no
// ReadKey) can still produce packs it cannot itself decrypt.
func CreateDataPack(w io.Writer, keys Keys, comprLevel int) (*Writer, error) {
	if keys.WriteKey == nil {
		return nil, fmt.Errorf("sealed: writekey required to create a data pack")
	}
	return create(w, HeaderAlgSealed, FileTypePack, keys, comprLevel)
}

// CreateSideFile opens a new idx or config envelope, secret-box
// encrypted under the shared repokey.
func CreateSideFile(w io.Writer, fileType byte, keys Keys, comprLevel int) (*Writer, error) {
	if keys.RepoKey == nil {
		return nil, fmt.Errorf("sealed: repokey required to create %d", fileType)
	}
	if fileType != FileTypeIdx && fileType != FileTypeConfig {
		return nil, fmt.Errorf("sealed: invalid side-file type %d", fileType)
	}
	return create(w, HeaderAlgSecret, fileType, keys, comprLevel)
}

func create(w io.Writer, algTag, fileType byte, keys Keys, comprLevel int) (*Writer, error) {
	var fileKey [keySize]byte
	if _, err := rand.Read(fileKey[:]); err != nil {
		return nil, fmt.Errorf("sealed: generate per-file key: %w", err)
	}

	inner := innerHeader{
		format:      FormatVersion,
		dataAlg:     DataAlgV1,
		fileType:    fileType,
		compression: CompressionZlib,
		key:         fileKey,
	}

	var encHeader []byte
	var err error
	switch algTag {
	case HeaderAlgSealed:
		encHeader, err = encodeHeaderSealed(inner, keys.WriteKey)
	case HeaderAlgSecret:
		encHeader, err = encodeHeaderSecret(inner, keys.RepoKey)
	default:
		return nil, fmt.Errorf("sealed: unknown header alg %d", algTag)
	}
	if err != nil {
		return nil, err
	}

	headerLen, err := writeEnvelopeHeader(w, algTag, encHeader)
	if err != nil {
		return nil, fmt.Errorf("sealed: write envelope header: %w", err)
	}

	return &Writer{
		w:          w,
		key:        fileKey,
		comprLevel: comprLevel,
		headerLen:  headerLen,
		seenNonces: map[[24]byte]bool{},
	}, nil
}

// AppendObject implements internal/pack.Container: compress, encrypt,
// and append one object record, returning its offset within the
// object stream (not the absolute file offset — the idx records this
// offset, and Reader adds headerLen back when resolving it).
func (w *Writer) AppendObject(typ byte, payload []byte) (int64, error) {
	plain := make([]byte, 0, len(payload)+1)
	plain = append(plain, typ)
	plain = append(plain, payload...)

	compressed, err := compress(w.comprLevel, plain)
	if err != nil {
		return 0, err
	}

	offset := w.objOffset

	dataNonce := secretNonce(0x00, offset)
	if w.seenNonces[dataNonce] {
		return 0, fmt.Errorf("sealed: nonce reuse detected at offset %d", offset)
	}
	w.seenNonces[dataNonce] = true
	ciphertext := secretboxSeal(compressed, dataNonce, &w.key)

	vuint := encodeVuint(uint64(len(ciphertext)))
	sizeNonce := secretNonce(0x80, offset)
	ks := xorKeystream(&w.key, sizeNonce, len(vuint))
	encVuint := append([]byte(nil), vuint...)
	xorInto(encVuint, ks)

	if _, err := w.w.Write(encVuint); err != nil {
		return 0, err
	}
	if _, err := w.w.Write(ciphertext); err != nil {
		return 0, err
	}

	w.objOffset += int64(len(encVuint) + len(ciphertext))
	return offset, nil
}

// Size reports the envelope's total byte size so far, header
// included.
func (w *Writer) Size() int64 { return w.headerLen + w.objOffset }
