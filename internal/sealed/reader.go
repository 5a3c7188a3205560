package sealed

import (
	"fmt"
	"io"

	"github.com/presto8/bup/errs"
)

// Reader opens an existing envelope file for random-access object
// reads (spec.md §4.7 "Read path").
type Reader struct {
	r         io.ReaderAt
	name      string // pack/idx filename, carried only for IntegrityError diagnostics
	key       [keySize]byte
	fileType  byte
	headerLen int64
}

// Open parses the envelope header and recovers the per-file key using
// the matching key material in keys. name is used only to annotate
// IntegrityErrors with the offending pack/idx filename.
func Open(r io.ReaderAt, name string, keys Keys) (*Reader, error) {
	algTag, encHeader, headerLen, err := readEnvelopeHeader(r)
	if err != nil {
		return nil, err
	}

	var inner innerHeader
	switch algTag {
	case HeaderAlgSealed:
		if keys.WriteKey == nil || keys.ReadKey == nil {
			return nil, fmt.Errorf("sealed: writekey+readkey required to open a sealed-box envelope")
		}
		inner, err = decodeHeaderSealed(encHeader, keys.WriteKey, keys.ReadKey)
	case HeaderAlgSecret:
		if keys.RepoKey == nil {
			return nil, fmt.Errorf("sealed: repokey required to open a secret-box envelope")
		}
		inner, err = decodeHeaderSecret(encHeader, keys.RepoKey)
	default:
		return nil, errs.NewIntegrityError(name, 0, fmt.Sprintf("unknown header alg %d", algTag), nil)
	}
	if err != nil {
		return nil, withPackName(err, name)
	}
	if inner.format != FormatVersion || inner.dataAlg != DataAlgV1 {
		return nil, errs.NewIntegrityError(name, 0, "unsupported envelope format/data-alg", nil)
	}

	return &Reader{r: r, name: name, key: inner.key, fileType: inner.fileType, headerLen: headerLen}, nil
}

// FileType reports the envelope's declared file type (pack/idx/config).
func (rd *Reader) FileType() byte { return rd.fileType }

func withPackName(err error, name string) error {
	if ie, ok := err.(*errs.IntegrityError); ok && ie.Pack == "" {
		ie.Pack = name
	}
	return err
}

// ReadObject decrypts and returns the object stored at the given
// object-stream offset (the same offset AppendObject returned, and
// what the idx records).
func (rd *Reader) ReadObject(offset int64) (typ byte, payload []byte, err error) {
	base := rd.headerLen + offset

	vuintCap := make([]byte, maxVuintLen)
	n, rerr := rd.r.ReadAt(vuintCap, base)
	if rerr != nil && rerr != io.EOF {
		return 0, nil, fmt.Errorf("sealed: read size vuint at %d: %w", offset, rerr)
	}
	vuintCap = vuintCap[:n]
	if len(vuintCap) == 0 {
		return 0, nil, errs.NewIntegrityError(rd.name, offset, "truncated object (no size vuint)", nil)
	}

	ks := xorKeystream(&rd.key, secretNonce(0x80, offset), len(vuintCap))
	decoded := append([]byte(nil), vuintCap...)
	xorInto(decoded, ks)

	size, vuintLen, err := decodeVuint(decoded)
	if err != nil {
		return 0, nil, errs.NewIntegrityError(rd.name, offset, "malformed size vuint", err)
	}
	if size > maxObjectSize {
		return 0, nil, errs.NewIntegrityError(rd.name, offset, fmt.Sprintf("object size %d exceeds 1 GiB cap", size), nil)
	}

	ciphertext := make([]byte, size)
	if _, err := rd.r.ReadAt(ciphertext, base+int64(vuintLen)); err != nil {
		return 0, nil, fmt.Errorf("sealed: read ciphertext at %d: %w", offset, err)
	}

	compressed, ok := secretboxOpen(ciphertext, secretNonce(0x00, offset), &rd.key)
	if !ok {
		return 0, nil, errs.NewIntegrityError(rd.name, offset, "secret-box authentication failed", nil)
	}

	plain, err := decompress(compressed)
	if err != nil {
		return 0, nil, errs.NewIntegrityError(rd.name, offset, "zlib decompress failed", err)
	}
	if len(plain) == 0 {
		return 0, nil, errs.NewIntegrityError(rd.name, offset, "decompressed object has no type byte", nil)
	}

	return plain[0], plain[1:], nil
}
