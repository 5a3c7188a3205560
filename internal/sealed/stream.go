package sealed

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// maxObjectSize bounds a single object's compressed-and-encrypted
// size (spec.md §4.7 read path: "fail if > 1 GiB").
const maxObjectSize = 1 << 30

// maxVuintLen is the widest an object-size vuint can legally be
// (spec.md §4.7: "max 5 bytes").
const maxVuintLen = 5

func compress(level int, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("sealed: new zlib writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("sealed: new zlib reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("sealed: zlib decompress: %w", err)
	}
	return out, nil
}

func encodeVuint(n uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	w := binary.PutUvarint(buf, n)
	return buf[:w]
}

// decodeVuint parses a uvarint from the front of buf, returning the
// value and how many bytes it consumed.
func decodeVuint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, fmt.Errorf("sealed: malformed size vuint")
	}
	return v, n, nil
}
