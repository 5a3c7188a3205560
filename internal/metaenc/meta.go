// Package metaenc implements spec.md §4.5: encoding per-entry filesystem
// metadata into a directory's ".bupm" stream. The first record in a
// stream is the directory's own metadata (possibly empty for grafted
// roots); subsequent records cover the directory's non-subdirectory
// entries in shalist_item_sort_key order. Every record is self-delimiting
// (length-prefixed) so the stream can be split and reassembled by the
// same rolling splitter used for file content.
//
// Grounded on the teacher's fileInfo struct (fs.go, simplefs/fi.go),
// whose field set (name, mode, mtime, size) is widened here to the full
// set of POSIX attributes a restore needs, encoded as a compact binary
// record instead of fileInfo's JSON.
package metaenc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// Record is one directory entry's (or a directory's own) captured
// metadata.
type Record struct {
	Mode           os.FileMode
	UID            int
	GID            int
	Size           int64
	Atime          time.Time
	Mtime          time.Time
	Ctime          time.Time
	Rdev           uint64 // device number, for block/char special files
	HardlinkTarget string // first known path for (dev, ino) when nlink > 1
	Symlink        string // link target, duplicated here for restore convenience
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func putTime(buf *bytes.Buffer, t time.Time) {
	putVarint(buf, t.UnixNano())
}

// Encode serializes r into its bare record payload (no outer length
// prefix — see Append for the self-delimiting form used in a stream).
func Encode(r Record) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, uint64(r.Mode))
	putVarint(&buf, int64(r.UID))
	putVarint(&buf, int64(r.GID))
	putVarint(&buf, r.Size)
	putTime(&buf, r.Atime)
	putTime(&buf, r.Mtime)
	putTime(&buf, r.Ctime)
	putUvarint(&buf, r.Rdev)
	putString(&buf, r.HardlinkTarget)
	putString(&buf, r.Symlink)
	return buf.Bytes()
}

// Append appends r to buf as a self-delimiting (length-prefixed) record
// and returns the extended buffer.
func Append(buf []byte, r Record) []byte {
	payload := Encode(r)
	var hdr bytes.Buffer
	putUvarint(&hdr, uint64(len(payload)))
	buf = append(buf, hdr.Bytes()...)
	buf = append(buf, payload...)
	return buf
}

func getUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func getVarint(r *bytes.Reader) (int64, error) {
	return binary.ReadVarint(r)
}

func getString(r *bytes.Reader) (string, error) {
	n, err := getUvarint(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func getTime(r *bytes.Reader) (time.Time, error) {
	ns, err := getVarint(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}

// Decode parses a single bare record payload (the inverse of Encode).
func Decode(payload []byte) (Record, error) {
	r := bytes.NewReader(payload)
	var rec Record

	mode, err := getUvarint(r)
	if err != nil {
		return rec, fmt.Errorf("metaenc: decode mode: %w", err)
	}
	rec.Mode = os.FileMode(mode)

	uid, err := getVarint(r)
	if err != nil {
		return rec, fmt.Errorf("metaenc: decode uid: %w", err)
	}
	rec.UID = int(uid)

	gid, err := getVarint(r)
	if err != nil {
		return rec, fmt.Errorf("metaenc: decode gid: %w", err)
	}
	rec.GID = int(gid)

	size, err := getVarint(r)
	if err != nil {
		return rec, fmt.Errorf("metaenc: decode size: %w", err)
	}
	rec.Size = size

	if rec.Atime, err = getTime(r); err != nil {
		return rec, fmt.Errorf("metaenc: decode atime: %w", err)
	}
	if rec.Mtime, err = getTime(r); err != nil {
		return rec, fmt.Errorf("metaenc: decode mtime: %w", err)
	}
	if rec.Ctime, err = getTime(r); err != nil {
		return rec, fmt.Errorf("metaenc: decode ctime: %w", err)
	}

	rdev, err := getUvarint(r)
	if err != nil {
		return rec, fmt.Errorf("metaenc: decode rdev: %w", err)
	}
	rec.Rdev = rdev

	if rec.HardlinkTarget, err = getString(r); err != nil {
		return rec, fmt.Errorf("metaenc: decode hardlink target: %w", err)
	}
	if rec.Symlink, err = getString(r); err != nil {
		return rec, fmt.Errorf("metaenc: decode symlink: %w", err)
	}

	return rec, nil
}

// EncodeDirectory builds the full .bupm byte stream for a directory:
// self is the directory's own metadata record (may be the zero value
// for a grafted root per spec.md §4.9's root-collision rule); entries
// follows in shalist_item_sort_key order and must contain only
// non-subdirectory entries (spec.md §4.5).
func EncodeDirectory(self Record, entries []Record) []byte {
	buf := Append(nil, self)
	for _, e := range entries {
		buf = Append(buf, e)
	}
	return buf
}

// DecodeStream parses a full .bupm byte stream back into its records,
// the first being the directory's own metadata.
func DecodeStream(data []byte) ([]Record, error) {
	r := bytes.NewReader(data)
	var records []Record
	for r.Len() > 0 {
		n, err := getUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("metaenc: read record length: %w", err)
		}
		payload := make([]byte, n)
		if _, err := readFull(r, payload); err != nil {
			return nil, fmt.Errorf("metaenc: read record payload: %w", err)
		}
		rec, err := Decode(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
