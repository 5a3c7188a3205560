package rollsum

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
)

func concatChunks(chunks []Chunk) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Data)
	}
	return buf.Bytes()
}

// TestSplitRoundtrip is spec.md §8 property 1: concatenating the chunks
// reproduces the input exactly.
func TestSplitRoundtrip(t *testing.T) {
	data := make([]byte, 2*1024*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	chunks, err := Split([]io.Reader{bytes.NewReader(data)}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	got := concatChunks(chunks)
	if !bytes.Equal(got, data) {
		t.Fatalf("roundtrip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestSplitEmptyInput(t *testing.T) {
	chunks, err := Split([]io.Reader{bytes.NewReader(nil)}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || len(chunks[0].Data) != 0 {
		t.Fatalf("expected a single empty chunk, got %+v", chunks)
	}
}

// TestSplitDeterministic checks the same input always yields the same
// chunk boundaries.
func TestSplitDeterministic(t *testing.T) {
	data := make([]byte, 512*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	a, err := Split([]io.Reader{bytes.NewReader(data)}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Split([]io.Reader{bytes.NewReader(data)}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !bytes.Equal(a[i].Data, b[i].Data) || a[i].Level != b[i].Level {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

// TestLargeFileChunkCount is spec.md Scenario C.
func TestLargeFileChunkCount(t *testing.T) {
	data := make([]byte, 10*1024*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	chunks, err := Split([]io.Reader{bytes.NewReader(data)}, Options{BlobBits: 13})
	if err != nil {
		t.Fatal(err)
	}

	if len(chunks) < 500 || len(chunks) > 3000 {
		t.Fatalf("chunk count %d out of expected [500, 3000] range", len(chunks))
	}
}

func TestKeepBoundariesForcesSplit(t *testing.T) {
	a := bytes.Repeat([]byte{0x41}, 10)
	b := bytes.Repeat([]byte{0x42}, 10)

	chunks, err := Split([]io.Reader{bytes.NewReader(a), bytes.NewReader(b)}, Options{KeepBoundaries: true})
	if err != nil {
		t.Fatal(err)
	}

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks with KeepBoundaries, got %d", len(chunks))
	}
	if !bytes.Equal(chunks[0].Data, a) || !bytes.Equal(chunks[1].Data, b) {
		t.Fatalf("chunk contents mismatch: %+v", chunks)
	}
}

func TestWithoutKeepBoundariesMaySpanFiles(t *testing.T) {
	a := bytes.Repeat([]byte{0x41}, 10)
	b := bytes.Repeat([]byte{0x42}, 10)

	chunks, err := Split([]io.Reader{bytes.NewReader(a), bytes.NewReader(b)}, Options{KeepBoundaries: false})
	if err != nil {
		t.Fatal(err)
	}

	got := concatChunks(chunks)
	want := append(append([]byte{}, a...), b...)
	if !bytes.Equal(got, want) {
		t.Fatalf("concatenation mismatch")
	}
}

// TestSplitStability is spec.md §8 property 2: appending bytes to the
// end of a stream does not perturb earlier boundaries, outside the
// window near the append point.
func TestSplitStability(t *testing.T) {
	s := make([]byte, 256*1024)
	if _, err := rand.Read(s); err != nil {
		t.Fatal(err)
	}
	tail := make([]byte, 4096)
	if _, err := rand.Read(tail); err != nil {
		t.Fatal(err)
	}

	chunksS, err := Split([]io.Reader{bytes.NewReader(s)}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	st := append(append([]byte{}, s...), tail...)
	chunksST, err := Split([]io.Reader{bytes.NewReader(st)}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	// All chunks of s except the last must reappear identically as a
	// prefix of the chunks of s||t.
	if len(chunksS) < 2 {
		t.Skip("not enough chunks produced to check stability")
	}
	for i := 0; i < len(chunksS)-1; i++ {
		if !bytes.Equal(chunksS[i].Data, chunksST[i].Data) {
			t.Fatalf("chunk %d boundary perturbed by trailing append", i)
		}
	}
}

func TestSplitAsyncMatchesSync(t *testing.T) {
	data := make([]byte, 256*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	sync, err := Split([]io.Reader{bytes.NewReader(data)}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	var async []Chunk
	for r := range SplitAsync([]io.Reader{bytes.NewReader(data)}, Options{}) {
		if r.Err != nil {
			t.Fatal(r.Err)
		}
		async = append(async, r.Chunk)
	}

	if len(sync) != len(async) {
		t.Fatalf("chunk counts differ: sync=%d async=%d", len(sync), len(async))
	}
	for i := range sync {
		if !bytes.Equal(sync[i].Data, async[i].Data) || sync[i].Level != async[i].Level {
			t.Fatalf("chunk %d differs between sync and async", i)
		}
	}
}

func TestProgressCallback(t *testing.T) {
	data := make([]byte, 128*1024)
	total := 0
	_, err := Split([]io.Reader{bytes.NewReader(data)}, Options{Progress: func(n int) { total += n }})
	if err != nil {
		t.Fatal(err)
	}
	if total != len(data) {
		t.Fatalf("progress callback reported %d bytes, want %d", total, len(data))
	}
}
