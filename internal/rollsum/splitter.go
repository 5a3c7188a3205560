package rollsum

import (
	"bufio"
	"io"
)

// Chunk is one output of the splitter: a content-defined slice of the
// input plus the fanout level computed at its boundary.
type Chunk struct {
	Data  []byte
	Level int
}

// Options configures a Splitter.
type Options struct {
	// BlobBits sets the target chunk size to 1<<BlobBits bytes. Zero
	// means DefaultBlobBits.
	BlobBits uint
	// KeepBoundaries forces a chunk boundary at every input-file
	// boundary (flushing the rolling window) instead of letting chunks
	// span files.
	KeepBoundaries bool
	// Progress, if non-nil, is called with the number of bytes
	// consumed after each read — the injected replacement for the
	// source's progress_callback global (spec.md §9 open question).
	Progress func(n int)
}

func (o Options) blobbits() uint {
	if o.BlobBits == 0 {
		return DefaultBlobBits
	}
	return o.BlobBits
}

// Splitter incrementally turns a byte stream into (chunk, level) pairs.
// It is not safe for concurrent use.
type Splitter struct {
	opts Options
	rs   *rollsum
	pend []byte // bytes accumulated since the last emitted chunk
	max  int
}

// New returns a Splitter configured by opts.
func New(opts Options) *Splitter {
	return &Splitter{
		opts: opts,
		rs:   newRollsum(),
		max:  maxChunkSize(opts.blobbits()),
	}
}

// Write feeds data into the splitter, returning any chunks completed as
// a result (zero or more — a single Write can complete several small
// chunks, or none if data didn't reach a boundary).
func (s *Splitter) Write(data []byte) []Chunk {
	var out []Chunk
	blobbits := s.opts.blobbits()

	for _, b := range data {
		s.pend = append(s.pend, b)
		s.rs.add(b)

		if len(s.pend) >= s.max {
			out = append(out, Chunk{Data: s.take(), Level: maxLevel})
			continue
		}

		d := s.rs.digest()
		if len(s.pend) >= windowSize && boundary(d, blobbits) {
			out = append(out, Chunk{Data: s.take(), Level: level(d, blobbits)})
		}
	}

	return out
}

// take returns the pending bytes as a new chunk payload and resets
// splitter state (pending buffer and rolling window) for the next chunk.
func (s *Splitter) take() []byte {
	chunk := s.pend
	s.pend = nil
	s.rs = newRollsum()
	return chunk
}

// Flush forces a boundary at the current position, returning the
// pending bytes as a final chunk if any remain.
func (s *Splitter) Flush() (Chunk, bool) {
	if len(s.pend) == 0 {
		return Chunk{}, false
	}
	return Chunk{Data: s.take(), Level: 0}, true
}

// Split is the synchronous entry point: it concatenates the given
// readers (respecting KeepBoundaries between them) and returns the full
// chunk sequence. The concatenation of the returned chunks' Data equals
// the concatenation of the inputs (spec.md §8 property 1).
func Split(readers []io.Reader, opts Options) ([]Chunk, error) {
	s := New(opts)
	var chunks []Chunk

	buf := make([]byte, 64*1024)
	for i, r := range readers {
		br := bufio.NewReader(r)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				chunks = append(chunks, s.Write(buf[:n])...)
				if opts.Progress != nil {
					opts.Progress(n)
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
		}

		if opts.KeepBoundaries && i < len(readers)-1 {
			if c, ok := s.Flush(); ok {
				chunks = append(chunks, c)
			}
		}
	}

	if c, ok := s.Flush(); ok {
		chunks = append(chunks, c)
	}

	if len(chunks) == 0 {
		chunks = append(chunks, Chunk{Data: []byte{}, Level: 0})
	}

	return chunks, nil
}

// Result is one message on the channel returned by SplitAsync.
type Result struct {
	Chunk Chunk
	Err   error
}

// SplitAsync runs Split in a background goroutine and streams chunks
// over a channel as they complete, rather than buffering the whole
// sequence in memory. This mirrors the teacher's NewChunkBuf: a chunking
// goroutine feeding completed chunks to the caller while the caller
// keeps control of consumption pace — here via channel receive instead
// of a shared slice, since nothing downstream needs random access into
// an in-progress chunk list.
func SplitAsync(readers []io.Reader, opts Options) <-chan Result {
	out := make(chan Result)

	go func() {
		defer close(out)

		s := New(opts)
		buf := make([]byte, 64*1024)
		emitted := false

		for i, r := range readers {
			br := bufio.NewReader(r)
			for {
				n, err := br.Read(buf)
				if n > 0 {
					for _, c := range s.Write(buf[:n]) {
						emitted = true
						out <- Result{Chunk: c}
					}
					if opts.Progress != nil {
						opts.Progress(n)
					}
				}
				if err == io.EOF {
					break
				}
				if err != nil {
					out <- Result{Err: err}
					return
				}
			}

			if opts.KeepBoundaries && i < len(readers)-1 {
				if c, ok := s.Flush(); ok {
					emitted = true
					out <- Result{Chunk: c}
				}
			}
		}

		if c, ok := s.Flush(); ok {
			emitted = true
			out <- Result{Chunk: c}
		}

		if !emitted {
			out <- Result{Chunk: Chunk{Data: []byte{}, Level: 0}}
		}
	}()

	return out
}
