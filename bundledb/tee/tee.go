package tee

import (
	"io"
	"sync"
)

const (
	// DefaultChunkSize is the read size of the shared producer.
	DefaultChunkSize = 32 * 1024
	// DefaultHighWater is how many chunks a reader may buffer before the
	// producer blocks on it.
	DefaultHighWater = 4
)

// Stream fans one source out to n independent readers through a single
// producer goroutine. Every reader observes the full byte stream. Buffering
// is bounded: once a reader falls the high-water mark behind, the producer
// blocks until that reader drains or closes.
type Stream struct {
	readers []*Reader
	done    chan struct{}
}

// New splits src into n readers with default sizing.
func New(src io.Reader, n int) *Stream {
	return NewSized(src, n, DefaultChunkSize, DefaultHighWater)
}

// NewSized is New with an explicit chunk size and per-reader high-water mark.
func NewSized(src io.Reader, n int, chunkSize, highWater int) *Stream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if highWater <= 0 {
		highWater = DefaultHighWater
	}

	s := &Stream{
		readers: make([]*Reader, n),
		done:    make(chan struct{}),
	}
	for i := range s.readers {
		s.readers[i] = &Reader{
			ch:     make(chan []byte, highWater),
			closed: make(chan struct{}),
		}
	}

	go s.produce(src, chunkSize)

	return s
}

// Readers returns the stream's outputs. The source is never closed by the
// stream; closing a reader only detaches that output.
func (s *Stream) Readers() []*Reader {
	return s.readers
}

// Wait blocks until the producer stopped touching the source, either because
// the source is exhausted or because every reader closed. Callers that hand
// the source elsewhere afterwards must Wait first.
func (s *Stream) Wait() {
	<-s.done
}

func (s *Stream) produce(src io.Reader, chunkSize int) {
	defer close(s.done)

	var srcErr error

	for {
		// chunks are shared across readers and consumed at different
		// times, each round gets its own buffer
		buf := make([]byte, chunkSize)
		n, err := src.Read(buf)

		if n > 0 {
			active := 0
			for _, r := range s.readers {
				select {
				case r.ch <- buf[:n]:
					active++
				case <-r.closed:
				}
			}
			if active == 0 {
				break
			}
		}

		if err != nil {
			if err != io.EOF {
				srcErr = err
			}
			break
		}
	}

	for _, r := range s.readers {
		r.err = srcErr
		close(r.ch)
	}
}

// Reader is one output of a Stream. It is not safe for concurrent use by
// multiple goroutines, matching io.Reader convention.
type Reader struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once

	cur []byte
	err error
}

func (r *Reader) Read(p []byte) (int, error) {
	select {
	case <-r.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	for len(r.cur) == 0 {
		select {
		case <-r.closed:
			return 0, io.ErrClosedPipe
		case chunk, ok := <-r.ch:
			if !ok {
				if r.err != nil {
					return 0, r.err
				}
				return 0, io.EOF
			}
			r.cur = chunk
		}
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// Close detaches the reader. The producer stops buffering for it and later
// Reads return io.ErrClosedPipe.
func (r *Reader) Close() error {
	r.once.Do(func() {
		close(r.closed)
	})
	return nil
}
