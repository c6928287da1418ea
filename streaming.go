package resilience

import "sync"

// BodyStream is a single-consumer byte-chunk stream. The first call to
// Next after creation begins delivering chunks; a second, independent
// consumer attempting to read after the stream has been marked consumed
// observes ErrStreamConsumed via Response.Stream.
type BodyStream struct {
	mu       sync.Mutex
	chunks   <-chan []byte
	errCh    <-chan error
	consumed bool
}

// NewBodyStream wraps a channel of body chunks and an error channel that
// carries at most one value, closed when the underlying transport has
// finished delivering chunks (or failed).
func NewBodyStream(chunks <-chan []byte, errCh <-chan error) *BodyStream {
	return &BodyStream{chunks: chunks, errCh: errCh}
}

// Next returns the next chunk, or ok=false when the stream is exhausted.
// err is set if the underlying transport failed mid-stream.
func (s *BodyStream) Next() (chunk []byte, ok bool, err error) {
	select {
	case c, open := <-s.chunks:
		if !open {
			return nil, false, nil
		}
		return c, true, nil
	case e := <-s.errCh:
		return nil, false, e
	}
}

// Drain reads the stream to completion and returns the concatenated
// bytes. It is the mechanism behind Response.ToBuffered.
func (s *BodyStream) drain() ([]byte, error) {
	var out []byte
	for {
		chunk, ok, err := s.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, chunk...)
	}
}

// markConsumed returns an error if the stream was already consumed, else
// flips the consumed flag and returns nil. Response.Stream calls this so
// a second consumption attempt fails predictably regardless of which
// goroutine calls first.
func (s *BodyStream) markConsumed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		return ErrStreamConsumed
	}
	s.consumed = true
	return nil
}
