package worker

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// Stream is a finite, single-pass sequence of fragments for one call.
// Fragments arrive in pipe order and are buffered until the consumer pulls
// them, so production and consumption pace are independent; after the
// terminal frame the buffer drains before Recv reports the end. Each
// fragment is delivered exactly once.
type Stream struct {
	id   uint64
	send func(abortPayload) error

	mu     sync.Mutex
	buf    []json.RawMessage
	done   bool
	err    error
	final  json.RawMessage
	notify chan struct{}

	abortOnce sync.Once
	settle    func() bool
}

func newStream() *Stream {
	return &Stream{notify: make(chan struct{}, 1)}
}

// NewCompletedStream returns a stream already holding chunks and a final
// reply. Used by handler tests and canned responses; Cancel is a no-op.
func NewCompletedStream(chunks []json.RawMessage, final json.RawMessage) *Stream {
	s := newStream()
	s.buf = append(s.buf, chunks...)
	s.done = true
	s.final = final
	return s
}

// push appends one fragment. Called only by the dispatcher.
func (s *Stream) push(chunk json.RawMessage) {
	s.mu.Lock()
	if s.done {
		// Settled first; late chunks are dropped.
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, chunk)
	s.mu.Unlock()
	s.wake()
}

// finish records the terminal outcome. First settlement wins; the correlator
// guarantees finish runs at most once per stream.
func (s *Stream) finish(final json.RawMessage, err error) {
	s.mu.Lock()
	s.done = true
	s.err = err
	s.final = final
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv returns the next fragment, blocking until one arrives or the stream
// settles. Buffered fragments are drained before the terminal outcome is
// reported: io.EOF on natural completion, or the settling error (Aborted,
// Timeout, WorkerCrashed, a worker-reported failure).
func (s *Stream) Recv(ctx context.Context) (json.RawMessage, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			chunk := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return chunk, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Final returns the body of the terminal reply, valid once Recv has reported
// io.EOF.
func (s *Stream) Final() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Cancel bridges caller-driven cancellation into the worker protocol: the
// first call sends exactly one abortGeneration message and settles the
// stream as Aborted. Idempotent, and safe against natural completion: if the
// stream already settled the abort is skipped entirely.
func (s *Stream) Cancel() {
	s.abortOnce.Do(func() {
		if s.settle == nil || !s.settle() {
			// Already settled; whoever got there first wins.
			return
		}
		if s.send != nil {
			_ = s.send(abortPayload{RequestID: formatID(s.id)})
		}
	})
}
