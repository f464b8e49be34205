package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

func TestStreamDeliversInOrder(t *testing.T) {
	s := newStream()
	s.push(json.RawMessage(`"a"`))
	s.push(json.RawMessage(`"b"`))
	s.push(json.RawMessage(`"c"`))
	s.finish(json.RawMessage(`{"done":true}`), nil)

	ctx := context.Background()
	var got []string
	for {
		chunk, err := s.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		got = append(got, string(chunk))
	}
	if len(got) != 3 || got[0] != `"a"` || got[1] != `"b"` || got[2] != `"c"` {
		t.Fatalf("chunks = %v", got)
	}
	if string(s.Final()) != `{"done":true}` {
		t.Fatalf("final = %s", s.Final())
	}
}

func TestStreamDrainsBufferBeforeError(t *testing.T) {
	s := newStream()
	s.push(json.RawMessage(`"a"`))
	s.finish(nil, crashedError{})

	chunk, err := s.Recv(context.Background())
	if err != nil {
		t.Fatalf("buffered chunk must drain first, got %v", err)
	}
	if string(chunk) != `"a"` {
		t.Fatalf("chunk = %s", chunk)
	}
	if _, err := s.Recv(context.Background()); !IsCrashed(err) {
		t.Fatalf("expected crash error after drain, got %v", err)
	}
}

func TestStreamRecvBlocksUntilPush(t *testing.T) {
	s := newStream()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.push(json.RawMessage(`"late"`))
	}()
	chunk, err := s.Recv(context.Background())
	if err != nil || string(chunk) != `"late"` {
		t.Fatalf("got %s, %v", chunk, err)
	}
}

func TestStreamRecvHonorsContext(t *testing.T) {
	s := newStream()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStreamCancelSendsExactlyOneAbort(t *testing.T) {
	s := newStream()
	s.id = 7
	aborts := 0
	s.send = func(a abortPayload) error {
		aborts++
		if a.RequestID != "7" {
			t.Fatalf("abort for id %q, want 7", a.RequestID)
		}
		return nil
	}
	settled := false
	s.settle = func() bool {
		if settled {
			return false
		}
		settled = true
		s.finish(nil, abortedError{})
		return true
	}

	s.Cancel()
	s.Cancel() // second firing is a no-op

	if aborts != 1 {
		t.Fatalf("abort messages = %d, want 1", aborts)
	}
	if _, err := s.Recv(context.Background()); !IsAborted(err) {
		t.Fatalf("expected aborted, got %v", err)
	}
}

func TestStreamCancelAfterCompletionIsNoop(t *testing.T) {
	s := newStream()
	s.send = func(abortPayload) error {
		t.Fatalf("abort must not be sent after natural completion")
		return nil
	}
	s.settle = func() bool { return false } // already settled elsewhere
	s.finish(nil, nil)

	s.Cancel()
	if _, err := s.Recv(context.Background()); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamDropsChunksAfterSettlement(t *testing.T) {
	s := newStream()
	s.finish(nil, nil)
	s.push(json.RawMessage(`"late"`))
	if _, err := s.Recv(context.Background()); err != io.EOF {
		t.Fatalf("late chunk must not be delivered, got %v", err)
	}
}
