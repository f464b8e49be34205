package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"runnerd/pkg/types"
)

func testCorrelator() *correlator { return newCorrelator(zerolog.Nop()) }

func TestCorrelatorIDsStrictlyIncreasing(t *testing.T) {
	c := testCorrelator()
	var last uint64
	for i := 0; i < 100; i++ {
		pc := c.register("op", time.Minute, pendingCall{})
		if pc.id <= last {
			t.Fatalf("id %d not greater than %d", pc.id, last)
		}
		last = pc.id
	}
}

func TestCorrelatorSettleExactlyOnce(t *testing.T) {
	c := testCorrelator()
	pc := c.register("op", time.Minute, pendingCall{})

	if !c.settle(pc.id, json.RawMessage(`{"ok":true}`), nil) {
		t.Fatalf("first settle failed")
	}
	if c.settle(pc.id, nil, crashedError{}) {
		t.Fatalf("second settle must be rejected")
	}
	res := <-pc.ch
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if c.pendingLen() != 0 {
		t.Fatalf("entry still pending after settlement")
	}
}

func TestCorrelatorTimeoutRemovesEntryAndFiresCancel(t *testing.T) {
	c := testCorrelator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pc := c.register("slowOp", 10*time.Millisecond, pendingCall{cancel: cancel})

	res := <-pc.ch
	if !IsTimeout(res.err) {
		t.Fatalf("expected timeout, got %v", res.err)
	}
	if c.pendingLen() != 0 {
		t.Fatalf("timed-out id still in pending table")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("cancellation token not fired on timeout")
	}
	// A reply arriving after the timeout is dropped.
	c.dispatch(types.Envelope{ID: formatID(pc.id), Type: msgResponse, Success: true})
}

func TestCorrelatorFailAllSweepsEverything(t *testing.T) {
	c := testCorrelator()
	var calls []*pendingCall
	for i := 0; i < 5; i++ {
		calls = append(calls, c.register("op", time.Minute, pendingCall{}))
	}
	c.failAll(crashedError{})
	for i, pc := range calls {
		res := <-pc.ch
		if !IsCrashed(res.err) {
			t.Fatalf("call %d: expected crash error, got %v", i, res.err)
		}
	}
	if c.pendingLen() != 0 {
		t.Fatalf("pending table not empty after sweep")
	}
}

func TestCorrelatorDispatchRemoteError(t *testing.T) {
	c := testCorrelator()
	pc := c.register("loadModel", time.Minute, pendingCall{})
	c.dispatch(types.Envelope{ID: formatID(pc.id), Type: msgResponse, Error: "model file corrupt"})

	res := <-pc.ch
	if !IsRemote(res.err) {
		t.Fatalf("expected remote error, got %v", res.err)
	}
}

func TestCorrelatorDispatchDropsUnknown(t *testing.T) {
	c := testCorrelator()
	// None of these may panic or disturb the table.
	c.dispatch(types.Envelope{ID: "999", Type: msgResponse, Success: true})
	c.dispatch(types.Envelope{ID: "not-a-number", Type: msgResponse})
	c.dispatch(types.Envelope{ID: "1", Type: "mystery"})
	c.dispatch(types.Envelope{ID: "2", Type: msgChunk})
	if c.pendingLen() != 0 {
		t.Fatalf("dispatch must not create entries")
	}
}

func TestCorrelatorProgressRouting(t *testing.T) {
	c := testCorrelator()
	var got []float64
	pc := c.register(opDownloadModel, time.Minute, pendingCall{
		progress: func(p float64, _ string) { got = append(got, p) },
	})
	c.dispatch(types.Envelope{ID: formatID(pc.id), Type: msgProgress, Progress: 25})
	c.dispatch(types.Envelope{ID: formatID(pc.id), Type: msgProgress, Progress: 80, Speed: "12 MB/s"})
	c.dispatch(types.Envelope{ID: formatID(pc.id), Type: msgResponse, Success: true})

	if len(got) != 2 || got[0] != 25 || got[1] != 80 {
		t.Fatalf("progress callbacks = %v, want [25 80]", got)
	}
	// Entry is gone with the settlement; further progress frames are dropped.
	c.dispatch(types.Envelope{ID: formatID(pc.id), Type: msgProgress, Progress: 90})
	if len(got) != 2 {
		t.Fatalf("progress after settlement must be dropped")
	}
}
