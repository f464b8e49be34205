package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"runnerd/pkg/types"
)

// startSupervisor spins up a supervisor against the scripted runner and
// registers teardown.
func startSupervisor(t *testing.T, r *fakeRunner, mutate func(*Config)) *Supervisor {
	t.Helper()
	cfg := testConfig(r)
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSupervisorStartFailsWhenWorkerDiesBeforeHandshake(t *testing.T) {
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		// Exit without ever answering initialize.
		w.crash()
	}}
	s := New(testConfig(r))
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("start must fail when the worker dies before the handshake")
	}
	if got := s.State(); got != StateUninitialized {
		t.Fatalf("state after failed start = %q, want %q", got, StateUninitialized)
	}
}

func TestSupervisorConcurrentCallsGetTheirOwnReplies(t *testing.T) {
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		w.echo()
	}}
	s := startSupervisor(t, r, nil)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	replies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := map[string]int{"n": i}
			data, err := s.Call(context.Background(), "getModelStatus", payload, 0)
			errs[i] = err
			replies[i] = string(data)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		want := fmt.Sprintf(`{"n":%d}`, i)
		if replies[i] != want {
			t.Fatalf("call %d got reply %s, want %s", i, replies[i], want)
		}
	}
	if s.PendingCalls() != 0 {
		t.Fatalf("pending table not empty after all calls settled")
	}
}

func TestSupervisorStreamDeliversChunksThenEOF(t *testing.T) {
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		env, ok := w.recv(2 * time.Second)
		if !ok || env.Type != opGenerateStream {
			return
		}
		w.chunk(env.ID, "hel")
		w.chunk(env.ID, "lo ")
		w.chunk(env.ID, "world")
		w.replyOK(env.ID, types.GenerateResult{Content: "hello world", TokensOut: 3})
	}}
	s := startSupervisor(t, r, nil)

	st, err := s.GenerateStream(context.Background(), types.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	var text string
	for {
		raw, err := st.Recv(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		var tok types.Token
		if err := json.Unmarshal(raw, &tok); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		text += tok.Content
	}
	if text != "hello world" {
		t.Fatalf("streamed text = %q", text)
	}

	var final types.GenerateResult
	if err := json.Unmarshal(st.Final(), &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if final.Content != "hello world" || final.TokensOut != 3 {
		t.Fatalf("final = %+v", final)
	}
}

func TestSupervisorStreamCancelSendsOneAbort(t *testing.T) {
	streamStarted := make(chan string, 1)
	aborts := make(chan abortPayload, 4)
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		for env := range w.frames {
			switch env.Type {
			case opGenerateStream:
				streamStarted <- env.ID
			case opAbortGeneration:
				var p abortPayload
				_ = json.Unmarshal(env.Data, &p)
				aborts <- p
			}
		}
	}}
	s := startSupervisor(t, r, nil)

	st, err := s.GenerateStream(context.Background(), types.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	var streamID string
	select {
	case streamID = <-streamStarted:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never saw the stream request")
	}

	st.Cancel()
	st.Cancel()

	if _, err := st.Recv(context.Background()); !IsAborted(err) {
		t.Fatalf("expected aborted, got %v", err)
	}
	select {
	case p := <-aborts:
		if p.RequestID != streamID {
			t.Fatalf("abort for id %q, want %q", p.RequestID, streamID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never received the abort")
	}
	select {
	case <-aborts:
		t.Fatalf("more than one abort message sent")
	case <-time.After(50 * time.Millisecond):
	}
	if s.PendingCalls() != 0 {
		t.Fatalf("canceled stream still pending")
	}
}

func TestSupervisorContextCancellationAbortsStream(t *testing.T) {
	aborts := make(chan abortPayload, 1)
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		for env := range w.frames {
			if env.Type == opAbortGeneration {
				var p abortPayload
				_ = json.Unmarshal(env.Data, &p)
				aborts <- p
			}
		}
	}}
	s := startSupervisor(t, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := s.GenerateStream(ctx, types.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	cancel()

	if _, err := st.Recv(context.Background()); !IsAborted(err) {
		t.Fatalf("expected aborted after ctx cancellation, got %v", err)
	}
	select {
	case <-aborts:
	case <-time.After(2 * time.Second):
		t.Fatalf("ctx cancellation did not reach the worker as an abort")
	}
}

func TestSupervisorCallTimeoutClearsPendingEntry(t *testing.T) {
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		// Swallow every request without answering.
		for range w.frames {
		}
	}}
	s := startSupervisor(t, r, nil)

	_, err := s.Call(context.Background(), "getModelStatus", nil, 20*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if s.PendingCalls() != 0 {
		t.Fatalf("timed-out call still pending")
	}
}

func TestSupervisorCrashFailsPendingAndRestartResetsBudget(t *testing.T) {
	const pending = 3
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		if w.spawn == 1 {
			// Accumulate the in-flight calls, then die mid-service.
			for i := 0; i < pending; i++ {
				if _, ok := w.recv(2 * time.Second); !ok {
					return
				}
			}
			w.crash()
			return
		}
		w.echo()
	}}
	pub := NewMemoryPublisher()
	s := startSupervisor(t, r, func(cfg *Config) { cfg.Publisher = pub })

	var wg sync.WaitGroup
	errs := make([]error, pending)
	for i := 0; i < pending; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Call(context.Background(), "getModelStatus", map[string]int{"n": i}, 0)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !IsCrashed(err) {
			t.Fatalf("call %d: expected crash error, got %v", i, err)
		}
	}

	require.Eventually(t, func() bool { return s.State() == StateReady },
		2*time.Second, time.Millisecond, "worker did not come back after crash")

	if _, err := s.Call(context.Background(), "getModelStatus", nil, 0); err != nil {
		t.Fatalf("call after restart: %v", err)
	}
	s.mu.Lock()
	restarts := s.restarts
	s.mu.Unlock()
	if restarts != 0 {
		t.Fatalf("restart budget = %d after successful handshake, want 0", restarts)
	}
	if r.spawnCount() != 2 {
		t.Fatalf("spawns = %d, want 2", r.spawnCount())
	}

	var names []string
	for _, e := range pub.Events() {
		names = append(names, e.Name)
	}
	want := []string{"ready", "crash", "restart", "ready"}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}
}

func TestSupervisorPermanentFailureAfterBudgetExhausted(t *testing.T) {
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if w.spawn == 1 {
			if !w.handshake() {
				return
			}
			w.crash()
			return
		}
		// Every restart attempt dies before answering initialize.
		if _, ok := w.recv(2 * time.Second); ok {
			w.crash()
		}
	}}
	s := startSupervisor(t, r, nil) // MaxRestarts: 2

	require.Eventually(t, func() bool { return s.State() == StatePermanentlyFailed },
		2*time.Second, time.Millisecond, "supervisor did not reach permanent failure")

	// Initial spawn plus exactly MaxRestarts attempts, then no more.
	if got := r.spawnCount(); got != 3 {
		t.Fatalf("spawns = %d, want 3", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := r.spawnCount(); got != 3 {
		t.Fatalf("spawned again after permanent failure: %d", got)
	}

	if _, err := s.Call(context.Background(), "getModelStatus", nil, 0); !IsUnavailable(err) {
		t.Fatalf("expected unavailable after permanent failure, got %v", err)
	}
}

func TestSupervisorFatalReportIsTreatedAsCrash(t *testing.T) {
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		if w.spawn == 1 {
			if _, ok := w.recv(2 * time.Second); !ok {
				return
			}
			w.send(types.Envelope{Type: msgFatal, Error: "engine OOM"})
			return
		}
		w.echo()
	}}
	s := startSupervisor(t, r, nil)

	_, err := s.Call(context.Background(), "getModelStatus", nil, 0)
	if !IsCrashed(err) {
		t.Fatalf("expected crash error on fatal report, got %v", err)
	}
	require.Eventually(t, func() bool { return s.State() == StateReady },
		2*time.Second, time.Millisecond, "worker did not restart after fatal report")
}

func TestSupervisorDownloadProgressCallbacks(t *testing.T) {
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		env, ok := w.recv(2 * time.Second)
		if !ok || env.Type != opDownloadModel {
			return
		}
		w.progress(env.ID, 25, "10 MB/s")
		w.progress(env.ID, 90, "12 MB/s")
		w.replyOK(env.ID, nil)
	}}
	s := startSupervisor(t, r, nil)

	var mu sync.Mutex
	var pcts []float64
	err := s.DownloadModel(context.Background(), "tiny-llama", func(pct float64, _ string) {
		mu.Lock()
		pcts = append(pcts, pct)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(pcts) != 2 || pcts[0] != 25 || pcts[1] != 90 {
		t.Fatalf("progress callbacks = %v, want [25 90]", pcts)
	}
}

type staticTools struct{}

func (staticTools) Catalog(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`[{"name":"clock"}]`), nil
}

func (staticTools) Execute(_ context.Context, req json.RawMessage) (json.RawMessage, error) {
	return req, nil
}

func TestSupervisorAnswersReverseToolCalls(t *testing.T) {
	replies := make(chan types.Envelope, 2)
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		w.send(types.Envelope{ID: "w-1", Type: msgToolCatalog})
		w.send(types.Envelope{ID: "w-2", Type: msgToolExecute, Data: json.RawMessage(`{"name":"clock"}`)})
		for env := range w.frames {
			replies <- env
		}
	}}
	s := startSupervisor(t, r, nil)
	s.RegisterToolExecutor(staticTools{})

	got := map[string]types.Envelope{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-replies:
			got[env.ID] = env
		case <-time.After(2 * time.Second):
			t.Fatalf("tool reply %d never arrived", i)
		}
	}

	cat, ok := got["w-1"]
	if !ok || cat.Type != msgResponse || !cat.Success {
		t.Fatalf("catalog reply = %+v", cat)
	}
	if string(cat.Data) != `[{"name":"clock"}]` {
		t.Fatalf("catalog data = %s", cat.Data)
	}
	exec, ok := got["w-2"]
	if !ok || !exec.Success || string(exec.Data) != `{"name":"clock"}` {
		t.Fatalf("execute reply = %+v", exec)
	}
}

func TestSupervisorToolCallWithoutExecutorGetsErrorReply(t *testing.T) {
	replies := make(chan types.Envelope, 1)
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		w.send(types.Envelope{ID: "w-9", Type: msgToolExecute})
		for env := range w.frames {
			replies <- env
		}
	}}
	startSupervisor(t, r, nil)

	select {
	case env := <-replies:
		if env.ID != "w-9" || env.Success || env.Error == "" {
			t.Fatalf("expected error reply, got %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply to unserviced tool call")
	}
}

func TestSupervisorCloseFailsPendingAndRejectsNewCalls(t *testing.T) {
	r := &fakeRunner{t: t, script: func(w *fakeWorker) {
		if !w.handshake() {
			return
		}
		for range w.frames {
		}
	}}
	s := startSupervisor(t, r, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "getModelStatus", nil, time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return s.PendingCalls() == 1 },
		2*time.Second, time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !IsUnavailable(err) {
			t.Fatalf("pending call after close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call not released by close")
	}

	if _, err := s.Call(context.Background(), "getModelStatus", nil, 0); !IsUnavailable(err) {
		t.Fatalf("call after close: %v", err)
	}
	if got := s.State(); got != StateShutDown {
		t.Fatalf("state after close = %q", got)
	}
	// No restart may follow a deliberate shutdown.
	time.Sleep(20 * time.Millisecond)
	if r.spawnCount() != 1 {
		t.Fatalf("worker respawned after close")
	}
}
