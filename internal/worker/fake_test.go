package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"runnerd/pkg/types"
)

// fakeProc is an in-memory worker handle: two pipe pairs standing in for the
// child's stdin/stdout, plus an exit channel.
type fakeProc struct {
	hostIn    *io.PipeWriter
	workerIn  *io.PipeReader
	workerOut *io.PipeWriter
	hostOut   *io.PipeReader
	done      chan error
	exitOnce  sync.Once
}

func (p *fakeProc) Writer() io.Writer  { return p.hostIn }
func (p *fakeProc) Reader() io.Reader  { return p.hostOut }
func (p *fakeProc) Done() <-chan error { return p.done }
func (p *fakeProc) Kill() error {
	p.exit(errors.New("killed"))
	return nil
}

func (p *fakeProc) exit(err error) {
	p.exitOnce.Do(func() {
		_ = p.workerOut.Close()
		_ = p.hostIn.Close()
		p.done <- err
	})
}

// fakeWorker scripts the far side of the pipe.
type fakeWorker struct {
	t      *testing.T
	proc   *fakeProc
	frames chan types.Envelope
	// spawn is 1 for the first process, incrementing per restart.
	spawn int
}

func newFakeWorker(t *testing.T, spawn int) *fakeWorker {
	ir, iw := io.Pipe()
	or, ow := io.Pipe()
	w := &fakeWorker{
		t: t,
		proc: &fakeProc{
			hostIn: iw, workerIn: ir,
			workerOut: ow, hostOut: or,
			done: make(chan error, 1),
		},
		frames: make(chan types.Envelope, 64),
		spawn:  spawn,
	}
	go w.readFrames()
	return w
}

func (w *fakeWorker) readFrames() {
	sc := bufio.NewScanner(w.proc.workerIn)
	for sc.Scan() {
		var env types.Envelope
		if json.Unmarshal(sc.Bytes(), &env) == nil {
			w.frames <- env
		}
	}
	close(w.frames)
}

// recv waits for the next host frame.
func (w *fakeWorker) recv(timeout time.Duration) (types.Envelope, bool) {
	select {
	case env, ok := <-w.frames:
		return env, ok
	case <-time.After(timeout):
		return types.Envelope{}, false
	}
}

func (w *fakeWorker) send(env types.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		w.t.Errorf("marshal frame: %v", err)
		return
	}
	// Write errors mean the host tore the pipe down; scripts don't care.
	_, _ = w.proc.workerOut.Write(append(b, '\n'))
}

func (w *fakeWorker) replyOK(id string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	w.send(types.Envelope{ID: id, Type: msgResponse, Success: true, Data: raw})
}

func (w *fakeWorker) replyErr(id, msg string) {
	w.send(types.Envelope{ID: id, Type: msgResponse, Error: msg})
}

func (w *fakeWorker) chunk(id, content string) {
	raw, _ := json.Marshal(types.Token{Content: content})
	w.send(types.Envelope{ID: id, Type: msgChunk, Data: raw})
}

func (w *fakeWorker) progress(id string, pct float64, speed string) {
	w.send(types.Envelope{ID: id, Type: msgProgress, Progress: pct, Speed: speed})
}

// handshake consumes the initialize frame and acknowledges it.
func (w *fakeWorker) handshake() bool {
	env, ok := w.recv(2 * time.Second)
	if !ok || env.Type != opInitialize {
		return false
	}
	w.replyOK(env.ID, nil)
	return true
}

func (w *fakeWorker) crash() { w.proc.exit(errors.New("segfault")) }

// echo answers every frame with its own payload until the pipe closes.
func (w *fakeWorker) echo() {
	for env := range w.frames {
		w.replyOK(env.ID, env.Data)
	}
}

// fakeRunner spawns scripted fake workers and counts spawns.
type fakeRunner struct {
	t      *testing.T
	script func(w *fakeWorker)

	mu      sync.Mutex
	workers []*fakeWorker
}

func (r *fakeRunner) Start() (Proc, error) {
	r.mu.Lock()
	w := newFakeWorker(r.t, len(r.workers)+1)
	r.workers = append(r.workers, w)
	r.mu.Unlock()
	go r.script(w)
	return w.proc, nil
}

func (r *fakeRunner) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// testConfig wires a supervisor to the scripted runner with fast timeouts.
func testConfig(r *fakeRunner) Config {
	return Config{
		Runner:           r,
		HandshakeTimeout: 2 * time.Second,
		CallTimeout:      2 * time.Second,
		DownloadTimeout:  5 * time.Second,
		MaxRestarts:      2,
		BackoffBase:      time.Millisecond,
		BackoffCap:       5 * time.Millisecond,
	}
}
