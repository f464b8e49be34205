package worker

import (
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Proc is a handle to one running worker: an NDJSON pipe pair plus exit
// observation. The Supervisor owns exactly one Proc at a time and replaces
// it, never reuses it, across restarts.
type Proc interface {
	// Writer is the worker's stdin. Writes must be whole frames.
	Writer() io.Writer
	// Reader is the worker's stdout.
	Reader() io.Reader
	// Done delivers the exit error (nil for clean exit) exactly once.
	Done() <-chan error
	// Kill terminates the worker, SIGTERM first, then SIGKILL.
	Kill() error
}

// Runner spawns workers. The exec-based implementation is the default;
// tests inject an in-memory one.
type Runner interface {
	Start() (Proc, error)
}

// execRunner spawns the worker binary with stdin/stdout pipes. Stderr is
// drained into the supervisor log so engine output survives a crash.
type execRunner struct {
	bin  string
	args []string
	log  zerolog.Logger
}

type execProc struct {
	cmd    *exec.Cmd
	in     io.WriteCloser
	out    io.ReadCloser
	done   chan error
	exited chan struct{}
}

func (r *execRunner) Start() (Proc, error) {
	if r.bin == "" {
		return nil, fmt.Errorf("worker binary not configured")
	}
	cmd := exec.Command(r.bin, r.args...)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = stderrLogger{log: r.log}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	r.log.Info().Str("bin", r.bin).Int("pid", cmd.Process.Pid).Msg("worker spawned")

	p := &execProc{cmd: cmd, in: in, out: out, done: make(chan error, 1), exited: make(chan struct{})}
	go func() {
		p.done <- cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *execProc) Writer() io.Writer  { return p.in }
func (p *execProc) Reader() io.Reader  { return p.out }
func (p *execProc) Done() <-chan error { return p.done }

// Kill tries graceful termination first and falls back to SIGKILL after a
// short grace window.
func (p *execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.in.Close()
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
		return nil
	case <-time.After(2 * time.Second):
	}
	err := p.cmd.Process.Kill()
	<-p.exited
	return err
}

// stderrLogger forwards worker stderr lines into the structured log.
type stderrLogger struct {
	log zerolog.Logger
}

func (w stderrLogger) Write(b []byte) (int, error) {
	w.log.Debug().Str("stream", "stderr").Msg(string(trimNewline(b)))
	return len(b), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
