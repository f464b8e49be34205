package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"runnerd/pkg/types"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateUninitialized     State = "uninitialized"
	StateStarting          State = "starting"
	StateReady             State = "ready"
	StateCrashed           State = "crashed"
	StateRestarting        State = "restarting"
	StateShutDown          State = "shut_down"
	StatePermanentlyFailed State = "permanently_failed"
)

// Supervisor owns one isolated worker process and exposes its capabilities
// as ordinary calls and streams. On crash it sweeps all pending work, then
// restarts the worker under a bounded, backed-off budget of consecutive
// failures; a successful handshake resets the budget.
type Supervisor struct {
	cfg  Config
	log  zerolog.Logger
	pub  EventPublisher
	corr *correlator

	mu       sync.Mutex
	state    State
	proc     Proc
	restarts int
	tools    ToolExecutor

	// writeMu serializes whole-frame writes to the worker's stdin.
	writeMu sync.Mutex

	shutdown  chan struct{}
	closeOnce sync.Once
}

// New constructs a Supervisor from cfg. The worker is not spawned until
// Start.
func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:      cfg,
		log:      *cfg.Logger,
		pub:      cfg.Publisher,
		corr:     newCorrelator(*cfg.Logger),
		state:    StateUninitialized,
		shutdown: make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCalls reports how many calls await a reply.
func (s *Supervisor) PendingCalls() int { return s.corr.pendingLen() }

// Start spawns the worker and performs the initialize handshake. It does not
// return success until the worker has answered. On failure the supervisor
// returns to Uninitialized and may be started again.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start supervisor in state %q", state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	proc, err := s.spawnAndHandshake(ctx)
	if err != nil {
		s.setState(StateUninitialized)
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.state = StateReady
	s.restarts = 0
	s.mu.Unlock()
	s.log.Info().Msg("worker handshake complete")
	s.pub.Publish(Event{Name: "ready"})

	go s.supervise(proc)
	return nil
}

// Close cancels all in-flight work and tears the worker down. Terminal.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateShutDown
		proc := s.proc
		s.mu.Unlock()

		close(s.shutdown)
		s.corr.failAll(unavailableError{state: string(StateShutDown)})
		if proc != nil {
			_ = proc.Kill()
		}
		s.log.Info().Msg("worker shut down")
	})
	return nil
}

// Call sends one correlated request and blocks until the reply, the per-call
// timeout, ctx cancellation, or a crash sweep. timeout <= 0 selects the
// configured default.
func (s *Supervisor) Call(ctx context.Context, op string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return s.call(ctx, op, payload, timeout, nil)
}

// CallWithProgress is Call with a progress callback consulted on every
// progress frame carrying this call's id. Used for downloads; the callback
// entry lives and dies with the pending call, so there is nothing to detach.
func (s *Supervisor) CallWithProgress(ctx context.Context, op string, payload any, timeout time.Duration, progress func(float64, string)) (json.RawMessage, error) {
	return s.call(ctx, op, payload, timeout, progress)
}

func (s *Supervisor) call(ctx context.Context, op string, payload any, timeout time.Duration, progress func(float64, string)) (json.RawMessage, error) {
	proc, err := s.readyProc()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	pc := s.corr.register(op, timeout, pendingCall{progress: progress})
	if err := s.writeTo(proc, types.Envelope{ID: formatID(pc.id), Type: op, Data: data}); err != nil {
		s.corr.settle(pc.id, nil, unavailableError{state: "write failed: " + err.Error()})
		res := <-pc.ch
		return nil, res.err
	}

	select {
	case res := <-pc.ch:
		return res.data, res.err
	case <-ctx.Done():
		if s.corr.settle(pc.id, nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		// Settled concurrently; the first settlement wins.
		res := <-pc.ch
		return res.data, res.err
	}
}

// OpenStream sends one correlated request whose reply arrives as many chunk
// frames followed by a terminal response. The stream's settlement window is
// the extended timeout; generation is a long operation.
func (s *Supervisor) OpenStream(ctx context.Context, op string, payload any) (*Stream, error) {
	proc, err := s.readyProc()
	if err != nil {
		return nil, err
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	st := newStream()
	pc := s.corr.register(op, s.cfg.DownloadTimeout, pendingCall{stream: st})
	st.id = pc.id
	st.settle = func() bool {
		return s.corr.settle(pc.id, nil, abortedError{})
	}
	st.send = func(a abortPayload) error {
		body, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return s.writeTo(proc, types.Envelope{ID: formatID(pc.id), Type: opAbortGeneration, Data: body})
	}

	if err := s.writeTo(proc, types.Envelope{ID: formatID(pc.id), Type: op, Data: data}); err != nil {
		s.corr.settle(pc.id, nil, unavailableError{state: "write failed: " + err.Error()})
		res := <-pc.ch
		return nil, res.err
	}
	// Bridge caller cancellation into the abort protocol. Cancel is
	// idempotent and a no-op once the stream has settled.
	context.AfterFunc(ctx, st.Cancel)
	return st, nil
}

// spawnAndHandshake starts one worker and completes the initialize round
// trip. The proc is killed on any failure.
func (s *Supervisor) spawnAndHandshake(ctx context.Context) (Proc, error) {
	proc, err := s.cfg.Runner.Start()
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	go s.readLoop(proc)

	pc := s.corr.register(opInitialize, s.cfg.HandshakeTimeout, pendingCall{})
	if err := s.writeTo(proc, types.Envelope{ID: formatID(pc.id), Type: opInitialize}); err != nil {
		s.corr.settle(pc.id, nil, err)
		_ = proc.Kill()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	select {
	case res := <-pc.ch:
		if res.err != nil {
			_ = proc.Kill()
			return nil, fmt.Errorf("worker handshake: %w", res.err)
		}
		return proc, nil
	case err := <-proc.Done():
		s.corr.settle(pc.id, nil, crashedError{})
		return nil, fmt.Errorf("worker exited before handshake: %v", err)
	case <-ctx.Done():
		s.corr.settle(pc.id, nil, ctx.Err())
		_ = proc.Kill()
		return nil, ctx.Err()
	}
}

// readLoop decodes NDJSON frames from one worker's stdout and dispatches
// them. Runs until EOF or a fatal report; one loop per proc generation.
func (s *Supervisor) readLoop(proc Proc) {
	sc := bufio.NewScanner(proc.Reader())
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var env types.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed worker frame")
			continue
		}
		switch env.Type {
		case msgFatal:
			// Unify with the exit path: kill the proc and let the
			// supervise loop observe it.
			s.log.Error().Str("error", env.Error).Msg("worker reported fatal fault")
			_ = proc.Kill()
			return
		case msgToolCatalog, msgToolExecute:
			go s.serveToolCall(proc, env)
		default:
			s.corr.dispatch(env)
		}
	}
}

// supervise owns the crash/restart state machine for the lifetime of the
// supervisor. One explicit loop, no self-rescheduling timers, so the
// restart-count invariants stay directly assertable.
func (s *Supervisor) supervise(proc Proc) {
	for {
		select {
		case err := <-proc.Done():
			s.mu.Lock()
			if s.state == StateShutDown {
				s.mu.Unlock()
				return
			}
			s.state = StateCrashed
			s.mu.Unlock()

			crashesTotal.Inc()
			s.log.Error().Err(err).Int("pending", s.corr.pendingLen()).Msg("worker exited unexpectedly")
			s.pub.Publish(Event{Name: "crash", Fields: map[string]any{"error": fmt.Sprint(err)}})
			// Stop-the-world for this unit: every outstanding call fails
			// before any restart attempt begins.
			s.corr.failAll(crashedError{})
		case <-s.shutdown:
			return
		}

		next, ok := s.restartLoop()
		if !ok {
			return
		}
		proc = next
	}
}

// restartLoop retries spawn+handshake under the consecutive-failure budget.
// Returns the new proc, or ok=false when shut down or permanently failed.
func (s *Supervisor) restartLoop() (Proc, bool) {
	for {
		s.mu.Lock()
		if s.restarts >= s.cfg.MaxRestarts {
			s.state = StatePermanentlyFailed
			s.mu.Unlock()
			s.log.Error().Int("attempts", s.cfg.MaxRestarts).
				Msg("restart budget exhausted, worker permanently failed")
			s.pub.Publish(Event{Name: "permanent_failure", Fields: map[string]any{"attempts": s.cfg.MaxRestarts}})
			return nil, false
		}
		s.restarts++
		attempt := s.restarts
		s.state = StateRestarting
		s.mu.Unlock()

		restartsTotal.Inc()
		delay := s.cfg.backoffDelay(attempt)
		s.log.Warn().Int("attempt", attempt).Dur("backoff", delay).Msg("restarting worker")
		s.pub.Publish(Event{Name: "restart", Fields: map[string]any{"attempt": attempt}})

		select {
		case <-time.After(delay):
		case <-s.shutdown:
			return nil, false
		}

		s.setState(StateStarting)
		proc, err := s.spawnAndHandshake(context.Background())
		if err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("worker restart failed")
			continue
		}

		s.mu.Lock()
		s.proc = proc
		s.state = StateReady
		s.restarts = 0
		s.mu.Unlock()
		s.log.Info().Int("attempt", attempt).Msg("worker restarted")
		s.pub.Publish(Event{Name: "ready", Fields: map[string]any{"after_restart": true}})
		return proc, true
	}
}

func (s *Supervisor) readyProc() (Proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.proc == nil {
		return nil, unavailableError{state: string(s.state)}
	}
	return s.proc, nil
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// writeTo marshals one envelope as an NDJSON line. Frames are written whole
// under writeMu so concurrent callers never interleave.
func (s *Supervisor) writeTo(proc Proc, env types.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = proc.Writer().Write(b)
	return err
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
