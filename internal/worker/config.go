package worker

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultCallTimeout      = 60 * time.Second
	defaultDownloadTimeout  = 10 * time.Minute
	defaultMaxRestarts      = 3
	defaultBackoffBase      = 500 * time.Millisecond
	defaultBackoffCap       = 10 * time.Second
)

// Config encapsulates all tunables for Supervisor construction.
type Config struct {
	// Worker binary and arguments. Ignored when a custom Runner is set.
	WorkerBin  string
	WorkerArgs []string

	// Runner overrides process spawning; used by tests to inject an
	// in-memory worker.
	Runner Runner

	// HandshakeTimeout bounds the initialize round trip after each spawn.
	HandshakeTimeout time.Duration
	// CallTimeout is the reply window for ordinary operations.
	CallTimeout time.Duration
	// DownloadTimeout is the extended window for downloadModel.
	DownloadTimeout time.Duration

	// MaxRestarts is the budget of consecutive failed restart attempts.
	// The counter resets on every successful handshake.
	MaxRestarts int
	// BackoffBase doubles per consecutive attempt, capped at BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Publisher receives lifecycle events. Defaults to a no-op.
	Publisher EventPublisher
	// Logger used for crash/restart transitions. Defaults to a disabled logger.
	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = defaultDownloadTimeout
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
	if c.Runner == nil {
		c.Runner = &execRunner{bin: c.WorkerBin, args: c.WorkerArgs, log: *c.Logger}
	}
	return c
}

// backoffDelay returns the capped delay before restart attempt n (1-based).
func (c Config) backoffDelay(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	if d > c.BackoffCap {
		return c.BackoffCap
	}
	return d
}
