package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"runnerd/pkg/types"
)

// callResult is one settled outcome: reply body or typed error, never both.
type callResult struct {
	data json.RawMessage
	err  error
}

// pendingCall tracks one outbound request until its single settlement.
// Exactly one of resolve/reject fires per id; the table entry is removed on
// every settlement path (reply, timeout, abort, crash sweep).
type pendingCall struct {
	id      uint64
	op      string
	ch      chan callResult // buffered; settle never blocks
	timer   *time.Timer
	created time.Time

	// cancel, when set, fires on timeout/crash/abort so host-side work tied
	// to this call unwinds promptly.
	cancel context.CancelFunc
	// progress, when set, receives download progress frames for this id.
	progress func(progress float64, speed string)
	// stream, when set, receives chunk frames and the terminal settlement.
	stream *Stream
}

// correlator turns one-shot request/response traffic over the worker pipe
// into call/return semantics. Ids are strictly increasing and never reused
// for the lifetime of the process; the table is guarded by a mutex and each
// entry settles exactly once.
type correlator struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	log     zerolog.Logger
}

func newCorrelator(log zerolog.Logger) *correlator {
	return &correlator{pending: make(map[uint64]*pendingCall), log: log}
}

// register allocates an id and stores a pending entry with its timeout timer
// armed. The caller must send the request after registering, not before.
func (c *correlator) register(op string, timeout time.Duration, pc pendingCall) *pendingCall {
	c.mu.Lock()
	c.nextID++
	entry := &pendingCall{
		id:       c.nextID,
		op:       op,
		ch:       make(chan callResult, 1),
		created:  time.Now(),
		cancel:   pc.cancel,
		progress: pc.progress,
		stream:   pc.stream,
	}
	c.pending[entry.id] = entry
	c.mu.Unlock()

	entry.timer = time.AfterFunc(timeout, func() {
		c.settle(entry.id, nil, timeoutError{op: op})
	})
	pendingCalls.Inc()
	return entry
}

// settle removes the entry and delivers the outcome. Returns false when the
// id is unknown or already settled; later messages for a settled id are
// dropped by the dispatcher on the strength of this.
func (c *correlator) settle(id uint64, data json.RawMessage, err error) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}
	if err != nil && entry.cancel != nil {
		entry.cancel()
	}
	if entry.stream != nil {
		entry.stream.finish(data, err)
	}
	entry.ch <- callResult{data: data, err: err}
	pendingCalls.Dec()
	callsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	return true
}

// failAll sweeps every pending call with the same error. Used on crash:
// all outstanding work is rejected before any restart attempt begins.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.settle(id, nil, err)
	}
}

// pendingLen reports the table size; test hook and status surface.
func (c *correlator) pendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// dispatch routes one inbound worker frame. Unknown ids and frames for
// already-settled calls are dropped.
func (c *correlator) dispatch(env types.Envelope) {
	id, err := strconv.ParseUint(env.ID, 10, 64)
	if err != nil {
		c.log.Debug().Str("id", env.ID).Str("type", env.Type).Msg("dropping frame with malformed id")
		return
	}

	switch env.Type {
	case msgResponse:
		if !env.Success && env.Error != "" {
			c.settleRemote(id, env.Error)
			return
		}
		if !c.settle(id, env.Data, nil) {
			c.log.Debug().Uint64("id", id).Msg("dropping reply for settled call")
		}

	case msgChunk:
		c.mu.Lock()
		entry := c.pending[id]
		c.mu.Unlock()
		if entry == nil || entry.stream == nil {
			c.log.Debug().Uint64("id", id).Msg("dropping chunk without live stream")
			return
		}
		entry.stream.push(env.Data)
		streamChunks.Inc()

	case msgProgress:
		c.mu.Lock()
		entry := c.pending[id]
		c.mu.Unlock()
		if entry == nil || entry.progress == nil {
			return
		}
		entry.progress(env.Progress, env.Speed)

	default:
		c.log.Debug().Uint64("id", id).Str("type", env.Type).Msg("dropping frame of unknown type")
	}
}

func (c *correlator) settleRemote(id uint64, msg string) {
	c.mu.Lock()
	entry := c.pending[id]
	c.mu.Unlock()
	op := "unknown"
	if entry != nil {
		op = entry.op
	}
	c.settle(id, nil, remoteError{op: op, msg: msg})
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }
