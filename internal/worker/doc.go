// Package worker supervises one isolated inference worker process and
// multiplexes calls over its NDJSON stdin/stdout channel. It is structured
// into small files by concern:
//
//   - supervisor.go: Supervisor lifecycle, read loop, crash/restart machine.
//   - correlator.go: request/response correlation, timeouts, crash sweep.
//   - stream.go: buffered, cancellable chunk sequences for streamed replies.
//   - runner.go: process spawning seam (exec-backed by default).
//   - ops.go: typed wrappers for each worker operation.
//   - tools.go: reverse calls the worker makes back into the host.
//   - proto.go: message type constants and the abort payload.
//   - errors.go: error types and helpers (IsTimeout, IsCrashed, ...).
//   - config.go: Config and package defaults.
//   - events.go: lifecycle event publishing.
//   - metrics.go: prometheus instrumentation.
//
// The worker owns all model and accelerator state; the host side holds no
// shared memory with it and reaches it only through whole-frame messages.
// A crash fails every pending call before any restart begins, so callers
// never wait across a restart boundary.
package worker
