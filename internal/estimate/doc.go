// Package estimate decides execution parameters before a model is loaded:
// how many CPU threads to give the engine, how to pack transformer layers
// onto the available accelerators under a fixed memory budget, and how large
// a context window the model can actually serve.
//
// Files by concern:
//
//   - threads.go: optimal thread count from CPU topology.
//   - context.go: context-size capping against the training context.
//   - placement.go: KV-cache sizing, graph estimates, greedy layer packing.
//
// All estimation is best-effort and never fails: an infeasible placement is
// reported as a plan with zero layers, not as an error.
package estimate
