package types

import "encoding/json"

// Envelope is the wire frame exchanged with the worker process, in both
// directions. Exactly one frame per NDJSON line.
type Envelope struct {
	// Correlation id tying a request to its response(s). Assigned by the
	// side that initiates the call.
	ID string `json:"id,omitempty"`
	// Message type, e.g. "loadModel", "chunk", "response".
	Type string `json:"type"`
	// Operation payload or reply body.
	Data json.RawMessage `json:"data,omitempty"`
	// Set on replies: whether the operation succeeded.
	Success bool `json:"success,omitempty"`
	// Error message when Success is false.
	Error string `json:"error,omitempty"`
	// Download progress in percent, on progress frames.
	Progress float64 `json:"progress,omitempty"`
	// Human-readable transfer speed, on progress frames.
	Speed string `json:"speed,omitempty"`
}

// GenerateRequest is the payload for generateResponse / generateStreamResponse.
type GenerateRequest struct {
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
}

// GenerateResult is the final reply for a (possibly streamed) generation.
type GenerateResult struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensIn     int    `json:"tokens_in,omitempty"`
	TokensOut    int    `json:"tokens_out,omitempty"`
}

// Token is one streamed generation fragment.
type Token struct {
	Content string `json:"content"`
}

// ModelSettings are the per-model runtime knobs applied on load.
type ModelSettings struct {
	ContextSize int `json:"context_size,omitempty"`
	GPULayers   int `json:"gpu_layers,omitempty"`
	Threads     int `json:"threads,omitempty"`
	BatchSize   int `json:"batch_size,omitempty"`
	Parallel    int `json:"parallel,omitempty"`
}

// LoadModelRequest asks the worker to load one model.
type LoadModelRequest struct {
	Model    string        `json:"model"`
	Settings ModelSettings `json:"settings,omitempty"`
}

// ModelStatus reports whether a model is loaded and which one.
type ModelStatus struct {
	Loaded bool   `json:"loaded"`
	Model  string `json:"model,omitempty"`
	State  string `json:"state,omitempty"`
}

// RuntimeInfo is the worker's view of the hardware it runs on.
type RuntimeInfo struct {
	Backend      string        `json:"backend,omitempty"`
	Accelerators []Accelerator `json:"accelerators,omitempty"`
}

// Accelerator is an immutable snapshot of one compute device.
type Accelerator struct {
	ID             string `json:"id"`
	Backend        string `json:"backend"` // "cuda", "rocm", "metal", "vulkan"
	TotalMemory    uint64 `json:"total_memory"`
	FreeMemory     uint64 `json:"free_memory"`
	MinimumReserve uint64 `json:"minimum_reserve"`
	DriverVersion  string `json:"driver_version,omitempty"`
	ComputeVersion string `json:"compute_version,omitempty"`
}

// ModelShape is the metadata needed to place a model onto accelerators.
type ModelShape struct {
	Layers         int    `json:"layers"`
	TrainingCtx    int    `json:"training_ctx"`
	MaxHeads       int    `json:"max_heads"`
	MinKVHeads     int    `json:"min_kv_heads"`
	FlashAttention bool   `json:"flash_attention,omitempty"`
	SizeBytes      uint64 `json:"size_bytes"`
}

// DownloadProgress reports the state of one in-flight model download.
type DownloadProgress struct {
	Model    string  `json:"model"`
	Progress float64 `json:"progress"`
	Speed    string  `json:"speed,omitempty"`
	Done     bool    `json:"done,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
