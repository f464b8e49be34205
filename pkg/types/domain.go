package types

// Model describes one catalog entry, local or remote.
type Model struct {
	// Stable identifier for the model.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name,omitempty"`
	// Declared file size in bytes.
	SizeBytes uint64 `json:"size_bytes,omitempty"`
	// Quantization level or variant string.
	Quant string `json:"quant,omitempty"`
	// Optional family (e.g., llama, mistral, phi).
	Family string `json:"family,omitempty"`
	// Whether the model file is present locally.
	Local bool `json:"local,omitempty"`
}
