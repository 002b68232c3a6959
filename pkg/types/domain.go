package types

// Model describes one model artifact known to the daemon, either discovered
// in the models directory or registered by an import.
type Model struct {
	// Stable identifier for the model.
	// example: tinyllama-q4.gguf
	ID string `json:"id" example:"tinyllama-q4.gguf"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name" example:"TinyLlama (Q4)"`
	// Absolute path to the model file on disk. Empty until resolved.
	// example: /home/user/models/tinyllama-q4.gguf
	Path string `json:"path,omitempty" example:"/home/user/models/tinyllama-q4.gguf"`
	// Hub reference this model can be fetched from, if any.
	// example: TheBloke/TinyLlama-1.1B-GGUF/tinyllama-q4.gguf
	HubRef string `json:"hub_ref,omitempty" example:"TheBloke/TinyLlama-1.1B-GGUF/tinyllama-q4.gguf"`
	// Artifact size in bytes, 0 when unknown.
	// example: 669262336
	SizeBytes int64 `json:"size_bytes,omitempty" example:"669262336"`
	// SHA-256 of the artifact, when known (imported models).
	ContentHash string `json:"content_hash,omitempty"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Context window length in tokens, 0 when unknown.
	// example: 2048
	ContextLength int `json:"context_length,omitempty" example:"2048"`
}

// Role values recorded on turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
