package types

// GenerateRequest is the payload of POST /v1/complete.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4.gguf
	Model string `json:"model,omitempty" example:"tinyllama-q4.gguf"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Optional session to append this exchange to. A new session is created
	// when empty.
	SessionID string `json:"session_id,omitempty" example:"01J9ZK3V7R8Q4N6T2W0XHYB5MD"`
	// If true, stream tokens as NDJSON lines; otherwise buffer and return one
	// final object.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to the top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence matches.
	Stop []string `json:"stop,omitempty"`
	// Random seed for reproducibility; 0 lets the engine choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Repeat penalty.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Per-request timeout in seconds; 0 uses the server default.
	// example: 120
	TimeoutSeconds int `json:"timeout_seconds,omitempty" example:"120"`
}

// TokenChunk is one NDJSON line of a streamed completion.
type TokenChunk struct {
	// One produced token.
	// example: Blue
	Token string `json:"token" example:"Blue"`
}

// GenerateResponse is the final NDJSON line of a streamed completion, and
// the whole response body when stream is false.
type GenerateResponse struct {
	// Always true; marks the terminal line of a stream.
	Done bool `json:"done" example:"true"`
	// Terminal request state: "completed", "cancelled" or "failed".
	// example: completed
	State string `json:"state" example:"completed"`
	// Full completion text.
	Content string `json:"content"`
	// Session the exchange was recorded under.
	SessionID string `json:"session_id" example:"01J9ZK3V7R8Q4N6T2W0XHYB5MD"`
	// Index of the persisted completion turn, -1 when none was written.
	// example: 1
	TurnIndex int `json:"turn_index" example:"1"`
	// Number of tokens streamed.
	// example: 42
	TokenCount int `json:"token_count" example:"42"`
	// "stop" for natural end of sequence.
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	// True when the recorded output was cut short.
	Truncated bool `json:"truncated,omitempty"`
	// Failure detail for non-completed outcomes.
	Error string `json:"error,omitempty"`
}

// ModelsResponse wraps the list returned by GET /v1/models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is the consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ModelStatus summarizes one resident engine context for GET /status.
type ModelStatus struct {
	// ID of the model this context serves.
	// example: tinyllama-q4.gguf
	ModelID string `json:"model_id" example:"tinyllama-q4.gguf"`
	// Number of handles currently held on the context.
	// example: 1
	RefCount int `json:"ref_count" example:"1"`
	// Estimated resident size in bytes.
	// example: 669262336
	SizeBytes int64 `json:"size_bytes" example:"669262336"`
	// Last time a request used this context (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Time the context was loaded (unix seconds).
	// example: 1700000000
	LoadedAt int64 `json:"loaded_at_unix" example:"1700000000"`
	// Queued requests waiting on this model.
	// example: 2
	QueueLen int `json:"queue_len" example:"2"`
	// Generations currently running against this model.
	// example: 1
	Active int `json:"active" example:"1"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Resident model contexts.
	Models []ModelStatus `json:"models"`
	// Memory budget in bytes across all contexts (0 = unlimited).
	// example: 8589934592
	BudgetBytes int64 `json:"budget_bytes" example:"8589934592"`
	// Estimated resident bytes.
	// example: 2147483648
	UsedBytes int64 `json:"used_bytes" example:"2147483648"`
	// Total evictions performed to free memory.
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Total native loads performed.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Requests admitted since boot.
	// example: 341
	RequestsTotal uint64 `json:"requests_total" example:"341"`
	// Uptime in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// Turn is one immutable message in a session's history.
type Turn struct {
	// Position within the session, starting at 0, no gaps.
	// example: 0
	Index int `json:"index" example:"0"`
	// Either "user" or "assistant".
	// example: user
	Role string `json:"role" example:"user"`
	Content string `json:"content"`
	// Token count of Content when produced by the engine, else 0.
	// example: 42
	TokenCount int `json:"token_count" example:"42"`
	// True when the turn was cut short by cancellation or failure.
	Truncated bool `json:"truncated,omitempty"`
	// Commit time in unix seconds.
	// example: 1700000000
	CreatedAt int64 `json:"created_at_unix" example:"1700000000"`
}

// SessionSummary describes one session for GET /v1/sessions.
type SessionSummary struct {
	ID string `json:"id" example:"01J9ZK3V7R8Q4N6T2W0XHYB5MD"`
	// Model the session is bound to.
	// example: tinyllama-q4.gguf
	ModelID string `json:"model_id" example:"tinyllama-q4.gguf"`
	// Creation time in unix seconds.
	// example: 1700000000
	CreatedAt int64 `json:"created_at_unix" example:"1700000000"`
	// Number of committed turns.
	// example: 6
	TurnCount int `json:"turn_count" example:"6"`
}

// SessionResponse is returned by GET /v1/sessions/{id}.
type SessionResponse struct {
	SessionSummary
	Turns []Turn `json:"turns"`
}

// SessionsResponse wraps GET /v1/sessions.
type SessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// ImportRequest asks the daemon to make a model available locally.
// Exactly one of HubRef or Path must be set.
type ImportRequest struct {
	// Hub reference "owner/repo/file.gguf" to download.
	// example: TheBloke/TinyLlama-1.1B-GGUF/tinyllama-q4.gguf
	HubRef string `json:"hub_ref,omitempty" example:"TheBloke/TinyLlama-1.1B-GGUF/tinyllama-q4.gguf"`
	// Absolute path of an artifact already on disk.
	Path string `json:"path,omitempty"`
	// Optional display name; defaults to the file name.
	Name string `json:"name,omitempty"`
	// Optional expected SHA-256; downloads failing verification are rejected.
	ContentHash string `json:"content_hash,omitempty"`
}

// ImportJob reports the state of one import for GET /v1/imports.
type ImportJob struct {
	ID string `json:"id" example:"01J9ZK3V7R8Q4N6T2W0XHYB5MD"`
	// One of "queued", "running", "completed", "failed".
	// example: running
	State string `json:"state" example:"running"`
	// Progress between 0 and 1 while running.
	// example: 0.42
	Progress float64 `json:"progress,omitempty" example:"0.42"`
	// Registered model id once completed.
	ModelID string `json:"model_id,omitempty"`
	// Failure detail once failed.
	Error string `json:"error,omitempty"`
}

// ImportsResponse wraps GET /v1/imports.
type ImportsResponse struct {
	Imports []ImportJob `json:"imports"`
}

// HubFile is one entry of a hub repository listing.
type HubFile struct {
	// Path of the file within the repository.
	// example: tinyllama-q4.gguf
	Filename string `json:"filename" example:"tinyllama-q4.gguf"`
	// Size in bytes when the hub reports it.
	// example: 669262336
	SizeBytes int64 `json:"size_bytes,omitempty" example:"669262336"`
}

// HubFilesResponse is returned by GET /v1/hub/{owner}/{repo}.
type HubFilesResponse struct {
	// Repository the listing is for.
	// example: TheBloke/TinyLlama-1.1B-GGUF
	Repo  string    `json:"repo" example:"TheBloke/TinyLlama-1.1B-GGUF"`
	Files []HubFile `json:"files"`
}
