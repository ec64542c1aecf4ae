package llm

import "context"

// GenerationParams are the sampling knobs passed through to a backend.
// Nil pointers mean "use the backend's default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Model is an opaque handle to a loaded (or addressable) model instance.
type Model interface {
	Name() string
}

// Engine is the inference boundary the worker pool runs against.
//
// LoadModel materializes a model and returns a handle; for local backends
// this is a real load into VRAM, for hosted backends it only validates the
// reference. Infer is synchronous and possibly slow (seconds); callers
// bound it with the context.
type Engine interface {
	LoadModel(ctx context.Context, ref string) (Model, error)
	Infer(ctx context.Context, model Model, prompt string, params GenerationParams) (string, error)
}
