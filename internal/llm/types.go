package llm

import "context"

// Client is the interface for LLM completions.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*Completion, error)
}

// CompletionRequest is a single system+user prompt exchange.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int64
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion is the result of a completion call.
type Completion struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
}
