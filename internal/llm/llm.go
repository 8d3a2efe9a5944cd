// Package llm defines the model-invocation collaborator used to produce
// assessments and adjudications.
//
// The pipeline never assumes a specific vendor: it only requires structured
// output it can parse against a dimension context's declared schema. The
// interface allows swapping providers without changing consumers.
package llm

import "context"

// InvokeRequest is one model call: system instructions plus user content,
// routed to a named model.
type InvokeRequest struct {
	System string
	User   string
	Model  string
}

// Usage reports token accounting from the provider, when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// InvokeResponse is the provider's structured reply.
type InvokeResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider invokes a language model. Implementations must honor ctx
// cancellation; the pipeline attaches a per-call timeout.
type Provider interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error)
}
