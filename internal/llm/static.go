package llm

import (
	"context"
	"fmt"
	"sync"
)

// StaticProvider returns canned responses, matched by model name and then by
// a default. Used in tests and local development where no real provider is
// configured. Safe for concurrent use.
type StaticProvider struct {
	mu        sync.Mutex
	byModel   map[string]string
	fallback  string
	err       error
	callCount int
}

// NewStaticProvider creates a provider that always returns content.
func NewStaticProvider(content string) *StaticProvider {
	return &StaticProvider{fallback: content, byModel: make(map[string]string)}
}

// WithModelResponse sets a canned response for one model name.
func (p *StaticProvider) WithModelResponse(model, content string) *StaticProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byModel[model] = content
	return p
}

// Fail makes all subsequent invocations return err.
func (p *StaticProvider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns how many invocations have been made.
func (p *StaticProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Invoke returns the canned response for the requested model.
func (p *StaticProvider) Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
	if err := ctx.Err(); err != nil {
		return InvokeResponse{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callCount++
	if p.err != nil {
		return InvokeResponse{}, p.err
	}
	content, ok := p.byModel[req.Model]
	if !ok {
		content = p.fallback
	}
	if content == "" {
		return InvokeResponse{}, fmt.Errorf("llm: no canned response for model %q", req.Model)
	}
	return InvokeResponse{Content: content, Model: req.Model}, nil
}
