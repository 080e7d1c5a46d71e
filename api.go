// Package strand routes a prompt through an ordered chain of LLM stages.
//
// A Chain holds named Nodes. Each Node applies a pure prompt Modifier and then hands the
// result to a Provider, an adapter for one external text-generation service. The output of
// one node becomes the prompt of the next. The first node that fails halts the chain and its
// Response is returned unchanged.
//
// Providers never return Go errors for expected failures. Network errors, bad statuses,
// malformed payloads and missing credentials all come back as a Response with Error set,
// so callers only ever inspect one value.
//
// Basic usage:
//
//	chain := strand.NewChain(strand.WithDebug(true))
//	chain.AddNode("draft", openai.New(openai.Config{APIKey: key}), strand.AppendSuffix(" [Be brief]"))
//	resp := chain.Run(ctx, "What is a goroutine?")
//	if resp.Error {
//	    // show a generic message, log resp.ErrorMessage
//	}
//
// Every run emits capitan events (see hooks.go) for logging and metrics.
package strand

import (
	"context"
	"time"
)

// Provider is an adapter to one external text-generation service.
type Provider interface {
	// Send performs one call for prompt and normalizes the outcome.
	// Expected failures are reported through the returned Response, never by panicking.
	Send(ctx context.Context, prompt string, opts Options) Response

	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
}

// Options are per-call overrides for a provider. Zero values select the adapter default.
type Options struct {
	Model       string        // Model identifier
	Temperature float32       // Sampling temperature, see TemperatureUnset
	MaxTokens   int           // Completion token cap
	System      string        // Optional system prompt
	Timeout     time.Duration // Deadline for the single round trip
}

// Merge returns o with any zero field filled from fallback.
func (o Options) Merge(fallback Options) Options {
	if o.Model == "" {
		o.Model = fallback.Model
	}
	if o.Temperature == TemperatureUnset || o.Temperature == 0 {
		o.Temperature = fallback.Temperature
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = fallback.MaxTokens
	}
	if o.System == "" {
		o.System = fallback.System
	}
	if o.Timeout == 0 {
		o.Timeout = fallback.Timeout
	}
	return o
}

// ProviderFunc adapts a plain function into a Provider.
type ProviderFunc struct {
	ID string
	Fn func(ctx context.Context, prompt string, opts Options) Response
}

// Send calls the wrapped function.
func (p ProviderFunc) Send(ctx context.Context, prompt string, opts Options) Response {
	return p.Fn(ctx, prompt, opts)
}

// Name returns the configured identifier.
func (p ProviderFunc) Name() string {
	if p.ID == "" {
		return "func"
	}
	return p.ID
}
