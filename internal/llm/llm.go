// Package llm defines the embedding and reasoning collaborators and ships
// OpenAI-backed implementations of both.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Embedder maps text to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer turns a prompt into a narrative. Its output never changes
// which entities a closure contains.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// ErrEmptyResponse is returned when the service answered without content.
var ErrEmptyResponse = errors.New("empty response")

// EmbeddingError reports a failed embedding. It is recoverable: the entity
// stays lexical-only.
type EmbeddingError struct {
	EntityID string
	Err      error
}

func (e *EmbeddingError) Error() string {
	if e.EntityID == "" {
		return fmt.Sprintf("embedding failed: %v", e.Err)
	}
	return fmt.Sprintf("embedding %s failed: %v", e.EntityID, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// ReasoningError reports a failed summary. It is recoverable: the summary
// is omitted.
type ReasoningError struct {
	Err error
}

func (e *ReasoningError) Error() string {
	return fmt.Sprintf("summary failed: %v", e.Err)
}

func (e *ReasoningError) Unwrap() error { return e.Err }
