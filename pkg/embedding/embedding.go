// Package embedding wraps an external text-to-vector callable with the
// timeout and batching plumbing spec.md §4/§5 require. The embedding
// model itself stays out of scope — callers supply an Embedder.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured is returned when a call is made without an Embedder.
var ErrNotConfigured = errors.New("embedding: no embedder configured")

// ErrEmptyText is returned for a blank input string.
var ErrEmptyText = errors.New("embedding: empty text")

// Embedder converts text into a vector. Implementations wrap a
// concrete model (OpenAI, Ollama, a local model, ...); this package
// only adds timeout and batch-fanout plumbing around one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Config tunes the service's timeout behavior.
type Config struct {
	// Timeout bounds a single Embed/EmbedBatch-item call. spec.md §5:
	// "embedding calls carry a 10s timeout; on timeout, the enclosing
	// operation degrades gracefully (skipped vector signal in the
	// planner)".
	Timeout time.Duration
}

// DefaultConfig returns the spec's 10s embedding timeout.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Service adds a bounded timeout and concurrent batch fanout around an
// Embedder.
type Service struct {
	embedder Embedder
	config   Config
}

// New returns a Service over embedder. embedder may be nil; every call
// then returns ErrNotConfigured so callers can degrade gracefully
// instead of panicking on a missing configuration.
func New(embedder Embedder, config Config) *Service {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Service{embedder: embedder, config: config}
}

// Embed converts text to a vector, bounded by the configured timeout.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, ErrNotConfigured
	}
	if text == "" {
		return nil, ErrEmptyText
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	type result struct {
		vec []float32
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vec, err := s.embedder.Embed(ctx, text)
		ch <- result{vec: vec, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("embedding: %w", r.err)
		}
		return r.vec, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("embedding: %w", ctx.Err())
	}
}

// EmbedBatch converts texts concurrently, one goroutine per text,
// mirroring the teacher's BaseEmbedder.EmbedBatch fanout. A single
// failing text fails the whole batch; callers that want partial
// results should call Embed directly per item instead.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s.embedder == nil {
		return nil, ErrNotConfigured
	}

	type indexed struct {
		idx int
		vec []float32
		err error
	}
	ch := make(chan indexed, len(texts))
	for i, text := range texts {
		go func(idx int, t string) {
			vec, err := s.Embed(ctx, t)
			ch <- indexed{idx: idx, vec: vec, err: err}
		}(i, text)
	}

	results := make([][]float32, len(texts))
	var firstErr error
	for range texts {
		r := <-ch
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		results[r.idx] = r.vec
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// Dim reports the embedder's vector dimension, or 0 if unconfigured.
func (s *Service) Dim() int {
	if s.embedder == nil {
		return 0
	}
	return s.embedder.Dim()
}
