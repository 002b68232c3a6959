//go:build !llama

package engine

import (
	"errors"
	"testing"
)

func TestStubLoadFailsFast(t *testing.T) {
	b := NewBackend()
	c, err := b.Load("/nonexistent/model.gguf", Options{ContextSize: 512, Threads: 2})
	if err == nil {
		t.Fatalf("expected error from stub Load, got context %v", c)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if c != nil {
		t.Fatalf("expected nil context on error, got %v", c)
	}
}
