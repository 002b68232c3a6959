//go:build !llama

package engine

// This file provides a no-CGO stub backend. It is compiled when the 'llama'
// build tag is NOT set, keeping default builds and CI CGO-free. The real
// backend lives in llama.go (tagged 'llama'). The stub refuses to load rather
// than mock inference, so a misbuilt binary fails loudly on first use.

// llamaBackend is the stub; Load always fails with ErrUnavailable.
type llamaBackend struct{}

// NewBackend returns the stub backend.
func NewBackend() Backend {
	return &llamaBackend{}
}

func (b *llamaBackend) Load(path string, opts Options) (Context, error) {
	return nil, ErrUnavailable
}
