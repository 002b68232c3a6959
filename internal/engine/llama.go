//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaBackend loads models through the in-process go-llama.cpp binding.
type llamaBackend struct{}

// NewBackend returns the in-process llama backend.
func NewBackend() Backend {
	return &llamaBackend{}
}

func (b *llamaBackend) Load(path string, opts Options) (Context, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	var mo []llama.ModelOption
	if opts.ContextSize > 0 {
		mo = append(mo, llama.SetContext(opts.ContextSize))
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaContext{model: m, threads: opts.Threads}, nil
}

// llamaContext owns one loaded native context.
type llamaContext struct {
	model   *llama.LLama
	threads int
	once    sync.Once
}

func (c *llamaContext) Generate(ctx context.Context, prompt string, cfg SamplingConfig, onToken TokenFunc) (Result, error) {
	if c.model == nil {
		return Result{}, errors.New("llama context not initialized")
	}

	// Bridge native token streaming to onToken. Returning false stops the
	// native loop at the next token boundary.
	var (
		tokens   int
		tokenErr error
	)
	c.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if onToken != nil {
			if err := onToken(tok); err != nil {
				tokenErr = err
				return false
			}
		}
		tokens++
		return true
	})

	text, err := c.model.Predict(prompt, predictOptions(cfg, c.threads)...)
	// Interruption reasons take precedence over whatever the native loop
	// reports after the callback told it to stop.
	switch {
	case tokenErr != nil:
		return Result{}, tokenErr
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case err != nil:
		return Result{}, err
	}
	return Result{Content: text, TokenCount: tokens, FinishReason: "stop"}, nil
}

func (c *llamaContext) Close() error {
	c.once.Do(func() {
		if c.model != nil {
			c.model.Free()
			c.model = nil
		}
	})
	return nil
}

// helpers
func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts sampling params into go-llama.cpp options.
func predictOptions(cfg SamplingConfig, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, cfg.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(cfg.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(cfg.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(cfg.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(cfg.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if cfg.Seed != 0 {
		po = append(po, llama.SetSeed(cfg.Seed))
	}
	if len(cfg.Stop) > 0 {
		po = append(po, llama.SetStopWords(cfg.Stop...))
	}
	return po
}
