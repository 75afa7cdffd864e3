// Package textgen wraps the external text generation service used for
// conversation summaries and commit messages.
package textgen

import (
	"context"
	"errors"
	"strings"
	"time"

	"collabspace/pkg/apperr"
	"collabspace/pkg/logger"
)

// ErrDisabled is returned when no generation backend is configured.
var ErrDisabled = errors.New("textgen: disabled")

type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Disabled always fails with ErrDisabled.
type Disabled struct{}

func (Disabled) Generate(context.Context, Request) (string, error) { return "", ErrDisabled }

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// WithFallback runs gen bounded by timeout. Any failure, timeout or
// empty answer yields fallback; the second result reports whether the
// text came from the generator.
func WithFallback(ctx context.Context, gen Generator, timeout time.Duration, req Request, fallback string) (string, bool) {
	if gen == nil {
		return fallback, false
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	text, err := gen.Generate(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrDisabled):
		case errors.Is(err, context.DeadlineExceeded):
			logger.Sugar.Warnf("Text generation timed out after %s: %v", timeout, apperr.ErrUpstreamTimeout)
		default:
			logger.Sugar.Warnf("Text generation failed, using fallback: %v", err)
		}
		return fallback, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback, false
	}
	return text, true
}
