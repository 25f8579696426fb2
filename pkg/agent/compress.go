// Package agent wraps LLM calls for the three roles. Each role shares the
// streaming runner and differs only in message assembly and output parsing.
package agent

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/lealvona/code-tumbler/pkg/models"
)

// Compressor is the pass-through text transform applied to context sections
// marked eligible for compression. The concrete compression subsystem is an
// external collaborator; the default implementation returns its input.
type Compressor interface {
	Compress(ctx context.Context, text string) (string, error)
}

type passthrough struct{}

func (passthrough) Compress(_ context.Context, text string) (string, error) {
	return text, nil
}

// NewCompressor builds the compressor for a project. Compression disabled or
// unconfigured yields the pass-through.
func NewCompressor(cfg models.CompressionConfig) Compressor {
	// Concrete compression backends plug in here by provider name.
	return passthrough{}
}

const (
	markerOpen  = "<compress>"
	markerClose = "</compress>"
)

var markerRe = regexp.MustCompile(`(?s)<compress>(.*?)</compress>`)

// compressible wraps a context section in markers, making it eligible for
// compression. Sandbox output, error messages, and task instructions are
// never wrapped.
func compressible(text string) string {
	return markerOpen + text + markerClose
}

// applyCompression compresses every marked section and strips the markers.
// Text outside markers passes through untouched. A failing compressor keeps
// the original section: a longer prompt beats a lost one.
func applyCompression(ctx context.Context, c Compressor, text string) string {
	return markerRe.ReplaceAllStringFunc(text, func(section string) string {
		inner := section[len(markerOpen) : len(section)-len(markerClose)]
		compressed, err := c.Compress(ctx, inner)
		if err != nil {
			slog.Warn("Compression failed; sending section uncompressed", "error", err)
			return inner
		}
		return compressed
	})
}
