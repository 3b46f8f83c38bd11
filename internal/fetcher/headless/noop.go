package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/mention-monitor/internal/render"
)

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("headless renderer not configured")

// Noop implements render.Renderer for deployments without a browser. The
// render middleware treats its error like any failed render.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails with ErrNotConfigured.
func (Noop) Render(context.Context, string, render.Options) (string, error) {
	return "", ErrNotConfigured
}
