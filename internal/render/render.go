// Package render swaps a plain search response for the fully rendered page.
//
// The Middleware never fails a fetch because rendering failed: any renderer
// error degrades to the original response.
package render

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/metrics"
	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Options tune a single render.
type Options struct {
	Width         int
	Height        int
	Timeout       time.Duration
	NetworkIdle   bool
	ScrollEnabled bool
	MaxScrolls    int
	ScrollDelay   time.Duration
	InitialDelay  time.Duration
	UserAgent     string
}

// Renderer produces post-script HTML for a URL.
type Renderer interface {
	Render(ctx context.Context, url string, opts Options) (string, error)
}

// Config controls the middleware.
type Config struct {
	Enabled          bool
	Width            int
	Height           int
	Timeout          time.Duration
	NetworkIdle      bool
	ScrollEnabled    bool
	MaxScrolls       int
	ScrollDelay      time.Duration
	InitialDelay     time.Duration
	UserAgent        string
	RotateUserAgents bool
	UserAgents       []string
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Width:            1920,
		Height:           1080,
		Timeout:          300 * time.Second,
		NetworkIdle:      true,
		ScrollEnabled:    true,
		MaxScrolls:       10,
		ScrollDelay:      3 * time.Second,
		InitialDelay:     3 * time.Second,
		UserAgent:        DefaultUserAgents[0],
		RotateUserAgents: true,
	}
}

// Middleware renders responses through a Renderer.
type Middleware struct {
	renderer Renderer
	cfg      Config
	pick     func(n int) int
	logger   *zap.Logger
}

// NewMiddleware constructs a Middleware.
func NewMiddleware(renderer Renderer, cfg Config, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{renderer: renderer, cfg: cfg, pick: rand.IntN, logger: logger}
}

// UserAgent returns the agent for the next render: the fixed agent when
// rotation is off, otherwise a random member of the configured pool (or the
// built-in pool when none is configured).
func (m *Middleware) UserAgent() string {
	if !m.cfg.RotateUserAgents {
		return m.cfg.UserAgent
	}
	pool := m.cfg.UserAgents
	if len(pool) == 0 {
		pool = DefaultUserAgents
	}
	return pool[m.pick(len(pool))]
}

func (m *Middleware) options() Options {
	return Options{
		Width:         m.cfg.Width,
		Height:        m.cfg.Height,
		Timeout:       m.cfg.Timeout,
		NetworkIdle:   m.cfg.NetworkIdle,
		ScrollEnabled: m.cfg.ScrollEnabled,
		MaxScrolls:    m.cfg.MaxScrolls,
		ScrollDelay:   m.cfg.ScrollDelay,
		InitialDelay:  m.cfg.InitialDelay,
		UserAgent:     m.UserAgent(),
	}
}

// Apply returns resp with its body replaced by the rendered page. On any
// render failure, or an empty render, resp is returned unchanged.
func (m *Middleware) Apply(ctx context.Context, resp monitor.FetchResponse) monitor.FetchResponse {
	if !m.cfg.Enabled || m.renderer == nil {
		return resp
	}
	opts := m.options()
	start := time.Now()
	renderCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	html, err := m.renderer.Render(renderCtx, resp.URL, opts)
	if err != nil {
		metrics.ObserveRender("failed")
		m.logger.Error("render failed, keeping original response",
			zap.String("url", resp.URL),
			zap.String("user_agent", opts.UserAgent),
			zap.Error(fmt.Errorf("%w: %v", monitor.ErrRender, err)),
		)
		return resp
	}
	if html == "" {
		metrics.ObserveRender("empty")
		m.logger.Warn("render returned empty page, keeping original response", zap.String("url", resp.URL))
		return resp
	}

	metrics.ObserveRender("rendered")
	out := resp
	out.Body = []byte(html)
	out.Rendered = true
	out.Duration = resp.Duration + time.Since(start)
	if out.StatusCode == 0 {
		out.StatusCode = 200
	}
	return out
}

// Fetcher chains a plain fetch with the render middleware.
type Fetcher struct {
	next       monitor.Fetcher
	middleware *Middleware
}

// Wrap returns a monitor.Fetcher that renders every response from next.
func Wrap(next monitor.Fetcher, middleware *Middleware) *Fetcher {
	return &Fetcher{next: next, middleware: middleware}
}

// Fetch fetches request.URL through next, then renders it. A failed plain
// fetch still attempts a render; its error is returned only when the render
// did not produce a page either.
func (f *Fetcher) Fetch(ctx context.Context, request monitor.FetchRequest) (monitor.FetchResponse, error) {
	resp, err := f.next.Fetch(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return monitor.FetchResponse{}, err
		}
		rendered := f.middleware.Apply(ctx, monitor.FetchResponse{URL: request.URL})
		if !rendered.Rendered {
			return monitor.FetchResponse{}, err
		}
		return rendered, nil
	}
	if resp.URL == "" {
		resp.URL = request.URL
	}
	return f.middleware.Apply(ctx, resp), nil
}
