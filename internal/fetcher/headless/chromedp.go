// Package headless contains renderers that execute page scripts in a browser.
package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/mention-monitor/internal/render"
)

// Config controls the browser pool.
type Config struct {
	MaxParallel int
	ExecPath    string
}

// Renderer implements render.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a renderer backed by chromedp.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.NoSandbox,
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to url in a fresh tab and returns the rendered markup.
func (r *Renderer) Render(ctx context.Context, url string, opts render.Options) (string, error) {
	if err := r.acquire(ctx); err != nil {
		return "", err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	// Tie the tab to the caller's deadline and cancellation.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, opts.Timeout)
		defer cancel()
	}

	idle := newIdleWatcher()
	chromedp.ListenTarget(taskCtx, idle.captureEvent)

	var html string
	if err := chromedp.Run(taskCtx, buildActions(url, opts, idle, &html)...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func buildActions(url string, opts render.Options, idle *idleWatcher, html *string) []chromedp.Action {
	actions := []chromedp.Action{setupAction(opts)}
	if opts.NetworkIdle {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return page.SetLifecycleEventsEnabled(true).Do(ctx)
		}))
	}
	actions = append(actions, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
	if opts.NetworkIdle {
		actions = append(actions, idle.wait())
	}
	if opts.ScrollEnabled {
		actions = append(actions, chromedp.Evaluate(ScrollScript(opts), html,
			func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
				return p.WithAwaitPromise(true)
			}))
	} else {
		actions = append(actions, chromedp.OuterHTML("html", html, chromedp.ByQuery))
	}
	return actions
}

func setupAction(opts render.Options) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if opts.Width > 0 && opts.Height > 0 {
			if err := emulation.SetDeviceMetricsOverride(int64(opts.Width), int64(opts.Height), 1, false).Do(ctx); err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if opts.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(opts.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// ScrollScript returns the page script that scrolls to trigger lazy loading
// and resolves to the body markup. It stops early once the page height stops
// growing.
func ScrollScript(opts render.Options) string {
	return fmt.Sprintf(`(async function() {
  const delay = ms => new Promise(resolve => setTimeout(resolve, ms));
  try {
    await delay(%d);
    let lastHeight = document.body.scrollHeight;
    let scrollCount = 0;
    while (scrollCount < %d) {
      window.scrollTo(0, document.body.scrollHeight);
      await delay(%d);
      const newHeight = document.body.scrollHeight;
      if (newHeight === lastHeight) {
        break;
      }
      lastHeight = newHeight;
      scrollCount++;
    }
    window.scrollTo(0, 0);
    await delay(1000);
    return document.body.innerHTML;
  } catch (error) {
    return document.body.innerHTML;
  }
})()`, opts.InitialDelay.Milliseconds(), opts.MaxScrolls, opts.ScrollDelay.Milliseconds())
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

// idleWatcher signals once the navigated document reports networkIdle.
// Events before the document's init event belong to the blank tab.
type idleWatcher struct {
	armed bool
	done  chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{done: make(chan struct{})}
}

func (w *idleWatcher) captureEvent(ev any) {
	lifecycle, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	switch lifecycle.Name {
	case "init":
		w.armed = true
		return
	case "networkIdle":
		if !w.armed {
			return
		}
	default:
		return
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

// errIdleTimeout is returned when the page keeps the network busy.
var errIdleTimeout = errors.New("network never became idle")

func (w *idleWatcher) wait() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		select {
		case <-w.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errIdleTimeout, ctx.Err())
		}
	})
}
