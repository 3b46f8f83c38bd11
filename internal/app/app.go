// Package app builds the long-lived services behind the CLI commands and acts
// as the dependency container for the lanes, the scheduler and the ops server.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/analysis"
	"github.com/JakeFAU/mention-monitor/internal/analysis/gemini"
	"github.com/JakeFAU/mention-monitor/internal/config"
	"github.com/JakeFAU/mention-monitor/internal/dispatcher"
	"github.com/JakeFAU/mention-monitor/internal/enrich"
	"github.com/JakeFAU/mention-monitor/internal/extract"
	collyfetcher "github.com/JakeFAU/mention-monitor/internal/fetcher/colly"
	"github.com/JakeFAU/mention-monitor/internal/fetcher/headless"
	"github.com/JakeFAU/mention-monitor/internal/lookup"
	"github.com/JakeFAU/mention-monitor/internal/monitor"
	"github.com/JakeFAU/mention-monitor/internal/policy/ratelimit"
	"github.com/JakeFAU/mention-monitor/internal/policy/retry"
	"github.com/JakeFAU/mention-monitor/internal/processor"
	"github.com/JakeFAU/mention-monitor/internal/publisher/logsink"
	memorypublisher "github.com/JakeFAU/mention-monitor/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/mention-monitor/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/mention-monitor/internal/queue/memory"
	"github.com/JakeFAU/mention-monitor/internal/render"
	"github.com/JakeFAU/mention-monitor/internal/scheduler"
	"github.com/JakeFAU/mention-monitor/internal/search"
	"github.com/JakeFAU/mention-monitor/internal/secrets"
	"github.com/JakeFAU/mention-monitor/internal/storage/gcs"
	"github.com/JakeFAU/mention-monitor/internal/storage/local"
	storagememory "github.com/JakeFAU/mention-monitor/internal/storage/memory"
	"github.com/JakeFAU/mention-monitor/internal/storage/postgres"
	"github.com/JakeFAU/mention-monitor/internal/token"
	"github.com/JakeFAU/mention-monitor/internal/worker"
)

// App holds the shared services: store, snapshot archive and dead-letter sink.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      monitor.Clock
	store      monitor.Store
	archive    search.Archive
	deadLetter monitor.DeadLetterSink
	closers    []func() error
}

// New initializes the store, archive and dead-letter backends named in cfg.
// It fails fast when a backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: monitor.SystemClock{}}

	if err := a.initStore(ctx); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	if err := a.initArchive(ctx); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	if err := a.initDeadLetter(ctx); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database configured, using the in-memory store")
		a.store = storagememory.NewStore(a.clock)
		return nil
	}
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	}, a.clock)
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	a.logger.Info("connected to postgres")
	a.store = pg
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	switch a.cfg.Archive.Backend {
	case config.ArchiveMemory:
		a.archive = storagememory.NewBlobStore()
	case config.ArchiveLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.archive = store
	case config.ArchiveGCS:
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: a.cfg.Archive.Bucket, Prefix: a.cfg.Archive.Prefix})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.archive = store
	default:
		return nil
	}
	a.logger.Info("snapshot archive enabled", zap.String("backend", a.cfg.Archive.Backend))
	return nil
}

func (a *App) initDeadLetter(ctx context.Context) error {
	switch a.cfg.DeadLetter.Backend {
	case config.DeadLetterMemory:
		a.deadLetter = memorypublisher.New()
	case config.DeadLetterPubSub:
		pub, closeFn, err := pubsubpublisher.Dial(ctx, a.cfg.DeadLetter.ProjectID, a.cfg.DeadLetter.Topic, a.logger.Named("deadletter"))
		if err != nil {
			return fmt.Errorf("init pubsub dead letters: %w", err)
		}
		a.closers = append(a.closers, closeFn)
		a.deadLetter = pub
	default:
		a.deadLetter = logsink.New(a.logger.Named("deadletter"))
	}
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the relational store.
func (a *App) Store() monitor.Store { return a.store }

// DeadLetters returns the dead-letter sink.
func (a *App) DeadLetters() monitor.DeadLetterSink { return a.deadLetter }

// Close releases every backend in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// SearchURLs returns the configured search URL settings.
func (a *App) SearchURLs() search.URLConfig {
	return search.URLConfig{BaseURL: a.cfg.Search.BaseURL, Sort: a.cfg.Search.Sort, TimeFilter: a.cfg.Search.TimeFilter}
}

// SearchHandler assembles fetch, render, extract and archive for the search
// lane. The returned function releases the browser.
func (a *App) SearchHandler(enqueuer monitor.Enqueuer, urls search.URLConfig) (*search.Handler, func(), error) {
	cfg := a.cfg
	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.Rate{RPS: cfg.Search.RPS, Burst: cfg.Search.Burst},
	})
	userAgent := cfg.Search.UserAgent
	if userAgent == "" {
		userAgent = render.DefaultUserAgents[0]
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     userAgent,
		RespectRobots: cfg.Search.RespectRobots,
		Timeout:       cfg.Search.Timeout,
	}, limiter)

	var renderer render.Renderer = headless.NewNoop()
	release := func() {}
	if cfg.Render.Enabled {
		chrome, err := headless.NewChromedp(headless.Config{
			MaxParallel: cfg.Render.MaxParallel,
			ExecPath:    cfg.Render.ExecPath,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init renderer: %w", err)
		}
		renderer = chrome
		release = chrome.Close
	}
	middleware := render.NewMiddleware(renderer, RenderConfig(cfg.Render), a.logger.Named("render"))

	opts := []search.Option{search.WithClock(a.clock)}
	if a.archive != nil {
		opts = append(opts, search.WithArchive(a.archive, cfg.Archive.Prefix))
	}
	handler := search.NewHandler(
		render.Wrap(fetcher, middleware),
		extract.New(a.logger.Named("extract")),
		enqueuer,
		urls,
		a.logger.Named("search"),
		opts...,
	)
	return handler, release, nil
}

// RenderConfig maps the render section onto the middleware settings.
func RenderConfig(c config.RenderConfig) render.Config {
	out := render.Config{
		Enabled:          c.Enabled,
		Width:            c.Width,
		Height:           c.Height,
		Timeout:          c.Timeout,
		NetworkIdle:      c.NetworkIdle,
		ScrollEnabled:    c.ScrollEnabled,
		MaxScrolls:       c.MaxScrolls,
		ScrollDelay:      c.ScrollDelay,
		InitialDelay:     c.InitialDelay,
		UserAgent:        c.UserAgent,
		RotateUserAgents: c.RotateUserAgents,
		UserAgents:       c.UserAgents,
	}
	if out.UserAgent == "" {
		out.UserAgent = render.DefaultUserAgents[0]
	}
	return out
}

// Model builds the analysis model for the configured provider.
func (a *App) Model(ctx context.Context) (analysis.Model, error) {
	c := a.cfg.Analysis
	if c.Provider == config.ProviderNone {
		a.logger.Warn("analysis disabled, mentions get default analyses")
		return analysis.Disabled{}, nil
	}
	model, err := gemini.New(ctx, gemini.Config{
		APIKey:          c.APIKey,
		Model:           c.Model,
		Temperature:     c.Temperature,
		TopP:            c.TopP,
		TopK:            c.TopK,
		MaxOutputTokens: c.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("init gemini: %w", err)
	}
	return model, nil
}

// Pipeline is the queue, its lane pools and the scheduler that feeds them.
type Pipeline struct {
	Queue      *queuememory.Queue
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Scheduler
	Tokens     *token.Manager

	release func()
}

// Close stops the queue and releases the browser.
func (p *Pipeline) Close() {
	p.Queue.Close()
	p.release()
}

// Pipeline wires every lane to its handler.
func (a *App) Pipeline(ctx context.Context) (*Pipeline, error) {
	cfg := a.cfg
	cipher, err := secrets.NewFromBase64(cfg.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	tokens, err := token.NewManager(a.store, cipher, token.Config{
		ClientID:      cfg.OAuth.ClientID,
		ClientSecret:  cfg.OAuth.ClientSecret,
		TokenURL:      cfg.OAuth.TokenURL,
		RevokeURL:     cfg.OAuth.RevokeURL,
		UserAgent:     cfg.OAuth.UserAgent,
		RefreshWindow: cfg.OAuth.RefreshWindow,
		Timeout:       cfg.OAuth.Timeout,
	}, a.clock, a.logger.Named("token"))
	if err != nil {
		return nil, fmt.Errorf("init token manager: %w", err)
	}
	model, err := a.Model(ctx)
	if err != nil {
		return nil, err
	}

	queue := queuememory.NewQueue(cfg.Queue.DefaultDepth, cfg.Queue.Depths())
	searchHandler, release, err := a.SearchHandler(queue, a.SearchURLs())
	if err != nil {
		queue.Close()
		return nil, err
	}

	apiLimiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.Rate{RPS: cfg.API.RPS, Burst: cfg.API.Burst},
	})
	items := lookup.New(lookup.Config{
		BaseURL:   cfg.API.BaseURL,
		UserAgent: cfg.OAuth.UserAgent,
		Timeout:   cfg.API.Timeout,
	}, apiLimiter, a.logger.Named("lookup"))

	sched := scheduler.New(a.store, queue, scheduler.Config{
		BatchSize:   cfg.Scheduler.BatchSize,
		Parallelism: cfg.Scheduler.Parallelism,
	}, a.clock, a.logger.Named("scheduler"))

	handlers := map[monitor.Lane]worker.Handler{
		monitor.LaneMonitoring:     sched,
		monitor.LaneSearch:         searchHandler,
		monitor.LanePostProcessing: processor.New(queue, a.clock, a.logger.Named("processor")),
		monitor.LaneEnrichment: enrich.NewWorker(
			a.store, tokens, items,
			analysis.NewService(model, a.logger.Named("analysis")),
			a.clock, a.logger.Named("enrich"),
		),
	}

	pools := make([]dispatcher.Pool, 0, len(handlers))
	for _, lane := range monitor.Lanes() {
		lc := cfg.Queue.Lane(lane)
		wk := worker.New(
			worker.Config{Lane: lane, Timeout: lc.Timeout},
			queue, queue, handlers[lane],
			retry.NewExponentialPolicy(lc.MaxAttempts, cfg.Queue.BackoffBase, cfg.Queue.BackoffMax),
			a.deadLetter, a.clock, a.logger.Named("worker"),
		)
		pools = append(pools, dispatcher.Pool{Worker: wk, Size: lc.Workers})
	}

	return &Pipeline{
		Queue:      queue,
		Dispatcher: dispatcher.New(queue, pools, a.logger.Named("dispatcher")),
		Scheduler:  sched,
		Tokens:     tokens,
		release:    release,
	}, nil
}
