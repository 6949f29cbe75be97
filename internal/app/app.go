// Package app wires all Kotoba subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject test doubles via functional options
// (WithHistoryBackend, WithUsageStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/kotoba/internal/api"
	"github.com/MrWong99/kotoba/internal/backend"
	"github.com/MrWong99/kotoba/internal/config"
	"github.com/MrWong99/kotoba/internal/health"
	"github.com/MrWong99/kotoba/internal/history"
	"github.com/MrWong99/kotoba/internal/knowledge"
	"github.com/MrWong99/kotoba/internal/knowledge/pgvector"
	"github.com/MrWong99/kotoba/internal/observe"
	"github.com/MrWong99/kotoba/internal/processor"
	"github.com/MrWong99/kotoba/internal/prompt"
	"github.com/MrWong99/kotoba/internal/resilience"
	"github.com/MrWong99/kotoba/internal/storage/postgres"
	"github.com/MrWong99/kotoba/internal/usage"
	"github.com/MrWong99/kotoba/pkg/provider/embeddings"
	"github.com/MrWong99/kotoba/pkg/provider/llm"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// shutdownGrace bounds draining in-flight HTTP requests.
const shutdownGrace = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Local      llm.Provider
	Hosted     llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and serves the dialogue API.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	pools          *postgres.Pools
	historyBackend history.Backend
	history        *history.Store
	searcher       knowledge.VectorSearcher
	knowledge      *knowledge.Store
	usageStore     usage.Store
	tracker        *usage.Tracker
	profiles       *Profiles
	hosted         *backend.Hosted
	framework      *processor.Framework
	checkers       []health.Checker
	server         *api.Server

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryBackend injects a history backend instead of creating one from config.
func WithHistoryBackend(b history.Backend) Option {
	return func(a *App) { a.historyBackend = b }
}

// WithUsageStore injects a usage store instead of creating one from config.
func WithUsageStore(s usage.Store) Option {
	return func(a *App) { a.usageStore = s }
}

// WithVectorSearcher injects the knowledge vector searcher.
func WithVectorSearcher(s knowledge.VectorSearcher) Option {
	return func(a *App) { a.searcher = s }
}

// WithMetrics sets the metrics instance shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets [App.ApplyConfig] change the log level of the handler
// built around lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connections and
// migrations, knowledge loading and indexing, profile resolution, and
// pipeline assembly. On failure everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || (providers.Local == nil && providers.Hosted == nil) {
		return nil, errors.New("app: at least one of the local and hosted providers is required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.pools = postgres.NewPools(poolOptions(cfg)...)
	defer func() {
		if err != nil {
			a.closeAll(context.WithoutCancel(ctx))
		}
	}()

	// ── 1. Conversation history ──────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Knowledge ─────────────────────────────────────────────────────
	if err := a.initKnowledge(ctx); err != nil {
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	// ── 3. Usage tracking ────────────────────────────────────────────────
	if err := a.initUsage(ctx); err != nil {
		return nil, fmt.Errorf("app: init usage: %w", err)
	}

	// ── 4. NPC profiles ──────────────────────────────────────────────────
	profiles, err := LoadProfiles(cfg.Profiles)
	if err != nil {
		return nil, fmt.Errorf("app: init profiles: %w", err)
	}
	a.profiles = profiles

	// ── 5. Backends + pipeline ───────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 6. HTTP API ──────────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// poolOptions registers pgvector types only when the knowledge index lives in
// PostgreSQL, so history and usage can run on servers without the extension.
func poolOptions(cfg *config.Config) []postgres.Option {
	if cfg.Knowledge.PostgresDSN != "" {
		return []postgres.Option{postgres.WithVectorTypes()}
	}
	return nil
}

func (a *App) initHistory(ctx context.Context) error {
	if a.historyBackend == nil {
		switch a.cfg.History.Backend {
		case config.StoreFile:
			b, err := history.NewFileBackend(a.cfg.History.Dir)
			if err != nil {
				return err
			}
			a.historyBackend = b
		case config.StorePostgres:
			pool, err := a.pools.Get(ctx, a.cfg.History.PostgresDSN)
			if err != nil {
				return err
			}
			b, err := history.NewPostgresBackend(ctx, pool)
			if err != nil {
				return err
			}
			a.historyBackend = b
		default:
			a.historyBackend = history.NewMemoryBackend()
		}
	}
	if p, ok := a.historyBackend.(health.Pinger); ok {
		a.checkers = append(a.checkers, health.Ping("history", p))
	}

	opts := []history.Option{history.WithMetrics(a.metrics)}
	if a.cfg.History.WriteTimeout > 0 {
		opts = append(opts, history.WithWriteTimeout(a.cfg.History.WriteTimeout))
	}
	a.history = history.NewStore(a.historyBackend, opts...)
	slog.Info("history store ready", "backend", fmt.Sprintf("%T", a.historyBackend))
	return nil
}

func (a *App) initKnowledge(ctx context.Context) error {
	kc := a.cfg.Knowledge
	if a.searcher == nil && a.providers.Embeddings != nil {
		if dims := kc.EmbeddingDimensions; dims > 0 && dims != a.providers.Embeddings.Dimensions() {
			return fmt.Errorf("knowledge.embedding_dimensions is %d but the embeddings model produces %d",
				dims, a.providers.Embeddings.Dimensions())
		}
		if kc.PostgresDSN != "" {
			pool, err := a.pools.Get(ctx, kc.PostgresDSN)
			if err != nil {
				return err
			}
			s, err := pgvector.New(ctx, pool, a.providers.Embeddings)
			if err != nil {
				return err
			}
			a.searcher = s
		} else {
			s, err := knowledge.NewMemorySearcher(a.providers.Embeddings)
			if err != nil {
				return err
			}
			a.searcher = s
		}
	}

	opts := []knowledge.Option{knowledge.WithMetrics(a.metrics)}
	if kc.CacheSize > 0 {
		opts = append(opts, knowledge.WithCacheSize(kc.CacheSize))
	}
	if kc.MaxResults > 0 {
		opts = append(opts, knowledge.WithMaxResults(kc.MaxResults))
	}
	if kc.SnapshotSize > 0 {
		opts = append(opts, knowledge.WithSnapshotSize(kc.SnapshotSize))
	}
	a.knowledge = knowledge.NewStore(a.searcher, opts...)
	if a.searcher != nil {
		a.checkers = append(a.checkers, health.Checker{Name: "knowledge", Check: a.knowledge.Ping, Optional: true})
	}

	snippets, err := knowledge.LoadFiles(kc.Files...)
	if err != nil {
		return err
	}
	// Indexing failures leave the keyword fallback usable.
	if err := a.knowledge.Add(ctx, snippets...); err != nil {
		slog.Warn("knowledge indexing failed, continuing with keyword matching", "err", err)
	}
	slog.Info("knowledge store ready", "snippets", len(snippets), "vector_search", a.searcher != nil)
	return nil
}

func (a *App) initUsage(ctx context.Context) error {
	if a.usageStore == nil {
		switch a.cfg.Usage.Store {
		case config.StoreFile:
			s, err := usage.NewFileStore(a.cfg.Usage.Dir)
			if err != nil {
				return err
			}
			a.usageStore = s
		case config.StorePostgres:
			pool, err := a.pools.Get(ctx, a.cfg.Usage.PostgresDSN)
			if err != nil {
				return err
			}
			s, err := usage.NewPostgresStore(ctx, pool)
			if err != nil {
				return err
			}
			a.usageStore = s
		default:
			a.usageStore = usage.NewMemoryStore()
		}
	}

	opts := []usage.Option{usage.WithLimits(a.cfg.Usage.Limits())}
	if len(a.cfg.Usage.Pricing) > 0 {
		opts = append(opts, usage.WithPricing(mergePricing(a.cfg.Usage.Pricing)))
	}
	tr, err := usage.NewTracker(ctx, a.usageStore, opts...)
	if err != nil {
		return err
	}
	a.tracker = tr
	return nil
}

// mergePricing overlays configured prices on the built-in table.
func mergePricing(p usage.Pricing) usage.Pricing {
	out := usage.DefaultPricing()
	for model, price := range p {
		out[model] = price
	}
	return out
}

func (a *App) initPipeline() error {
	var adapters []backend.Adapter

	if p := a.providers.Local; p != nil {
		l, err := backend.NewLocal(p, a.backendOptions(a.cfg.Providers.Local)...)
		if err != nil {
			return err
		}
		adapters = append(adapters, l)
	}
	if p := a.providers.Hosted; p != nil {
		h, err := backend.NewHosted(p, a.tracker, a.backendOptions(a.cfg.Providers.Hosted)...)
		if err != nil {
			return err
		}
		a.hosted = h
		adapters = append(adapters, h)
		a.checkers = append(a.checkers, health.Checker{Name: "hosted", Optional: true, Check: a.hostedReady})
	}

	pc := a.cfg.Processor
	var asmOpts []prompt.Option
	if pc.LanguageLevel != "" {
		asmOpts = append(asmOpts, prompt.WithLanguageLevel(pc.LanguageLevel))
	}
	fw, err := processor.New(processor.Config{
		DefaultTier:     backend.Tier(pc.DefaultTier),
		BackendTimeout:  pc.BackendTimeout,
		MaxHistoryTurns: pc.MaxHistoryTurns,
		MaxPromptTokens: pc.MaxPromptTokens,
		MaxKnowledge:    pc.MaxKnowledge,
	}, adapters,
		processor.WithHistory(a.history),
		processor.WithKnowledge(a.knowledge),
		processor.WithPersonas(a.profiles),
		processor.WithAssembler(prompt.NewAssembler(asmOpts...)),
		processor.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.framework = fw
	slog.Info("pipeline ready", "tiers", fw.Tiers())
	return nil
}

func (a *App) backendOptions(entry config.ProviderEntry) []backend.Option {
	opts := []backend.Option{backend.WithMetrics(a.metrics)}
	if entry.Temperature > 0 {
		opts = append(opts, backend.WithTemperature(entry.Temperature))
	}
	if entry.MaxTokens > 0 {
		opts = append(opts, backend.WithMaxTokens(entry.MaxTokens))
	}
	return opts
}

// hostedReady reports the hosted breaker and quota state.
func (a *App) hostedReady(context.Context) error {
	if st := a.hosted.Breaker().State(); st == resilience.StateOpen {
		return fmt.Errorf("circuit %s", st)
	}
	return a.tracker.CheckQuota()
}

func (a *App) initServer() error {
	for _, pool := range a.pools.All() {
		cc := pool.Config().ConnConfig
		a.checkers = append(a.checkers, health.Ping(fmt.Sprintf("postgres:%s/%s", cc.Host, cc.Database), pool))
	}
	opts := []api.Option{
		api.WithHistory(a.history),
		api.WithUsage(a.tracker),
		api.WithKnowledge(a.knowledge),
		api.WithProfiles(a.profiles),
		api.WithHealth(health.New(a.checkers...)),
		api.WithMetrics(a.metrics),
	}
	if a.metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(a.metricsHandler))
	}
	s, err := api.New(a.framework, opts...)
	if err != nil {
		return err
	}
	a.server = s
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Framework returns the dialogue pipeline.
func (a *App) Framework() *processor.Framework { return a.framework }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains in-flight requests. It does not close the subsystems; call
// [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(a.Handler(), "kotoba"),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change: log level,
// usage limits and pricing, and NPC profiles. Sections that need a restart
// are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LimitsChanged {
		var pricing usage.Pricing
		if d.NewPricing != nil {
			pricing = mergePricing(d.NewPricing)
		}
		a.tracker.SetLimits(d.NewLimits, pricing)
		slog.Info("usage limits updated", "limits", d.NewLimits)
	}
	if d.ProfilesChanged {
		if err := a.profiles.Reload(new.Profiles); err != nil {
			slog.Error("profile reload failed, keeping previous profiles", "err", err)
		} else {
			slog.Info("npc profiles reloaded", "count", len(a.profiles.IDs()))
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config level to its slog equivalent; unknown levels map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains pending history writes and closes every subsystem:
// the pipeline and its components first, then the usage tracker, then the
// database pools. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopErr = a.closeAll(ctx)
	})
	return a.stopErr
}

// closeAll closes whatever has been initialised so far.
func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	switch {
	case a.framework != nil:
		errs = append(errs, a.framework.Close(ctx))
	default:
		// The pipeline never took ownership; close the parts directly.
		if a.history != nil {
			errs = append(errs, a.history.Close())
		}
		if a.knowledge != nil {
			errs = append(errs, a.knowledge.Close())
		} else if a.searcher != nil {
			errs = append(errs, a.searcher.Close())
		}
	}
	if a.tracker != nil {
		errs = append(errs, a.tracker.Close())
	} else if a.usageStore != nil {
		errs = append(errs, a.usageStore.Close())
	}
	a.pools.Close()
	return errors.Join(errs...)
}
