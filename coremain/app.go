package coremain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/cache"
	"github.com/pmkol/secdata/pkg/cache/disk_cache"
	"github.com/pmkol/secdata/pkg/cache/mem_cache"
	"github.com/pmkol/secdata/pkg/cache/pg_cache"
	"github.com/pmkol/secdata/pkg/cache/redis_cache"
	"github.com/pmkol/secdata/pkg/edgar"
	"github.com/pmkol/secdata/pkg/fetcher"
	"github.com/pmkol/secdata/pkg/industry"
	"github.com/pmkol/secdata/pkg/rate_limiter"
	"github.com/pmkol/secdata/pkg/retry"
	"github.com/pmkol/secdata/pkg/safe_close"
	"github.com/pmkol/secdata/pkg/server/http_handler"
	"github.com/pmkol/secdata/pkg/statements"
	"github.com/pmkol/secdata/pkg/upstream"
)

// App holds the components shared by every command. It is built once per
// process from a Config.
type App struct {
	cfg    *Config
	logger *zap.Logger

	cache   cache.Backend
	sweep   func(ctx context.Context) (int, error)
	limiter *rate_limiter.Limiter
	fetcher *fetcher.Client

	edgar    *edgar.Client
	analyzer *industry.Analyzer
	stmts    *statements.Processor

	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

func NewApp(cfg *Config, lg *zap.Logger) (*App, error) {
	a := &App{
		cfg:        cfg,
		logger:     lg,
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}

	backend, sweep, err := openCache(context.Background(), &cfg.Cache, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache, %w", err)
	}
	a.cache, a.sweep = backend, sweep

	if err := a.initClients(); err != nil {
		a.cache.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initClients() error {
	cfg := a.cfg
	up, err := upstream.NewUpstream(upstream.UpstreamOpts{
		BaseURL:     cfg.SEC.BaseURL,
		UserAgent:   cfg.SEC.UserAgent,
		Timeout:     cfg.SEC.RequestTimeout,
		MaxBodySize: cfg.SEC.MaxBodySize,
		Logger:      a.logger.Named("upstream"),
	})
	if err != nil {
		return fmt.Errorf("failed to init upstream, %w (set sec.user_agent or SEC_USER_AGENT)", err)
	}

	a.limiter, err = rate_limiter.NewLimiter(rate_limiter.LimiterOpts{
		Rate:   cfg.SEC.Rate(),
		Burst:  cfg.SEC.Burst,
		Logger: a.logger.Named("limiter"),
	})
	if err != nil {
		return fmt.Errorf("failed to init rate limiter, %w", err)
	}

	policy := retry.Policy{
		MaxRetries:    cfg.SEC.MaxRetries,
		BaseDelay:     time.Duration(cfg.SEC.RetryDelay * float64(time.Second)),
		MaxDelay:      cfg.SEC.MaxRetryDelay,
		MaxRetryAfter: cfg.SEC.MaxRetryAfter,
	}
	a.fetcher, err = fetcher.NewClient(fetcher.ClientOpts{
		Cache:      a.cache,
		Upstream:   up,
		Limiter:    a.limiter,
		Policy:     &policy,
		Logger:     a.logger.Named("fetcher"),
		MetricsReg: a.GetMetricsReg(),
	})
	if err != nil {
		return fmt.Errorf("failed to init fetcher, %w", err)
	}

	a.edgar, err = edgar.NewClient(edgar.ClientOpts{
		Fetcher:    a.fetcher,
		TTLs:       cfg.TTL,
		TickersURL: cfg.SEC.TickersURL,
		Logger:     a.logger.Named("edgar"),

		RequirePersist: cfg.Cache.RequirePersist,
	})
	if err != nil {
		return fmt.Errorf("failed to init resolvers, %w", err)
	}

	a.analyzer, err = industry.NewAnalyzer(industry.AnalyzerOpts{
		Resolver:    a.edgar,
		Metrics:     append(industry.DefaultMetrics(), cfg.Industry.Metrics...),
		Concurrency: cfg.Industry.Concurrency,
		Logger:      a.logger.Named("industry"),
	})
	if err != nil {
		return fmt.Errorf("failed to init industry analyzer, %w", err)
	}

	a.stmts, err = statements.NewProcessor(statements.ProcessorOpts{
		Resolver: a.edgar,
		Logger:   a.logger.Named("statements"),
	})
	if err != nil {
		return fmt.Errorf("failed to init statement processor, %w", err)
	}
	return nil
}

// openCache opens the configured durable backend, behind a memory tier if
// cache.mem_size is positive. sweep is nil if the backend expires entries
// on its own.
func openCache(ctx context.Context, cfg *CacheConfig, lg *zap.Logger) (cache.Backend, func(context.Context) (int, error), error) {
	var (
		durable cache.Backend
		sweep   func(context.Context) (int, error)
	)
	switch cfg.Backend {
	case "", "disk":
		dc, err := disk_cache.NewDiskCache(disk_cache.DiskCacheOpts{
			Dir:    cfg.Dir,
			Logger: lg.Named("disk_cache"),
		})
		if err != nil {
			return nil, nil, err
		}
		durable = dc
		sweep = func(context.Context) (int, error) { return dc.Sweep() }

	case "redis":
		opt, err := redis.ParseURL(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		rc, err := redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:       client,
			ClientCloser: client,
			Logger:       lg.Named("redis_cache"),
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		if err := rc.Ping(ctx); err != nil {
			rc.Close()
			return nil, nil, fmt.Errorf("redis unreachable, %w", err)
		}
		durable = rc

	case "postgres":
		db, err := pg_cache.Open(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		pc, err := pg_cache.NewPgCache(ctx, pg_cache.PgCacheOpts{
			DB:     db,
			Logger: lg.Named("pg_cache"),
		})
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("postgres unreachable, %w", err)
		}
		durable = pc
		sweep = pc.Sweep

	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	if cfg.MemSize <= 0 {
		return durable, sweep, nil
	}
	front := mem_cache.NewMemCache(mem_cache.MemCacheOpts{
		Size:            cfg.MemSize,
		MaxBytes:        cfg.MemMaxBytes,
		CleanerInterval: time.Minute,
	})
	return cache.NewTiered(front, durable, lg.Named("cache")), sweep, nil
}

func (a *App) Close() error {
	return a.cache.Close()
}

func (a *App) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("secdata_", a.metricsReg)
}

func (a *App) GetSafeClose() *safe_close.SafeClose {
	return a.sc
}

// RunServer serves the REST api until the safe close signal is sent.
func (a *App) RunServer() error {
	handler, err := http_handler.NewHandler(http_handler.HandlerOpts{
		Resolver:   a.edgar,
		Analyzer:   a.analyzer,
		Statements: a.stmts,
		Cache:      a.cache,
		Logger:     a.logger.Named("api"),
	})
	if err != nil {
		return fmt.Errorf("failed to init api handler, %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metricsReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/", handler)

	httpAddr := a.cfg.API.HTTP
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			a.logger.Info("starting api http server", zap.String("addr", httpAddr))
			errChan <- httpServer.ListenAndServe()
		}()
		select {
		case err := <-errChan:
			a.sc.SendCloseSignal(err)
		case <-closeSignal:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(ctx)
		}
	})

	if a.sweep != nil && a.cfg.Cache.SweepInterval > 0 {
		a.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			a.runSweeper(a.sc.Context(), a.cfg.Cache.SweepInterval, closeSignal)
		})
	}

	<-a.sc.ReceiveCloseSignal()
	a.sc.Done()
	a.sc.CloseWait()
	if err := a.sc.Err(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) runSweeper(ctx context.Context, interval time.Duration, closeSignal <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := a.sweep(ctx)
			if err != nil {
				a.logger.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			a.logger.Debug("cache swept", zap.Int("removed", n))
		case <-closeSignal:
			return
		}
	}
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
