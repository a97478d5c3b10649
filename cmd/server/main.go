package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/nvll/nvll-web/internal/cfg"
	"github.com/nvll/nvll-web/internal/httpserver"
	"github.com/nvll/nvll-web/internal/ledger"
	"github.com/nvll/nvll-web/internal/log"
	"github.com/nvll/nvll-web/internal/metrics"
	"github.com/nvll/nvll-web/internal/opshttp"
	"github.com/nvll/nvll-web/internal/otelx"
	"github.com/nvll/nvll-web/internal/pipeline"
	"github.com/nvll/nvll-web/internal/probe"
	"github.com/nvll/nvll-web/internal/prof"
	"github.com/nvll/nvll-web/internal/ratelimit"
	"github.com/nvll/nvll-web/internal/sentinel"
	"github.com/nvll/nvll-web/internal/traffichttp"
	v "github.com/nvll/nvll-web/internal/version"
)

const appName = "nvll"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix NVLL_ and validate
	cfg.FillFromEnv(flag.CommandLine, "NVLL_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             appName,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"redis_addr", conf.RedisAddr,
		"redis_db", conf.RedisDB,
		"ledger_resolved_ttl", conf.LedgerResolvedTTL,
		"ledger_max_retries", conf.LedgerMaxRetries,
		"rate_quota", conf.RateQuota,
		"rate_window", conf.RateWindow,
		"enable_burst", conf.EnableBurst,
		"downstream_timeout", conf.DownstreamWait,
		"static_dir", conf.StaticDir,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// Traffic ledger backed by redis. The pipeline fails open when redis
	// is down, so a broken connection degrades jam detection rather than
	// taking the site with it.
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	})
	defer rdb.Close()

	store := ledger.NewRedisStore(rdb, appName,
		ledger.WithResolvedTTL(conf.LedgerResolvedTTL),
		ledger.WithMaxRetries(conf.LedgerMaxRetries),
		ledger.WithOnConflict(m.IncLedgerConflict),
	)
	led := ledger.New(store)

	// Per-client fixed window rate limiting
	rlOpts := []ratelimit.Option{
		ratelimit.WithQuota(conf.RateQuota),
		ratelimit.WithWindow(conf.RateWindow),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time a client trips the limit per window
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
	}
	if conf.EnableBurst {
		rlOpts = append(rlOpts, ratelimit.WithBurst(conf.BurstPerSecond, conf.BurstSize))
	}
	limiter := ratelimit.New(ctx, rlOpts...)

	// Response header catalogue + audit logging
	sentinelOpts := []sentinel.Option{
		sentinel.WithQuota(conf.RateQuota),
		sentinel.WithLogger(L),
	}
	if conf.AllowOrigins != "" {
		sentinelOpts = append(sentinelOpts, sentinel.WithAllowOrigin(conf.AllowOrigins))
	}
	policy := sentinel.New(sentinelOpts...)

	// Traffic jam status API
	trafficAPI := traffichttp.NewAPI(led, L)

	var staticHandler http.Handler
	if conf.StaticDir != "" {
		staticHandler = http.FileServer(http.Dir(conf.StaticDir))
	}

	// setup toggle for server shutdown
	var gate probe.ShutdownGate

	// readiness requires the shutdown gate open and redis reachable
	readiness := probe.Multi(
		gate.Probe(),
		probe.Func(func(ctx context.Context) error {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return store.Ping(pctx)
		}),
	)

	// start site http server
	siteHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:      conf.HTTPPort,
			Health:    probe.Static(true, ""),
			Readiness: readiness,
			APIRoutes: trafficAPI.RegisterRoutes,
			Admission: func(r chi.Router) func(http.Handler) http.Handler {
				p := pipeline.New(pipeline.Options{
					Ledger:            led,
					Limiter:           limiter,
					Policy:            policy,
					Classifier:        pipeline.NewRouterClassifier(r),
					Logger:            L,
					DownstreamTimeout: conf.DownstreamWait,
					OnJamAdmitted:     m.IncJamAdmitted,
					OnJamRejected:     m.IncJamRejected,
					OnRateLimited:     m.IncRateLimitDenied,
					OnLedgerError:     m.IncLedgerError,
				})
				return p.Middleware
			},
			StaticHandler: staticHandler,
			UseRecoverMW:  true,
			OnPanic:       m.IncHttpPanic,
			MetricsMW:     m.Middleware,
			Logger:        L,
		},
	)

	if err != nil {
		L.Error(ctx, err, "failed to start site http listener port")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       probe.Static(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// sleep for 60s to allow in-flight requests to finish and for load balancer to detect unhealthy and stop sending new requests
	// will make sleep time tunable in the future
	L.Info(context.Background(), "sleeping 60s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
