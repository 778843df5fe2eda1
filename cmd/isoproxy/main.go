// Package main provides the entry point for the isolation proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof" // registers pprof handlers on DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Rorqualx/isoproxy/internal/audit"
	"github.com/Rorqualx/isoproxy/internal/config"
	"github.com/Rorqualx/isoproxy/internal/fetcher"
	"github.com/Rorqualx/isoproxy/internal/handlers"
	"github.com/Rorqualx/isoproxy/internal/metrics"
	"github.com/Rorqualx/isoproxy/internal/middleware"
	"github.com/Rorqualx/isoproxy/internal/pipeline"
	"github.com/Rorqualx/isoproxy/internal/policy"
	"github.com/Rorqualx/isoproxy/internal/rewrite"
	"github.com/Rorqualx/isoproxy/internal/security"
	"github.com/Rorqualx/isoproxy/internal/session"
	"github.com/Rorqualx/isoproxy/internal/stats"
	"github.com/Rorqualx/isoproxy/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	flags := pflag.NewFlagSet(version.ServiceName, pflag.ExitOnError)
	cfg.AddFlags(flags)
	showVersion := flags.BoolP("version", "v", false, "print version and exit")
	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("%s %s (%s)\n", version.ServiceName, version.Full(), version.GoVersion())
		return
	}

	// Logging first so validation warnings are visible
	logCloser := setupLogging(cfg)
	defer logCloser.Close()

	cfg.Validate()
	printBanner()

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("Server failed")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	policies, err := policy.NewManager(cfg.PolicyPath, cfg.PolicyHotReload,
		policy.WithReloadHook(metrics.RecordPolicyReload))
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	defer policies.Close()

	guard := security.NewGuard(policies)

	if err := security.ValidateProxyURL(cfg.ProxyURL, cfg.AllowLocalProxies); err != nil {
		return fmt.Errorf("invalid PROXY_URL: %w", err)
	}
	f, err := fetcher.New(fetcher.Config{
		Timeout:       cfg.FetchTimeout,
		MaxBodyBytes:  cfg.MaxBodyBytes(),
		MaxRedirects:  cfg.MaxRedirects,
		MaxConcurrent: int64(cfg.MaxConcurrentFetches),
		ProxyURL:      cfg.ProxyURL,
	}, guard)
	if err != nil {
		return err
	}
	defer f.Close()

	sessions := session.NewStore(cfg)
	defer sessions.Close()
	sessions.OnEvict(func(id, reason string) {
		log.Debug().Str("session_id", id).Str("reason", reason).Msg("Session evicted")
	})

	auditLog := audit.New(cfg.AuditCapacity)
	defer auditLog.Close()
	auditLog.OnRecord(func(kind audit.Kind) {
		metrics.RecordAuditEvent(string(kind))
	})
	if cfg.AuditLogFile != "" {
		auditLog.OpenFile(cfg.AuditLogFile)
	}

	rw, err := rewrite.New(cfg.BridgeTargetOrigin)
	if err != nil {
		return fmt.Errorf("building rewriter: %w", err)
	}

	hosts := stats.NewManager(stats.DefaultStaleAfter, stats.DefaultCleanupInterval)
	defer hosts.Close()

	svc := pipeline.New(guard, f, sessions, auditLog, rw, hosts)
	handler := handlers.New(svc, sessions, auditLog, hosts, cfg)

	var limits handlers.Limits
	if cfg.RateLimitEnabled {
		limiters := []*middleware.RateLimiter{
			middleware.NewRateLimiter("default", cfg.RateLimitRPM, cfg.TrustProxy),
			middleware.NewRateLimiter("proxy", cfg.ProxyRateLimitRPM, cfg.TrustProxy),
			middleware.NewRateLimiter("resource", cfg.ResourceRateLimitRPM, cfg.TrustProxy),
		}
		for _, rl := range limiters {
			defer rl.Close()
		}
		limits = handlers.Limits{
			Default:  limiters[0].Handler,
			Proxy:    limiters[1].Handler,
			Resource: limiters[2].Handler,
		}
		log.Info().
			Int("default_rpm", cfg.RateLimitRPM).
			Int("proxy_rpm", cfg.ProxyRateLimitRPM).
			Int("resource_rpm", cfg.ResourceRateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
	}

	// Recovery is outermost so it catches panics from every layer.
	chain := middleware.Chain(
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.Auth(middleware.NewAuthorizer(cfg), cfg.TrustProxy, auditLog),
		middleware.Timeout(cfg.RequestTimeout),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	servers := []*http.Server{{
		Addr:         addr,
		Handler:      chain(handler.Routes(limits)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}}

	stopCh := make(chan struct{})
	defer close(stopCh)

	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartRuntimeCollector(10*time.Second, stopCh, sessions.Count)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.MetricsBindAddr, cfg.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}

	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		log.Warn().
			Str("addr", pprofAddr).
			Msg("pprof profiling server enabled - exposes runtime internals, use for debugging only")
		servers = append(servers, &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second, // profiles can take time
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			log.Info().Str("address", srv.Addr).Msg("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Str("address", srv.Addr).Msg("Server shutdown error")
			}
		}
		return nil
	})

	log.Info().
		Str("address", addr).
		Str("auth", cfg.AuthMode).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("rate_limit_enabled", cfg.RateLimitEnabled).
		Msg("Isolation proxy is ready to accept requests")

	err = g.Wait()
	log.Info().Msg("Shutdown complete")
	return err
}

// setupLogging configures the global zerolog logger. The returned closer
// flushes the rotated log file, if one is configured.
func setupLogging(cfg *config.Config) io.Closer {
	var out io.Writer = os.Stdout
	if cfg.LogFormat != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func printBanner() {
	banner := `
 _
(_)___  ___  _ __  _ __ _____  ___   _
| / __|/ _ \| '_ \| '__/ _ \ \/ / | | |
| \__ \ (_) | |_) | | | (_) >  <| |_| |
|_|___/\___/| .__/|_|  \___/_/\_\\__, |
            |_|                  |___/
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting isolation proxy")
}
