package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coal/shieldwall/internal/api"
	"github.com/coal/shieldwall/internal/audit"
	"github.com/coal/shieldwall/internal/config"
	"github.com/coal/shieldwall/internal/csp"
	"github.com/coal/shieldwall/internal/dashboard"
	"github.com/coal/shieldwall/internal/metrics"
	"github.com/coal/shieldwall/internal/monitor"
	"github.com/coal/shieldwall/internal/pipeline"
	"github.com/coal/shieldwall/internal/policy"
	"github.com/coal/shieldwall/internal/proxy"
	"github.com/coal/shieldwall/internal/sink"
)

var (
	policyFile  string
	listenAddr  string
	upstreamURL string
	auditFile   string
	noDashboard bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Shieldwall HTTP service",
	Long: `Start the HTTP service exposing the sanitizer, rate limiter, security event
log and CSP report collector. Settings come from SHIELDWALL_* environment
variables (and a .env file); flags override them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&policyFile, "policy", "", "Path to policy YAML file (env SHIELDWALL_POLICY)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (env SHIELDWALL_LISTEN)")
	serveCmd.Flags().StringVar(&upstreamURL, "upstream", "", "Chat completions backend to proxy (env SHIELDWALL_UPSTREAM_URL)")
	serveCmd.Flags().StringVar(&auditFile, "audit-log", "", "Path to audit journal file (env SHIELDWALL_AUDIT_LOG)")
	serveCmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "Disable the real-time dashboard")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	logger := newLogger(cfg.LogLevel)

	pol, err := policy.LoadFromFile(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	logger.Info().
		Str("policy", pol.PolicyName).
		Str("version", pol.Version).
		Str("sanitizer", pol.Sanitizer).
		Int("content_rules", len(pol.ContentRules)).
		Int("rate_limits", len(pol.RateLimitConfigs())).
		Msg("policy loaded")

	m := metrics.New(true)

	var journal *audit.Logger
	if cfg.AuditLog != "" {
		journal, err = audit.NewFileLogger(cfg.AuditLog)
		if err != nil {
			return fmt.Errorf("creating audit logger: %w", err)
		}
		defer journal.Close()
		logger.Info().Str("path", cfg.AuditLog).Msg("audit journal enabled")
	}

	sinks, redisClient := buildSinks(cfg, m, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	mon := monitor.New(
		monitor.WithCapacity(pol.Monitor.Capacity),
		monitor.WithSink(sinks),
		monitor.WithForwardThreshold(pol.ForwardThreshold()),
		monitor.WithLogger(logger.With().Str("component", "monitor").Logger()),
	)
	mon.Subscribe(m.ObserveEvent)
	if journal != nil {
		mon.Subscribe(journal.Record)
	}

	pipe := pipeline.New(pol, mon,
		pipeline.WithMetrics(m),
		pipeline.WithLogger(logger.With().Str("component", "pipeline").Logger()),
	)

	reporter := csp.NewReporter(mon,
		csp.WithLogger(logger.With().Str("component", "csp").Logger()),
		csp.WithCapacity(pol.CSP.Capacity),
		csp.WithEndpoint(pol.CSP.ReportEndpoint),
		csp.WithRelayLimit(cfg.CSPRelayRPS, cfg.CSPRelayBurst),
	)

	root := http.NewServeMux()
	root.Handle("/", api.New(pipe, reporter, logger,
		api.WithAdminToken(cfg.AdminToken),
		api.WithTrustedClientHeader(cfg.TrustClientHeader),
	).Handler())
	if cfg.Metrics {
		root.Handle("/metrics", m.Handler())
	}

	if cfg.UpstreamURL != "" {
		gp, err := proxy.New(pipe, cfg.UpstreamURL, logger.With().Str("component", "proxy").Logger(),
			proxy.WithTrustedClientHeader(cfg.TrustClientHeader),
		)
		if err != nil {
			return fmt.Errorf("creating proxy: %w", err)
		}
		root.Handle("/v1/", gp)
		root.Handle("/chat/", gp)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Dashboard {
		hub := dashboard.NewHub(pol, mon, logger.With().Str("component", "dashboard").Logger())
		detach := hub.Attach(pipe)
		defer detach()
		root.Handle(dashboard.Prefix, dashboard.Handler(hub, dashboardOrigins(cfg.Origins())))
		dashboard.Run(ctx, hub)
	}

	// Admin routes are for operators, so DELETE is not offered cross-origin.
	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.Origins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", proxy.ClientHeader},
	}).Handler(root)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	printBanner(cfg, pol)

	g.Go(func() error {
		logger.Info().Str("listen", cfg.Listen).Msg("starting shieldwall")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		reporter.Wait()
		mon.Wait()
		logger.Info().Msg("shut down")
		return err
	})

	return g.Wait()
}

// applyFlags overrides environment settings with explicitly set flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("policy") {
		cfg.PolicyFile = policyFile
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listenAddr
	}
	if cmd.Flags().Changed("upstream") {
		cfg.UpstreamURL = upstreamURL
	}
	if cmd.Flags().Changed("audit-log") {
		cfg.AuditLog = auditFile
	}
	if noDashboard {
		cfg.Dashboard = false
	}
}

// buildSinks assembles the outbound sinks for forwarded events. Without a
// remote sink, forwarded events go to a stderr journal.
func buildSinks(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (monitor.Sink, *redis.Client) {
	var sinks sink.Multi
	var client *redis.Client

	if cfg.SinkURL != "" {
		h := sink.NewHTTP(sink.HTTPConfig{
			URL:           cfg.SinkURL,
			RatePerSecond: cfg.SinkRPS,
			Burst:         cfg.SinkBurst,
			MaxFailures:   cfg.SinkMaxFailures,
		}, logger.With().Str("component", "sink").Logger())
		sinks = append(sinks, m.InstrumentSink("http", h))
		logger.Info().Str("url", cfg.SinkURL).Msg("http sink enabled")
	}

	if cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, deliveries will fail until it recovers")
		}
		cancel()
		r := sink.NewRedis(client, sink.RedisConfig{Channel: cfg.RedisChannel, HistoryKey: cfg.RedisHistory})
		sinks = append(sinks, m.InstrumentSink("redis", r))
		logger.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("redis sink enabled")
	}

	if len(sinks) == 0 {
		return m.InstrumentSink("stderr", audit.NewStderrLogger()), nil
	}
	return sinks, client
}

// dashboardOrigins turns CORS origins into websocket host patterns.
func dashboardOrigins(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		out = append(out, o)
	}
	return out
}

func printBanner(cfg *config.Config, pol *policy.Policy) {
	fmt.Fprintf(os.Stderr, "\n  Shieldwall v%s\n", Version)
	fmt.Fprintf(os.Stderr, "  Policy:  %s (%s)\n", pol.PolicyName, pol.Version)
	fmt.Fprintf(os.Stderr, "  Listen:  %s\n", cfg.Listen)
	if cfg.UpstreamURL != "" {
		fmt.Fprintf(os.Stderr, "  Upstream: %s\n", cfg.UpstreamURL)
	}
	if cfg.Dashboard {
		dashAddr := cfg.Listen
		if strings.HasPrefix(dashAddr, ":") {
			dashAddr = "localhost" + dashAddr
		}
		fmt.Fprintf(os.Stderr, "  Dashboard: http://%s%s\n", dashAddr, dashboard.Prefix)
	}
	fmt.Fprintln(os.Stderr)
}
