package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/instancer/pkg/admission"
	"github.com/cuemby/instancer/pkg/api"
	"github.com/cuemby/instancer/pkg/auth"
	"github.com/cuemby/instancer/pkg/cache"
	"github.com/cuemby/instancer/pkg/captcha"
	"github.com/cuemby/instancer/pkg/catalog"
	"github.com/cuemby/instancer/pkg/events"
	"github.com/cuemby/instancer/pkg/log"
	"github.com/cuemby/instancer/pkg/metrics"
	"github.com/cuemby/instancer/pkg/reaper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the instance API and the reaper",
	Long: `Run the HTTP API, the reaper and the metrics collector until interrupted.

Examples:
  # Serve with a config file
  instancer serve -c instancer.yaml

  # Override settings from the environment
  INSTANCER_INSTANCES_BASE_DOMAIN=chall.example.com instancer serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides server.listen)")
	serveCmd.Flags().String("catalog", "", "Catalog path (overrides catalog.path)")
	_ = v.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("catalog.path", serveCmd.Flags().Lookup("catalog"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go auditLog(broker.Subscribe())

	st, err := newStack(ctx, cfg, broker)
	if err != nil {
		return err
	}
	defer st.Close()

	cat, err := catalog.Load(cfg.Catalog.Path, catalog.WithRouteValidator(st.routes))
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentCatalog, false, err.Error())
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentCatalog, true, fmt.Sprintf("%d challenges", cat.Len()))

	tokens, err := cache.New(ctx, cfg.TokenCache())
	if err != nil {
		return fmt.Errorf("failed to open token cache: %w", err)
	}
	defer tokens.Close()

	provider, err := auth.New(cfg.AuthProvider(), tokens)
	if err != nil {
		return err
	}

	ctrl := admission.NewController(st.prov, cat, st.namer, cfg.Admission())

	rp := reaper.NewReaper(st.prov, broker, cfg.ReaperConfig())
	rp.Start()
	defer rp.Stop()

	collector := metrics.NewCollector(st.prov, cfg.Metrics.CollectInterval)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(api.Config{
		Listen:          cfg.Server.Listen,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		UseProxyHeaders: cfg.Server.UseProxyHeaders,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
	}, ctrl, cat, provider, captcha.NewVerifier(cfg.CaptchaConfig(), nil))

	logger.Info().
		Str("version", Version).
		Str("base_domain", cfg.Instances.BaseDomain).
		Str("scope", cfg.Instances.Scope).
		Str("auth", provider.Name()).
		Int("challenges", cat.Len()).
		Msg("instancer starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// auditLog writes one line per instance lifecycle event
func auditLog(sub events.Subscriber) {
	for ev := range sub {
		logger := log.WithInstance(log.WithComponent("audit"),
			ev.Metadata[events.MetaInstanceID],
			ev.Metadata[events.MetaChallenge],
			ev.Metadata[events.MetaTeamID])
		entry := logger.Info()
		if ev.Type == events.EventInstanceFailed || ev.Type == events.EventReapFailed {
			entry = logger.Warn().Str("error", ev.Metadata[events.MetaError])
		}
		entry.Str("event", string(ev.Type)).Msg(ev.Message)
	}
}
