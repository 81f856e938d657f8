package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/stixwb/internal/server"
)

var (
	serveListen  string
	serveTLSCert string
	serveTLSKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stixwb HTTP server",
	Long: `Run the stixwb HTTP server.

The server imports collection bundles over POST /api/collection-bundles
(optionally streaming progress as server-sent events) and exports
collections and domains as STIX bundles. When server.auth_token is set,
every /api/ request must carry it as a bearer token.

Examples:
  stixwb serve
  stixwb serve --config /etc/stixwb/stixwb.toml
  stixwb serve --listen 0.0.0.0:3000 --tls-cert server.crt --tls-key server.key`,
	Run: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", "", "Listen address (host:port), overrides server.listen")
	f.StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file, overrides server.tls_cert")
	f.StringVar(&serveTLSKey, "tls-key", "", "TLS key file, overrides server.tls_key")
}

func runServe(cmd *cobra.Command, _ []string) {
	c := initContext()
	defer c.Close()

	cfg, logger := c.Config, newLogger(c.Config.Server.LogLevel, c.Config.Server.LogFormat, os.Stdout)
	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen = serveListen
	}
	if cmd.Flags().Changed("tls-cert") {
		cfg.Server.TLSCert = serveTLSCert
	}
	if cmd.Flags().Changed("tls-key") {
		cfg.Server.TLSKey = serveTLSKey
	}

	srvCfg := server.DefaultConfig()
	srvCfg.MaxRequestBody = cfg.Server.MaxRequestBody
	srvCfg.AuthToken = cfg.Server.AuthToken
	srvCfg.ExportConcurrency = cfg.Attack.ExportConcurrency
	srvCfg.Metrics = server.NewMetrics()
	srvCfg.Archive = c.archive()
	if len(cfg.Server.WebhookURLs) > 0 {
		srvCfg.Webhooks = server.NewWebhookNotifier(&server.WebhookConfig{
			URLs:   cfg.Server.WebhookURLs,
			Secret: cfg.Server.WebhookSecret,
		}, logger)
		logger.Info("webhooks configured", "count", len(cfg.Server.WebhookURLs))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Handler(c.Store, c.validator(), srvCfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      15 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting stixwb server",
			"listen", cfg.Server.Listen,
			"store_driver", cfg.Store.Driver,
			"store_path", cfg.Store.Path,
			"attack_spec_version", cfg.Attack.SpecVersion,
			"auth", cfg.Server.AuthToken != "",
			"archive_dir", cfg.Store.ArchiveDir,
		)
		var err error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		c.Close()
		os.Exit(1)
	}

	srvCfg.Webhooks.Wait()
	logger.Info("server stopped")
}
