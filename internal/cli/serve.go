package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sanjeevm-dev/cua-browser/internal/config"
	"github.com/sanjeevm-dev/cua-browser/internal/logger"
	"github.com/sanjeevm-dev/cua-browser/internal/tracing"
	"github.com/sanjeevm-dev/cua-browser/pkg/browser"
	"github.com/sanjeevm-dev/cua-browser/pkg/catalog"
	"github.com/sanjeevm-dev/cua-browser/pkg/gateway"
	"github.com/sanjeevm-dev/cua-browser/pkg/lifecycle"
	"github.com/sanjeevm-dev/cua-browser/pkg/llm"
	"github.com/sanjeevm-dev/cua-browser/pkg/scheduler"
	"github.com/sanjeevm-dev/cua-browser/pkg/session"
	"github.com/sanjeevm-dev/cua-browser/pkg/store"
	"github.com/sanjeevm-dev/cua-browser/pkg/vault"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent service",
	Long: `Run the gateway, the daily task scheduler and the session runtime in
the foreground until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.GetZerolog()

	if err := tracing.InitOpenTelemetry("cua-browser", version); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down tracing")
		}
	}()

	db, err := store.Open(cfg.Storage.Path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := os.Stat(cfg.Vault.Path); os.IsNotExist(err) {
		if err := os.WriteFile(cfg.Vault.Path, []byte("{}\n"), 0600); err != nil {
			return fmt.Errorf("failed to seed credential file: %w", err)
		}
	}
	credentialVault, err := vault.NewFileVault(cfg.Vault.Path, nil, log)
	if err != nil {
		return err
	}
	defer credentialVault.Close()

	modelClient, err := llm.New(llm.Config{
		Model:       cfg.Model.Name,
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		MaxAttempts: cfg.Model.MaxAttempts,
	}, log)
	if err != nil {
		return err
	}

	toolCatalog, err := catalog.New(catalog.Config{
		DisplayWidth:  cfg.Browser.ViewportWidth,
		DisplayHeight: cfg.Browser.ViewportHeight,
		Environment:   "browser",
	})
	if err != nil {
		return err
	}

	provider, err := browser.NewHTTPProvider(cfg.Browser.ProviderURL, cfg.Browser.ProviderAPIKey, log)
	if err != nil {
		return err
	}

	hub := gateway.NewStreamHub(log)

	transcripts, err := session.NewRecorder(filepath.Join(cfg.DataDir, "transcripts"), log)
	if err != nil {
		return err
	}

	manager, err := lifecycle.New(lifecycle.Config{
		Store:            db,
		Provider:         provider,
		Vault:            credentialVault,
		Client:           modelClient,
		Catalog:          toolCatalog,
		Transcripts:      transcripts,
		OnStep:           hub.Publish,
		CreditsPerMinute: cfg.Billing.CreditsPerMinute,
		MaxSteps:         cfg.Limits.MaxSteps,
		SessionTimeout:   time.Duration(cfg.Limits.SessionTimeoutMinutes) * time.Minute,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Port:             cfg.Server.Port,
		APIKey:           cfg.Server.APIKey,
		DeploysPerMinute: cfg.Server.DeploysPerMinute,
		Manager:          manager,
		Store:            db,
		Hub:              hub,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	var sweep *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		sweep, err = scheduler.New(scheduler.Config{
			Spec:    cfg.Schedule.Cron,
			Runner:  manager,
			Agents:  db,
			Timeout: time.Duration(cfg.Limits.SessionTimeoutMinutes) * time.Minute,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		if err := sweep.Start(); err != nil {
			return err
		}
		defer sweep.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
