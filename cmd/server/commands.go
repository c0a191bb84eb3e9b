package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-finance/internal/audit"
	"github.com/ksred/klear-finance/internal/config"
	"github.com/ksred/klear-finance/internal/database"
	"github.com/ksred/klear-finance/internal/oracle"
	"github.com/ksred/klear-finance/internal/server"
	"github.com/ksred/klear-finance/internal/session"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var errDiscrepancies = errors.New("ledger has discrepancies")

var rootCmd = &cobra.Command{
	Use:   "klear-finance",
	Short: "Paper-trading service: register, trade simulated stocks, review history",
	Long: `klear-finance runs the paper-trading HTTP API.

Without a subcommand it serves the API. Settings come from the optional
--config file (YAML or JSON), a .env file and environment variables.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := database.NewDatabase(cfg.Database, cfg.Server.Debug)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer database.Close(db)

		zlog.Info().Str("driver", cfg.Database.Driver).Msg("migrations applied")
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Reconcile holdings and cash against the transaction log",
	Long:  "Reconcile holdings and cash against the transaction log once. Exits non-zero when discrepancies are found.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := database.NewDatabase(cfg.Database, cfg.Server.Debug)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close(db)

		startingCash, err := cfg.Ledger.Cash()
		if err != nil {
			return err
		}

		report, err := audit.NewService(db, startingCash).Reconcile(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "users=%d holdings=%d transactions=%d discrepancies=%d\n",
			report.Users, report.Holdings, report.Transactions, len(report.Discrepancies))
		for _, d := range report.Discrepancies {
			fmt.Fprintln(out, d.String())
		}
		if !report.OK() {
			return errDiscrepancies
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML or JSON)")
	rootCmd.AddCommand(serveCmd, migrateCmd, auditCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return cfg, nil
}

// runServe initializes and runs the API server with graceful shutdown support
// It sets up the database, price oracle, session store and the audit processor
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database, cfg.Server.Debug)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to initialize database")
		return err
	}
	defer database.Close(db)

	priceOracle, err := oracle.New(cfg.Oracle)
	if err != nil {
		return fmt.Errorf("price oracle: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, err := session.NewStore(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	srv, err := server.New(cfg, db, priceOracle, sessions)
	if err != nil {
		return err
	}

	// Create and start audit processor
	startingCash, err := cfg.Ledger.Cash()
	if err != nil {
		return err
	}
	interval, err := cfg.Audit.Every()
	if err != nil {
		return err
	}
	go audit.NewProcessor(audit.NewService(db, startingCash), interval).Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().
			Str("port", cfg.Server.Port).
			Str("oracle", cfg.Oracle.Type).
			Str("database", cfg.Database.Driver).
			Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	// Wait for interrupt signal
	select {
	case err := <-errCh:
		if err != nil {
			zlog.Error().Err(err).Msg("listen")
		}
		return err
	case <-ctx.Done():
	}
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}

	zlog.Info().Msg("Server exiting")
	return nil
}
