// Command socialpilot runs the automation orchestrator, a standalone browser
// node, or one-shot admin tasks against the orchestrator database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/browsernode"
	"github.com/hazyhaar/socialpilot/observability"
	"github.com/hazyhaar/socialpilot/orchestrator"

	_ "modernc.org/sqlite"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "socialpilot",
		Short:         "Multi-tenant social account automation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML configuration file")
	root.AddCommand(serveCmd(), browserNodeCmd(), seedAdminCmd(), maintenanceCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads the configuration and installs the process logger.
func load() (*orchestrator.Config, *slog.Logger, error) {
	cfg, err := orchestrator.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console API, scheduler and executor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, err := orchestrator.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if cfg.Admin.Email != "" && cfg.Admin.Password != "" {
				if _, err := svc.SeedAdmin(ctx, cfg.Admin.Workspace, cfg.Admin.Email, cfg.Admin.Password); err != nil {
					return err
				}
			}
			if err := svc.Start(ctx); err != nil {
				return err
			}
			return listen(ctx, cfg.Port, svc.Handler(), logger)
		},
	}
}

func browserNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "browser-node",
		Short: "Serve the local Chrome cluster to remote orchestrators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			bc := cfg.Browser
			mgr := browser.NewManager(browser.Config{
				RemoteURL:     bc.ChromeRemoteURL,
				Headless:      bc.Headless,
				Display:       bc.Display,
				RemoteViewURL: bc.RemoteViewURL,
				Logger:        logger,
			})
			if _, err := mgr.Start(ctx); err != nil {
				return fmt.Errorf("start chrome: %w", err)
			}
			defer mgr.Close()

			node, err := browsernode.NewServer(browser.NewCluster(mgr), bc.NodeToken, logger)
			if err != nil {
				return err
			}
			return listen(ctx, cfg.Port, node, logger)
		},
	}
}

func seedAdminCmd() *cobra.Command {
	var email, password, workspace string
	cmd := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create the first workspace admin when none exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if email == "" {
				email = cfg.Admin.Email
			}
			if password == "" {
				password = cfg.Admin.Password
			}
			if workspace == "" {
				workspace = cfg.Admin.Workspace
			}
			if email == "" || password == "" {
				return errors.New("--email and --password are required")
			}
			// Chrome is never started for admin tasks.
			cfg.Browser.Mode = orchestrator.BrowserLocal
			svc, err := orchestrator.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			created, err := svc.SeedAdmin(cmd.Context(), workspace, email, password)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintln(cmd.OutOrStdout(), "an admin already exists, nothing to do")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin %s created in workspace %q\n", email, workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Admin email (default ADMIN_EMAIL)")
	cmd.Flags().StringVar(&password, "password", "", "Admin password (default ADMIN_PASSWORD)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace name (default from config)")
	return cmd
}

func maintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Run one retention pass and print what it removed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			cfg.Browser.Mode = orchestrator.BrowserLocal
			svc, err := orchestrator.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.Maintenance().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

// listen serves h until ctx is cancelled, then drains for up to 10 seconds.
func listen(ctx context.Context, port string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
