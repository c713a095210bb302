package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	mmate "github.com/glimte/mmate-bridge"
	"github.com/glimte/mmate-bridge/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mmate-bridge",
		Short: "Run message filter routes over the exchange bridge",
		Long: `mmate-bridge serves the message filter routes described in its
configuration file and forwards matching exchanges to their targets.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newValidateCmd(&configPath),
		newHealthCmd(&configPath),
	)
	return rootCmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the configured routes and the health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Log)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := mmate.NewClient(ctx, cfg, mmate.WithLogger(logger), mmate.WithVersion(version))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Start(ctx); err != nil {
				return err
			}

			var server *http.Server
			if cfg.Health.Addr != "" {
				server = &http.Server{
					Addr:              cfg.Health.Addr,
					Handler:           client.HealthHandler(),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health server failed", "addr", cfg.Health.Addr, "error", err)
						stop()
					}
				}()
			}

			logger.Info("mmate-bridge started", "version", version, "routes", client.Routes())
			<-ctx.Done()
			logger.Info("shutting down")

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and list its routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			printRoutes(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printRoutes(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "transport: %s\n", cfg.Transport.Kind)
	if len(cfg.Routes) == 0 {
		fmt.Fprintln(out, "no routes configured")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROUTE\tADDRESS\tTARGET\tMODE\tREPORT ERRORS\tFILTER")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, r := range cfg.Routes {
		mode := "sync"
		if !r.IsSynchronous() {
			mode = "async"
		}
		kind := r.Filter.Kind
		if kind == "" {
			kind = "always"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", r.Name, r.Address, r.Target, mode, r.ReportErrors, kind)
	}
	w.Flush()
}

func newHealthCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the health endpoint of a running mmate-bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				addr = cfg.Health.Addr
			}
			if addr == "" {
				return fmt.Errorf("no health address configured")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return queryHealth(ctx, cmd.OutOrStdout(), healthURL(addr))
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Health address (defaults to health.addr from the configuration)")
	return cmd
}

func healthURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/") + "/health"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/health"
}

func queryHealth(ctx context.Context, out io.Writer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query health: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: %s", resp.Status)
	}
	return nil
}
