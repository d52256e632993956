package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/propfin/reconciliation-engine/cmd/reconciler/config"
	"github.com/propfin/reconciliation-engine/internal/api"
	"github.com/propfin/reconciliation-engine/internal/matcher"
	"github.com/propfin/reconciliation-engine/internal/session"
	"github.com/propfin/reconciliation-engine/pkg/logger"
)

// Flags for the serve command
var (
	serveAddr    string
	serveDBPath  string
	serveRules   string
	serveWorkers int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation HTTP API",
	Long: `Serve runs the reconciliation engine as an HTTP API backed by a SQLite
database. Sessions started over the API hold their property/period scope
until completed or rejected, and every resolution is recorded in the
append-only ledger.

Examples:
  reconciler serve --addr :8080 --db reconciliation.db
  reconciler serve --addr 127.0.0.1:9090 --db /var/lib/reconciler/sessions.db`,

	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "reconciliation.db", "SQLite database path")
	serveCmd.Flags().StringVar(&serveRules, "rules", "", "relationship rule catalog YAML (default: built-in catalog)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "matching worker count (default 4)")

	viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("db", serveCmd.Flags().Lookup("db"))
	viper.BindPFlag("serve-rules", serveCmd.Flags().Lookup("rules"))
	viper.BindPFlag("serve-workers", serveCmd.Flags().Lookup("workers"))
}

func runServe(cmd *cobra.Command, args []string) error {
	serveAddr = viper.GetString("addr")
	serveDBPath = viper.GetString("db")

	matcherConfig, err := config.CreateMatcherConfig("", 0, 0, serveWorkers)
	if err != nil {
		return err
	}
	catalog, err := config.CreateRuleSet(serveRules)
	if err != nil {
		return err
	}
	st, err := config.CreateStore(serveDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := session.NewService(st, catalog, matcherConfig, matcher.NoHistory{}, nil)
	if err != nil {
		return err
	}

	log := logger.GetGlobalLogger()
	server := api.NewServer(serveAddr, svc, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
