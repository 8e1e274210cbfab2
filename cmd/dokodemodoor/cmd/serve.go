package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airsalso/dokodemodoor/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long: `Serve session records and metrics over HTTP.

Examples:
  # Start with defaults (127.0.0.1:8484)
  dokodemodoor serve

  # Bind to all interfaces
  dokodemodoor serve --addr 0.0.0.0:8484`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Address to listen on (default from server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(store, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(store, cfg.Audit.Dir,
		api.WithLogger(logger),
		api.WithCORSOrigins(cfg.Server.CORSOrigins...),
	)
	err = server.ListenAndServe(ctx, cfg.Server.Addr)
	logger.Info("server stopped")
	return err
}
