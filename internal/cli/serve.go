package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentloop/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve threads over HTTP, SSE and websockets",
	Long: `Start the HTTP server. Messages are posted to
/v1/threads/{id}/messages and answered as JSON or, with
"Accept: text/event-stream", as a server-sent event stream.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

	rt, err := bootstrap(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := server.New(rt.engine, func(o *server.Options) {
		o.Logger = logger
		if cfg.Server.AllowAllOrigins {
			o.CheckOrigin = func(*http.Request) bool { return true }
		}
	})

	if rt.sweeper != nil {
		rt.sweeper.Start()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Addr) }()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("cli.serve.shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("cli.serve.shutdown.error", "error", err)
	}

	if err := rt.engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("cli.serve.engine.shutdown.error", "error", err)
	}

	if rt.sweeper != nil {
		if err := rt.sweeper.Stop(shutdownCtx); err != nil {
			logger.Warn("cli.serve.retention.stop.error", "error", err)
		}
	}

	return nil
}
