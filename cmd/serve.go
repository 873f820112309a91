package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crewhub/internal/connection"
	"crewhub/internal/gateway"
	"crewhub/internal/identity"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the connection manager with the HTTP status API",
	Long: `Connects every gateway in the configuration, keeps the connections
alive with automatic reconnects, and serves connection status and aggregated
sessions over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fileConfig, err := gateway.LoadFileConfig(configPath)
		if err != nil {
			return err
		}

		store, err := identity.NewStore(fileConfig.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()

		manager := connection.NewManager()
		defer manager.Shutdown()

		for _, entry := range fileConfig.Connections {
			if _, err := manager.AddGateway(entry.ID, entry.Name, entry.Gateway, store); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := manager.ConnectAll(ctx); err != nil {
			// Keep serving; auto-reconnect and the connect endpoint can
			// recover connections that failed at startup.
			log.Warn().Err(err).Msg("Some connections failed to connect at startup")
		}

		listen := serveListen
		if listen == "" {
			listen = fileConfig.HTTPListen
		}
		if listen == "" {
			listen = "127.0.0.1:8790"
		}

		api := connection.NewStatusAPI(manager)
		server := &http.Server{
			Addr:         listen,
			Handler:      api.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("listen", listen).Msg("Status API listening")
			errCh <- server.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return fmt.Errorf("status API server failed: %w", err)
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
