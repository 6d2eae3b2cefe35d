package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/chatbot-go/internal/httpapi"
	"github.com/comigor/chatbot-go/internal/logger"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), os.Stdout)
		if err != nil {
			return err
		}
		defer a.Close()
		return serveHTTP(cmd.Context(), a)
	},
}

func serveHTTP(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:           httpapi.NewRouter(a.session, a.registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.L.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
