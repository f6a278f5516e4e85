// Package common contains helpers shared by the sync engine's services.
package common

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethsync/stagesync/log"
)

// How long to wait for in-flight requests when shutting down an HTTP server.
const serverShutdownTimeout = 5 * time.Second

// CloseOrLog closes c, logging any error.
func CloseOrLog(c io.Closer, logger *log.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("close failed", "err", err)
	}
}

// RunServer serves HTTP requests on server until ctx is canceled, then shuts
// the server down gracefully. It returns nil on a clean shutdown.
func RunServer(ctx context.Context, server *http.Server, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("http server stopped", "addr", server.Addr, "err", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	logger.Info("shutting down http server", "addr", server.Addr, "reason", ctx.Err())
	return server.Shutdown(shutdownCtx)
}
