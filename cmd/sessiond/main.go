// sessiond is the control-plane process: it loads configuration, wires
// the Session Façade over a real Subprocess Runner, and serves it to an
// AI agent client over standard input/output until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dizzident/xvfb-sessiond/internal/config"
	"github.com/dizzident/xvfb-sessiond/internal/facade"
	"github.com/dizzident/xvfb-sessiond/internal/procrun"
	"github.com/dizzident/xvfb-sessiond/internal/rpcshell"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("sessiond: failed to load configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := procrun.NewExecRunner(logger)
	f := facade.New(cfg, runner, logger)
	shell := rpcshell.New(f, logger)

	go func() {
		<-ctx.Done()
		logger.Info().Msg("sessiond: shutdown signal received, destroying all sessions")
		teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer teardownCancel()
		f.DestroyAll(teardownCtx)
	}()

	logger.Info().Msg("sessiond: serving on stdio")
	serveErr := shell.Serve(ctx)

	// Server close (including client disconnect) tears every session down
	// before the process exits; DestroyAll is idempotent, so overlapping
	// with the signal goroutine above is harmless.
	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	f.DestroyAll(teardownCtx)
	teardownCancel()

	if serveErr != nil && ctx.Err() == nil {
		logger.Fatal().Err(serveErr).Msg("sessiond: rpc shell exited with error")
	}
}
