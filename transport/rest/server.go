package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rocketscienceinc/tictactoe-engine/internal/entity"
)

const shutdownTimeout = 5 * time.Second

type gameUseCase interface {
	GetGame(ctx context.Context, id string) (entity.Game, error)
}

// NewRouter wires the read-only HTTP routes.
func NewRouter(logger *slog.Logger, games gameUseCase) http.Handler {
	h := &handlers{
		logger: logger.With("component", "rest"),
		games:  games,
	}

	r := chi.NewRouter()
	r.Get("/ping", h.ping)
	r.Get("/games/{id}", h.getGame)

	return r
}

// Start - serves handler on port until ctx is canceled.
func Start(ctx context.Context, port string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}
