package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rocketscienceinc/tictactoe-engine/internal/apperror"
)

type handlers struct {
	logger *slog.Logger
	games  gameUseCase
}

func (that *handlers) ping(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("pong")); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
}

func (that *handlers) getGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := that.logger.With("method", "getGame", "gameID", id)

	game, err := that.games.GetGame(r.Context(), id)
	if errors.Is(err, apperror.ErrGameNotFound) {
		http.NotFound(w, r)
		return
	}

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("failed to get game", "error", err)
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err = json.NewEncoder(w).Encode(game); err != nil {
		log.Error("failed to write game", "error", err)
	}
}
