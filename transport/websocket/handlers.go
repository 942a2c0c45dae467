package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rocketscienceinc/tictactoe-engine/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-engine/internal/entity"
)

const (
	actionConnect = "connect"
	actionTurn    = "game:turn"
	actionReset   = "game:reset"
	actionLeave   = "game:leave"
	actionState   = "game:state"
)

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrNotConnected   = errors.New("connect to a game first")
	ErrCellIsRequired = errors.New("cell is required")
	errInternal       = errors.New("internal error")
)

// Message represents a WebSocket message with an action type and a payload.
type Message struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Payload struct {
	Game  *entity.Game `json:"game,omitempty"`
	Cell  *int         `json:"cell,omitempty"`
	Error string       `json:"error,omitempty"`
}

func (that *Server) handleConnect(ctx context.Context, c *client, msg *Message) error {
	log := that.logger.With("method", "handleConnect")

	payload, err := decodePayload(msg)
	if err != nil {
		return c.sendError(msg.Action, err)
	}

	var requestedID string
	if payload.Game != nil {
		requestedID = payload.Game.ID
	}

	game, err := that.games.GetOrCreateGame(ctx, requestedID)
	if err != nil {
		log.Error("failed to get or create game", "gameID", requestedID, "error", err)
		return c.sendError(msg.Action, err)
	}

	// pushes wait for the connect reply, which carries the snapshot they follow
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	state, unsubscribe, err := that.games.Subscribe(ctx, game.ID, func(state entity.Game) {
		if sendErr := c.send(actionState, Payload{Game: &state}); sendErr != nil {
			log.Error("failed to push game state", "gameID", state.ID, "error", sendErr)
		}
	})
	if err != nil {
		log.Error("failed to subscribe to game", "gameID", game.ID, "error", err)
		return c.write(msg.Action, Payload{Error: errorMessage(err)})
	}

	c.follow(game.ID, unsubscribe)

	log.Info("player connected", "gameID", game.ID, "resumed", game.ID == requestedID)

	return c.write(msg.Action, Payload{Game: &state})
}

// handleTurn replies only on rejection; accepted moves reach the client as
// game:state pushes.
func (that *Server) handleTurn(ctx context.Context, c *client, msg *Message) error {
	gameID := c.currentGame()
	if gameID == "" {
		return c.sendError(msg.Action, ErrNotConnected)
	}

	payload, err := decodePayload(msg)
	if err != nil {
		return c.sendError(msg.Action, err)
	}

	if payload.Cell == nil {
		return c.sendError(msg.Action, ErrCellIsRequired)
	}

	game, err := that.games.MakeTurn(ctx, gameID, *payload.Cell)
	if err != nil {
		if game.ID == "" {
			return c.sendError(msg.Action, err)
		}

		return c.send(msg.Action, Payload{Game: &game, Error: errorMessage(err)})
	}

	return nil
}

func (that *Server) handleReset(ctx context.Context, c *client, msg *Message) error {
	gameID := c.currentGame()
	if gameID == "" {
		return c.sendError(msg.Action, ErrNotConnected)
	}

	if _, err := that.games.ResetGame(ctx, gameID); err != nil {
		return c.sendError(msg.Action, err)
	}

	return nil
}

func (that *Server) handleLeave(ctx context.Context, c *client, msg *Message) error {
	gameID := c.currentGame()
	if gameID == "" {
		return c.sendError(msg.Action, ErrNotConnected)
	}

	c.follow("", nil)

	if err := that.games.CloseGame(ctx, gameID); err != nil && !errors.Is(err, apperror.ErrGameNotFound) {
		return c.sendError(msg.Action, err)
	}

	return c.send(msg.Action, Payload{})
}

func decodePayload(msg *Message) (Payload, error) {
	var payload Payload

	if len(msg.Payload) == 0 {
		return payload, nil
	}

	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return payload, nil
}

// errorMessage exposes rule violations to the client and hides everything else.
func errorMessage(err error) string {
	known := []error{
		apperror.ErrGameFinished,
		apperror.ErrNotYourTurn,
		apperror.ErrCellOccupied,
		apperror.ErrInvalidCell,
		apperror.ErrGameNotFound,
		ErrUnknownAction,
		ErrNotConnected,
		ErrCellIsRequired,
	}

	for _, target := range known {
		if errors.Is(err, target) {
			return target.Error()
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return "malformed payload"
	}

	return errInternal.Error()
}
