package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/rocketscienceinc/tictactoe-engine/internal/entity"
	"github.com/rocketscienceinc/tictactoe-engine/internal/tictactoe"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type gameUseCase interface {
	GetOrCreateGame(ctx context.Context, id string) (entity.Game, error)
	MakeTurn(ctx context.Context, id string, cell int) (entity.Game, error)
	ResetGame(ctx context.Context, id string) (entity.Game, error)
	Subscribe(ctx context.Context, id string, fn tictactoe.Listener) (entity.Game, func(), error)
	CloseGame(ctx context.Context, id string) error
}

type handlerFunc func(ctx context.Context, client *client, message *Message) error

type Server struct {
	logger   *slog.Logger
	games    gameUseCase
	upgrader gorilla.Upgrader

	handlers map[string]handlerFunc
}

func New(logger *slog.Logger, games gameUseCase) *Server {
	server := &Server{
		logger: logger.With("component", "websocket"),
		games:  games,
		upgrader: gorilla.Upgrader{
			// the presentation layer is served from its own origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		handlers: make(map[string]handlerFunc),
	}

	server.handlers[actionConnect] = server.handleConnect
	server.handlers[actionTurn] = server.handleTurn
	server.handlers[actionReset] = server.handleReset
	server.handlers[actionLeave] = server.handleLeave

	return server
}

// Handler serves the websocket endpoint at /ws. Connections live until the
// peer disconnects or ctx is canceled.
func (that *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		that.serveConnection(ctx, w, r)
	})

	return mux
}

// Start - starts WebSocket server.
func (that *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     that.Handler(ctx),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 30 * time.Second,
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

func (that *Server) serveConnection(ctx context.Context, writer http.ResponseWriter, req *http.Request) {
	log := that.logger.With("method", "serveConnection")

	conn, err := that.upgrader.Upgrade(writer, req, nil)
	if err != nil {
		log.Error("failed to upgrade connection", "error", err)
		return
	}

	c := &client{conn: conn}
	defer c.close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log.Info("WebSocket connection established")

	if err = that.handleMessages(ctx, c); err != nil {
		log.Error("error handling messages", "error", err)
	}
}

// handleMessages - processes messages from the client.
func (that *Server) handleMessages(ctx context.Context, c *client) error {
	log := that.logger.With("method", "handleMessages")

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		var message Message
		if err = json.Unmarshal(data, &message); err != nil {
			log.Error("failed to unmarshal message", "error", err)
			continue
		}

		handler, ok := that.handlers[message.Action]
		if !ok {
			log.Error("unknown action", "action", message.Action)
			if err = c.sendError(message.Action, ErrUnknownAction); err != nil {
				return err
			}
			continue
		}

		if err = handler(ctx, c, &message); err != nil {
			log.Error("error processing message", "action", message.Action, "error", err)
		}
	}
}

// client is one websocket connection. gorilla connections allow a single
// concurrent writer, so every write goes through send.
type client struct {
	conn *gorilla.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	gameID      string
	unsubscribe func()
}

func (that *client) send(action string, payload Payload) error {
	that.writeMu.Lock()
	defer that.writeMu.Unlock()

	return that.write(action, payload)
}

// write must be called with writeMu held.
func (that *client) write(action string, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err = that.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err = that.conn.WriteJSON(Message{Action: action, Payload: data}); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

func (that *client) sendError(action string, err error) error {
	return that.send(action, Payload{Error: errorMessage(err)})
}

// follow switches the client to gameID, dropping the previous subscription.
func (that *client) follow(gameID string, unsubscribe func()) {
	that.mu.Lock()
	previous := that.unsubscribe
	that.gameID = gameID
	that.unsubscribe = unsubscribe
	that.mu.Unlock()

	if previous != nil {
		previous()
	}
}

func (that *client) currentGame() string {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.gameID
}

func (that *client) close() {
	that.follow("", nil)
	_ = that.conn.Close()
}
