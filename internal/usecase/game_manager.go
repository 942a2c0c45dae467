package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rocketscienceinc/tictactoe-engine/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-engine/internal/entity"
	"github.com/rocketscienceinc/tictactoe-engine/internal/tictactoe"
)

// persistTimeout bounds a store write triggered by a game transition.
const persistTimeout = 5 * time.Second

type gameRepo interface {
	CreateOrUpdate(ctx context.Context, game *entity.Game) error
	GetByID(ctx context.Context, id string) (*entity.Game, error)
	DeleteByID(ctx context.Context, id string) error
}

type session struct {
	id          string
	controller  *tictactoe.GameController
	unsubscribe func()

	// guarded by GameManager.mu
	subscribers int
	lastActive  time.Time
	idle        *time.Timer
}

// GameManager owns one GameController per live game, keeps the latest
// snapshot of each in the store and restores games the store still knows.
// A game without subscribers is dropped from memory after idleTimeout; its
// stored snapshot stays and is restored on the next request.
type GameManager struct {
	logger      *slog.Logger
	gameRepo    gameRepo
	moveDelay   time.Duration
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewGameManager creates a manager. An idleTimeout of zero keeps idle games
// in memory until CloseGame or Shutdown.
func NewGameManager(logger *slog.Logger, gameRepo gameRepo, moveDelay, idleTimeout time.Duration) *GameManager {
	return &GameManager{
		logger:      logger.With("component", "game_manager"),
		gameRepo:    gameRepo,
		moveDelay:   moveDelay,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
	}
}

// GetOrCreateGame returns the game with id. An empty id, or one neither live
// nor stored, starts a new game under a fresh id.
func (that *GameManager) GetOrCreateGame(ctx context.Context, id string) (entity.Game, error) {
	if id != "" {
		current, err := that.getSession(ctx, id)
		if err == nil {
			return current.controller.State(), nil
		}

		if !errors.Is(err, apperror.ErrGameNotFound) {
			return entity.Game{}, fmt.Errorf("failed to load game: %w", err)
		}
	}

	controller := tictactoe.NewGameController(that.logger, uuid.NewString(), that.moveDelay)

	that.mu.Lock()
	err := that.register(ctx, controller)
	that.mu.Unlock()

	if err != nil {
		return entity.Game{}, fmt.Errorf("failed to create game: %w", err)
	}

	that.logger.Info("game created", "gameID", controller.State().ID)

	return controller.State(), nil
}

func (that *GameManager) GetGame(ctx context.Context, id string) (entity.Game, error) {
	current, err := that.getSession(ctx, id)
	if err != nil {
		return entity.Game{}, err
	}

	return current.controller.State(), nil
}

// MakeTurn submits the human move. The returned snapshot is current even when
// the move is rejected.
func (that *GameManager) MakeTurn(ctx context.Context, id string, cell int) (entity.Game, error) {
	current, err := that.getSession(ctx, id)
	if err != nil {
		return entity.Game{}, err
	}

	if err = current.controller.SubmitMove(cell); err != nil {
		return current.controller.State(), fmt.Errorf("failed make turn: %w", err)
	}

	return current.controller.State(), nil
}

func (that *GameManager) ResetGame(ctx context.Context, id string) (entity.Game, error) {
	current, err := that.getSession(ctx, id)
	if err != nil {
		return entity.Game{}, err
	}

	current.controller.Reset()

	return current.controller.State(), nil
}

// Subscribe calls fn with every snapshot committed by the game after the
// returned one, until the returned func is called. The game stays in memory
// while it has subscribers.
func (that *GameManager) Subscribe(ctx context.Context, id string, fn tictactoe.Listener) (entity.Game, func(), error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	current, err := that.loadSession(ctx, id)
	if err != nil {
		return entity.Game{}, nil, fmt.Errorf("failed to get game %s: %w", id, err)
	}

	current.subscribers++
	if current.idle != nil {
		current.idle.Stop()
		current.idle = nil
	}

	game, unsubscribe := current.controller.Watch(fn)

	var once sync.Once
	return game, func() {
		once.Do(func() {
			unsubscribe()

			that.mu.Lock()
			defer that.mu.Unlock()

			current.subscribers--
			current.lastActive = time.Now()
			that.watchIdle(current)
		})
	}, nil
}

// CloseGame stops the game and removes its snapshot from the store.
func (that *GameManager) CloseGame(ctx context.Context, id string) error {
	that.mu.Lock()
	current, ok := that.sessions[id]
	if ok {
		that.dropLocked(current)
	}
	that.mu.Unlock()

	if ok {
		current.stop()
	}

	if err := that.gameRepo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to delete game: %w", err)
	}

	that.logger.Info("game closed", "gameID", id)

	return nil
}

// Shutdown cancels pending computer turns of every live game. Stored
// snapshots are kept so the games can be resumed.
func (that *GameManager) Shutdown() {
	that.mu.Lock()
	sessions := make([]*session, 0, len(that.sessions))
	for _, current := range that.sessions {
		that.dropLocked(current)
		sessions = append(sessions, current)
	}
	that.mu.Unlock()

	for _, current := range sessions {
		current.stop()
	}
}

func (that *GameManager) getSession(ctx context.Context, id string) (*session, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	current, err := that.loadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get game %s: %w", id, err)
	}

	current.lastActive = time.Now()

	return current, nil
}

// loadSession must be called with mu held.
func (that *GameManager) loadSession(ctx context.Context, id string) (*session, error) {
	if current, ok := that.sessions[id]; ok {
		return current, nil
	}

	stored, err := that.gameRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get stored game: %w", err)
	}

	controller := tictactoe.RestoreGameController(that.logger, *stored, that.moveDelay)
	if err = that.register(ctx, controller); err != nil {
		return nil, fmt.Errorf("failed to restore game: %w", err)
	}

	// persist is subscribed now, so a resumed computer turn reaches the store
	controller.Resume()

	that.logger.Info("game restored", "gameID", id, "status", stored.Status)

	return that.sessions[id], nil
}

// register must be called with mu held.
func (that *GameManager) register(ctx context.Context, controller *tictactoe.GameController) error {
	game := controller.State()
	if err := that.gameRepo.CreateOrUpdate(ctx, &game); err != nil {
		return fmt.Errorf("failed to save game: %w", err)
	}

	current := &session{
		id:          game.ID,
		controller:  controller,
		unsubscribe: controller.OnChange(that.persist),
		lastActive:  time.Now(),
	}
	that.sessions[game.ID] = current
	that.watchIdle(current)

	return nil
}

// watchIdle arms the eviction timer of a session without subscribers. mu
// must be held.
func (that *GameManager) watchIdle(current *session) {
	if that.idleTimeout <= 0 || current.subscribers > 0 || that.sessions[current.id] != current {
		return
	}

	if current.idle != nil {
		current.idle.Stop()
	}
	current.idle = time.AfterFunc(that.idleTimeout, func() {
		that.evictIdle(current)
	})
}

func (that *GameManager) evictIdle(current *session) {
	that.mu.Lock()

	if that.sessions[current.id] != current || current.subscribers > 0 {
		that.mu.Unlock()
		return
	}

	// touched by a request since the timer was armed
	if wait := that.idleTimeout - time.Since(current.lastActive); wait > 0 {
		current.idle = time.AfterFunc(wait, func() {
			that.evictIdle(current)
		})
		that.mu.Unlock()
		return
	}

	that.dropLocked(current)
	that.mu.Unlock()

	current.stop()

	that.logger.Info("idle game evicted", "gameID", current.id)
}

// dropLocked removes the session from memory. mu must be held.
func (that *GameManager) dropLocked(current *session) {
	delete(that.sessions, current.id)

	if current.idle != nil {
		current.idle.Stop()
		current.idle = nil
	}
}

// stop detaches the store and cancels a pending computer turn. A stored
// computing snapshot resumes the turn when the game is restored.
func (that *session) stop() {
	that.unsubscribe()
	that.controller.Close()
}

func (that *GameManager) persist(game entity.Game) {
	log := that.logger.With("method", "persist", "gameID", game.ID)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := that.gameRepo.CreateOrUpdate(ctx, &game); err != nil {
		log.Error("failed to save game", "error", err)
	}
}
