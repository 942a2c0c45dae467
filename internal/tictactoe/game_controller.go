package tictactoe

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rocketscienceinc/tictactoe-engine/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-engine/internal/entity"
	"github.com/rocketscienceinc/tictactoe-engine/internal/minimax"
)

// Listener receives the snapshot committed by a transition.
type Listener func(game entity.Game)

// GameController alternates human and computer turns for one game.
//
// The computer turn is scheduled after moveDelay and searches a private copy
// of the board; its result is committed in one locked step. A Reset or Close
// while the computer is thinking bumps the generation, so a pending result is
// discarded instead of committed.
//
// Every commit is queued under mu and the queue is drained by one goroutine at
// a time, so listeners see snapshots in commit order.
type GameController struct {
	logger    *slog.Logger
	moveDelay time.Duration

	mu         sync.Mutex
	game       entity.Game
	timer      *time.Timer
	generation uint64

	version   uint64
	pending   []commit
	notifying bool

	listeners    map[int]subscriber
	nextListener int
}

type commit struct {
	version uint64
	game    entity.Game
}

// subscriber gets only commits newer than since.
type subscriber struct {
	fn    Listener
	since uint64
}

func NewGameController(logger *slog.Logger, id string, moveDelay time.Duration) *GameController {
	return &GameController{
		logger:    logger.With("component", "game_controller", "gameID", id),
		moveDelay: moveDelay,
		game:      entity.NewGame(id),
		listeners: make(map[int]subscriber),
	}
}

// RestoreGameController rebuilds a controller from a stored snapshot. A
// snapshot taken while the computer was thinking stays computing until Resume.
func RestoreGameController(logger *slog.Logger, game entity.Game, moveDelay time.Duration) *GameController {
	controller := NewGameController(logger, game.ID, moveDelay)
	controller.game = game

	return controller
}

// Resume schedules the computer turn of a restored computing snapshot.
func (that *GameController) Resume() {
	that.mu.Lock()
	if !that.game.IsComputing() || that.timer != nil {
		that.mu.Unlock()
		return
	}
	generation := that.scheduleComputerTurn()
	that.mu.Unlock()

	if that.moveDelay <= 0 {
		that.playComputerTurn(generation)
	}
}

// State returns a copy of the current game.
func (that *GameController) State() entity.Game {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.game
}

// SubmitMove applies the human mark at cell. A rejected move leaves the game
// untouched and reports why.
func (that *GameController) SubmitMove(cell int) error {
	that.mu.Lock()

	if err := validateMove(&that.game, cell); err != nil {
		that.mu.Unlock()
		return fmt.Errorf("invalid turn: %w", err)
	}

	that.game.Board[cell] = entity.HumanMark
	updateGameStatus(&that.game, entity.HumanMark)
	that.commitLocked()

	status := that.game.Status

	var generation uint64
	computerTurn := that.game.IsComputing()
	if computerTurn {
		generation = that.scheduleComputerTurn()
	}

	that.mu.Unlock()

	that.logger.Debug("human move accepted", "cell", cell, "status", status)
	that.flush()

	if computerTurn && that.moveDelay <= 0 {
		that.playComputerTurn(generation)
	}

	return nil
}

// Reset starts the game over from any state and drops a pending computer turn.
func (that *GameController) Reset() {
	that.mu.Lock()

	that.cancelComputerTurn()
	that.game = entity.NewGame(that.game.ID)
	that.commitLocked()

	that.mu.Unlock()

	that.logger.Debug("game reset")
	that.flush()
}

// OnChange registers fn for every transition committed from now on. The
// returned func unregisters it.
func (that *GameController) OnChange(fn Listener) func() {
	_, unsubscribe := that.Watch(fn)
	return unsubscribe
}

// Watch is OnChange that also returns the snapshot fn starts from. No commit
// falls between the returned snapshot and the first one fn receives.
func (that *GameController) Watch(fn Listener) (entity.Game, func()) {
	that.mu.Lock()
	defer that.mu.Unlock()

	id := that.nextListener
	that.nextListener++
	that.listeners[id] = subscriber{fn: fn, since: that.version}

	return that.game, func() {
		that.mu.Lock()
		defer that.mu.Unlock()

		delete(that.listeners, id)
	}
}

// Close cancels a pending computer turn. The game state is kept.
func (that *GameController) Close() {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.cancelComputerTurn()
}

// scheduleComputerTurn must be called with mu held.
func (that *GameController) scheduleComputerTurn() uint64 {
	generation := that.generation

	if that.moveDelay > 0 {
		that.timer = time.AfterFunc(that.moveDelay, func() {
			that.playComputerTurn(generation)
		})
	}

	return generation
}

// cancelComputerTurn must be called with mu held.
func (that *GameController) cancelComputerTurn() {
	that.generation++

	if that.timer != nil {
		that.timer.Stop()
		that.timer = nil
	}
}

func (that *GameController) playComputerTurn(generation uint64) {
	log := that.logger.With("method", "playComputerTurn")

	that.mu.Lock()
	if generation != that.generation || !that.game.IsComputing() {
		that.mu.Unlock()
		return
	}
	board := that.game.Board
	that.mu.Unlock()

	move, err := minimax.FindBestMove(board)
	if err != nil {
		log.Error("failed to find computer move", "error", err)
		return
	}

	that.mu.Lock()
	if generation != that.generation {
		that.mu.Unlock()
		log.Debug("discarding stale computer move", "cell", move.Cell)
		return
	}

	that.game.Board[move.Cell] = entity.ComputerMark
	updateGameStatus(&that.game, entity.ComputerMark)
	that.timer = nil
	that.commitLocked()
	status := that.game.Status

	that.mu.Unlock()

	log.Debug("computer move committed", "cell", move.Cell, "score", move.Score, "status", status)
	that.flush()
}

// commitLocked queues the current game for the listeners. mu must be held.
func (that *GameController) commitLocked() {
	that.version++
	that.pending = append(that.pending, commit{version: that.version, game: that.game})
}

// flush delivers queued commits in order. When another goroutine is already
// draining the queue it returns at once and leaves the delivery to it.
func (that *GameController) flush() {
	that.mu.Lock()
	if that.notifying {
		that.mu.Unlock()
		return
	}
	that.notifying = true

	for len(that.pending) > 0 {
		next := that.pending[0]
		that.pending = that.pending[1:]
		listeners := that.listenersFor(next.version)

		that.mu.Unlock()
		for _, listener := range listeners {
			listener(next.game)
		}
		that.mu.Lock()
	}

	that.pending = nil
	that.notifying = false
	that.mu.Unlock()
}

// listenersFor must be called with mu held.
func (that *GameController) listenersFor(version uint64) []Listener {
	ids := make([]int, 0, len(that.listeners))
	for id, sub := range that.listeners {
		if sub.since < version {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, that.listeners[id].fn)
	}

	return listeners
}

// validateMove - checks if the human move is allowed in the current state.
func validateMove(game *entity.Game, cell int) error {
	switch {
	case game.IsFinished():
		return apperror.ErrGameFinished
	case !game.IsAwaitingHuman():
		return apperror.ErrNotYourTurn
	}

	if cell < 0 || cell >= len(game.Board) {
		return fmt.Errorf("%w: cell %d", apperror.ErrInvalidCell, cell)
	}

	if game.Board[cell] != entity.EmptyCell {
		return apperror.ErrCellOccupied
	}

	return nil
}

// updateGameStatus - derives the outcome after mark has moved and hands the
// turn to the other side.
func updateGameStatus(game *entity.Game, mark entity.Cell) {
	game.Outcome = game.Board.DeriveOutcome()

	if game.Outcome.IsTerminal() {
		game.Status = entity.StatusFinished
		game.Turn = entity.EmptyCell
		return
	}

	game.Turn = mark.Opponent()
	if game.Turn == entity.ComputerMark {
		game.Status = entity.StatusComputing
	} else {
		game.Status = entity.StatusAwaitingHuman
	}
}
