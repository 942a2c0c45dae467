package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rocketscienceinc/tictactoe-engine/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-engine/internal/entity"
)

var errRedisDown = errors.New("redis down")

type mockGameRepo struct {
	mock.Mock

	mu    sync.Mutex
	saved []entity.Game
}

func newMockGameRepo(t *testing.T) *mockGameRepo {
	t.Helper()

	repo := &mockGameRepo{}
	t.Cleanup(func() { repo.AssertExpectations(t) })

	return repo
}

func (that *mockGameRepo) CreateOrUpdate(ctx context.Context, game *entity.Game) error {
	that.mu.Lock()
	that.saved = append(that.saved, *game)
	that.mu.Unlock()

	args := that.Called(ctx, game)
	return args.Error(0)
}

func (that *mockGameRepo) GetByID(ctx context.Context, id string) (*entity.Game, error) {
	args := that.Called(ctx, id)

	game, _ := args.Get(0).(*entity.Game)
	return game, args.Error(1)
}

func (that *mockGameRepo) DeleteByID(ctx context.Context, id string) error {
	args := that.Called(ctx, id)
	return args.Error(0)
}

func (that *mockGameRepo) savedGames() []entity.Game {
	that.mu.Lock()
	defer that.mu.Unlock()

	return append([]entity.Game(nil), that.saved...)
}

func newTestManager(repo gameRepo) *GameManager {
	return NewGameManager(slog.New(slog.NewTextHandler(io.Discard, nil)), repo, 0, 0)
}

func liveGames(manager *GameManager) int {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	return len(manager.sessions)
}

func TestGameManager_GetOrCreateGame(t *testing.T) {
	ctx := context.Background()

	t.Run("Creates a new game when id is empty", func(t *testing.T) {
		// Given: a store that accepts writes
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).
			Return(nil).
			Once()

		// When: asking for a game without id
		game, err := manager.GetOrCreateGame(ctx, "")

		// Then: a fresh game is created and stored
		require.NoError(t, err)
		assert.NotEmpty(t, game.ID)
		assert.Equal(t, entity.NewGame(game.ID), game)
		assert.Equal(t, []entity.Game{game}, repo.savedGames())
	})

	t.Run("Returns the live game for a known id", func(t *testing.T) {
		// Given: a game that was created before
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).
			Return(nil).
			Once()

		created, err := manager.GetOrCreateGame(ctx, "")
		require.NoError(t, err)

		// When: asking for it again by id
		game, err := manager.GetOrCreateGame(ctx, created.ID)

		// Then: the same game is returned without touching the store
		require.NoError(t, err)
		assert.Equal(t, created, game)
	})

	t.Run("Restores a stored game", func(t *testing.T) {
		// Given: a store holding a game in progress
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		stored := &entity.Game{
			ID: "stored",
			Board: entity.Board{
				entity.PlayerO, entity.EmptyCell, entity.EmptyCell,
				entity.EmptyCell, entity.PlayerX, entity.EmptyCell,
				entity.EmptyCell, entity.EmptyCell, entity.EmptyCell,
			},
			Turn:    entity.PlayerX,
			Outcome: entity.OutcomeOngoing,
			Status:  entity.StatusAwaitingHuman,
		}

		repo.On("GetByID", mock.Anything, "stored").Return(stored, nil).Once()
		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Once()

		// When: asking for it by id
		game, err := manager.GetOrCreateGame(ctx, "stored")

		// Then: the stored snapshot is resumed
		require.NoError(t, err)
		assert.Equal(t, *stored, game)
	})

	t.Run("Restored computer turn is stored", func(t *testing.T) {
		// Given: a store holding a game where the computer was thinking
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		stored := &entity.Game{
			ID: "thinking",
			Board: entity.Board{
				entity.PlayerX, entity.PlayerX, entity.EmptyCell,
				entity.PlayerO, entity.PlayerO, entity.EmptyCell,
				entity.PlayerX, entity.EmptyCell, entity.EmptyCell,
			},
			Turn:    entity.PlayerO,
			Outcome: entity.OutcomeOngoing,
			Status:  entity.StatusComputing,
		}

		repo.On("GetByID", mock.Anything, "thinking").Return(stored, nil).Once()
		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Twice()

		// When: the game is requested
		game, err := manager.GetOrCreateGame(ctx, "thinking")

		// Then: the resumed computer move is committed and written after the restored snapshot
		require.NoError(t, err)
		assert.Equal(t, entity.OutcomeWinO, game.Outcome)

		saved := repo.savedGames()
		require.Len(t, saved, 2)
		assert.Equal(t, *stored, saved[0])
		assert.Equal(t, game, saved[1])
	})

	t.Run("Starts a new game for an unknown id", func(t *testing.T) {
		// Given: a store that does not know the id
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		repo.On("GetByID", mock.Anything, "expired").Return(nil, apperror.ErrGameNotFound).Once()
		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Once()

		// When: asking for it by id
		game, err := manager.GetOrCreateGame(ctx, "expired")

		// Then: a new game with a fresh id is created
		require.NoError(t, err)
		assert.NotEqual(t, "expired", game.ID)
		assert.True(t, game.IsAwaitingHuman())
	})

	t.Run("Returns error when the store fails", func(t *testing.T) {
		// Given: a store that is down
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		repo.On("GetByID", mock.Anything, "p1").Return(nil, errRedisDown).Once()

		// When: asking for a game by id
		_, err := manager.GetOrCreateGame(ctx, "p1")

		// Then: the store error is returned
		require.ErrorIs(t, err, errRedisDown)
	})
}

func TestGameManager_MakeTurn(t *testing.T) {
	ctx := context.Background()

	t.Run("Stores the human move and the computer reply", func(t *testing.T) {
		// Given: a new game
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Times(3)

		created, err := manager.GetOrCreateGame(ctx, "")
		require.NoError(t, err)

		// When: the human plays the center
		game, err := manager.MakeTurn(ctx, created.ID, 4)

		// Then: the computer has answered and both transitions were stored
		require.NoError(t, err)
		assert.Equal(t, entity.PlayerO, game.Board[0])
		assert.True(t, game.IsAwaitingHuman())

		saved := repo.savedGames()
		require.Len(t, saved, 3)
		assert.Equal(t, entity.StatusComputing, saved[1].Status)
		assert.Equal(t, game, saved[2])
	})

	t.Run("Returns the unchanged game for a rejected move", func(t *testing.T) {
		// Given: a game where the center is taken
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Times(3)

		created, err := manager.GetOrCreateGame(ctx, "")
		require.NoError(t, err)
		before, err := manager.MakeTurn(ctx, created.ID, 4)
		require.NoError(t, err)

		// When: the human plays the center again
		game, err := manager.MakeTurn(ctx, created.ID, 4)

		// Then: the move is rejected and nothing is stored
		require.ErrorIs(t, err, apperror.ErrCellOccupied)
		assert.Equal(t, before, game)
		assert.Len(t, repo.savedGames(), 3)
	})

	t.Run("Returns ErrGameNotFound for an unknown game", func(t *testing.T) {
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		repo.On("GetByID", mock.Anything, "missing").Return(nil, apperror.ErrGameNotFound).Once()

		_, err := manager.MakeTurn(ctx, "missing", 4)

		require.ErrorIs(t, err, apperror.ErrGameNotFound)
	})

	t.Run("Store failures after a transition do not fail the move", func(t *testing.T) {
		// Given: a store that accepts the creation and then goes down
		repo := newMockGameRepo(t)
		manager := newTestManager(repo)

		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Once()
		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(errRedisDown).Twice()

		created, err := manager.GetOrCreateGame(ctx, "")
		require.NoError(t, err)

		// When: the human plays
		game, err := manager.MakeTurn(ctx, created.ID, 4)

		// Then: the game still advances
		require.NoError(t, err)
		assert.True(t, game.IsAwaitingHuman())
	})
}

func TestGameManager_ResetGame(t *testing.T) {
	ctx := context.Background()

	// Given: a game in progress
	repo := newMockGameRepo(t)
	manager := newTestManager(repo)

	repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Times(4)

	created, err := manager.GetOrCreateGame(ctx, "")
	require.NoError(t, err)
	_, err = manager.MakeTurn(ctx, created.ID, 4)
	require.NoError(t, err)

	// When: the game is reset
	game, err := manager.ResetGame(ctx, created.ID)

	// Then: it is back at the start and the reset was stored
	require.NoError(t, err)
	assert.Equal(t, entity.NewGame(created.ID), game)

	saved := repo.savedGames()
	assert.Equal(t, game, saved[len(saved)-1])
}

func TestGameManager_Subscribe(t *testing.T) {
	ctx := context.Background()

	// Given: a game and a subscriber
	repo := newMockGameRepo(t)
	manager := newTestManager(repo)

	repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil)

	created, err := manager.GetOrCreateGame(ctx, "")
	require.NoError(t, err)

	var received []entity.Game
	start, unsubscribe, err := manager.Subscribe(ctx, created.ID, func(game entity.Game) {
		received = append(received, game)
	})
	require.NoError(t, err)
	assert.Equal(t, created, start)

	// When: the human plays and the subscriber leaves before the reset
	_, err = manager.MakeTurn(ctx, created.ID, 4)
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()
	_, err = manager.ResetGame(ctx, created.ID)
	require.NoError(t, err)

	// Then: only the move transitions were delivered
	require.Len(t, received, 2)
	assert.True(t, received[1].IsAwaitingHuman())
}

func TestGameManager_IdleEviction(t *testing.T) {
	ctx := context.Background()
	idleTimeout := 20 * time.Millisecond

	newManager := func(repo gameRepo) *GameManager {
		manager := NewGameManager(slog.New(slog.NewTextHandler(io.Discard, nil)), repo, 0, idleTimeout)
		t.Cleanup(manager.Shutdown)

		return manager
	}

	t.Run("Game without subscribers leaves memory but stays stored", func(t *testing.T) {
		// Given: a game nobody watches
		repo := newMockGameRepo(t)
		manager := newManager(repo)

		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Once()

		created, err := manager.GetOrCreateGame(ctx, "")
		require.NoError(t, err)
		require.Equal(t, 1, liveGames(manager))

		// When: the idle timeout passes
		require.Eventually(t, func() bool {
			return liveGames(manager) == 0
		}, time.Second, 5*time.Millisecond)

		// Then: the next request restores it from the store
		stored := created
		repo.On("GetByID", mock.Anything, created.ID).Return(&stored, nil).Once()
		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Once()

		game, err := manager.GetGame(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created, game)
	})

	t.Run("Watched game stays until its last subscriber leaves", func(t *testing.T) {
		// Given: a game with a subscriber
		repo := newMockGameRepo(t)
		manager := newManager(repo)

		repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Once()

		created, err := manager.GetOrCreateGame(ctx, "")
		require.NoError(t, err)

		_, unsubscribe, err := manager.Subscribe(ctx, created.ID, func(entity.Game) {})
		require.NoError(t, err)

		// When: several idle timeouts pass
		time.Sleep(5 * idleTimeout)

		// Then: the game is still live
		assert.Equal(t, 1, liveGames(manager))

		// And: it is evicted once the subscriber leaves
		unsubscribe()
		require.Eventually(t, func() bool {
			return liveGames(manager) == 0
		}, time.Second, 5*time.Millisecond)
	})
}

func TestGameManager_CloseGame(t *testing.T) {
	ctx := context.Background()

	// Given: a live game
	repo := newMockGameRepo(t)
	manager := newTestManager(repo)

	repo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*entity.Game")).Return(nil).Once()

	created, err := manager.GetOrCreateGame(ctx, "")
	require.NoError(t, err)

	repo.On("DeleteByID", mock.Anything, created.ID).Return(nil).Once()
	repo.On("GetByID", mock.Anything, created.ID).Return(nil, apperror.ErrGameNotFound).Once()

	// When: the game is closed
	err = manager.CloseGame(ctx, created.ID)
	require.NoError(t, err)

	// Then: it is neither live nor stored
	_, err = manager.GetGame(ctx, created.ID)
	require.ErrorIs(t, err, apperror.ErrGameNotFound)
}
