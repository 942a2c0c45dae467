// Package minimax implements the exhaustive game-tree search that picks the
// computer's moves. The computer plays entity.ComputerMark and is the
// maximizing side; the human is the minimizing side.
package minimax

import (
	"errors"
	"math"

	"github.com/rocketscienceinc/tictactoe-engine/internal/entity"
)

// winScore is reduced by the search depth so that faster wins and slower
// losses score better.
const winScore = 10

var ErrNoAvailableMoves = errors.New("no available moves")

// Move is a candidate cell together with its minimax utility.
type Move struct {
	Cell  int
	Score int
}

// Evaluate returns the utility of board for the computer when the side given
// by maximizing is to move. Every branch works on its own copy of the board.
func Evaluate(board entity.Board, depth int, maximizing bool) int {
	switch board.Winner() {
	case entity.ComputerMark:
		return winScore - depth
	case entity.HumanMark:
		return depth - winScore
	}

	if board.IsFull() {
		return 0
	}

	if maximizing {
		best := math.MinInt
		for i, cell := range board {
			if cell != entity.EmptyCell {
				continue
			}

			child := board
			child[i] = entity.ComputerMark
			best = max(best, Evaluate(child, depth+1, false))
		}

		return best
	}

	best := math.MaxInt
	for i, cell := range board {
		if cell != entity.EmptyCell {
			continue
		}

		child := board
		child[i] = entity.HumanMark
		best = min(best, Evaluate(child, depth+1, true))
	}

	return best
}

// FindBestMove returns the computer's optimal move. Candidates are tried in
// ascending cell order and only a strictly greater utility replaces the
// current best, so the lowest index wins ties.
func FindBestMove(board entity.Board) (Move, error) {
	best := Move{Cell: -1, Score: math.MinInt}

	for i, cell := range board {
		if cell != entity.EmptyCell {
			continue
		}

		child := board
		child[i] = entity.ComputerMark

		if score := Evaluate(child, 0, false); score > best.Score {
			best = Move{Cell: i, Score: score}
		}
	}

	if best.Cell < 0 {
		return Move{}, ErrNoAvailableMoves
	}

	return best, nil
}
