package entity

import (
	"errors"
	"fmt"
)

// Cell is the occupant of one board square.
type Cell uint8

const (
	EmptyCell Cell = iota
	PlayerX
	PlayerO
)

const (
	// HumanMark always moves first.
	HumanMark = PlayerX
	// ComputerMark is the side the search maximizes for.
	ComputerMark = PlayerO
)

const BoardSize = 9

var (
	ErrUnknownCell = errors.New("unknown cell value")

	WinCombos = [8][3]int{
		{0, 1, 2},
		{3, 4, 5},
		{6, 7, 8},
		{0, 3, 6},
		{1, 4, 7},
		{2, 5, 8},
		{0, 4, 8},
		{2, 4, 6},
	}
)

func (that Cell) String() string {
	switch that {
	case PlayerX:
		return "X"
	case PlayerO:
		return "O"
	default:
		return ""
	}
}

// Opponent returns the other mark. EmptyCell has no opponent.
func (that Cell) Opponent() Cell {
	switch that {
	case PlayerX:
		return PlayerO
	case PlayerO:
		return PlayerX
	default:
		return EmptyCell
	}
}

func (that Cell) MarshalText() ([]byte, error) {
	return []byte(that.String()), nil
}

func (that *Cell) UnmarshalText(text []byte) error {
	switch string(text) {
	case "":
		*that = EmptyCell
	case "X":
		*that = PlayerX
	case "O":
		*that = PlayerO
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCell, text)
	}

	return nil
}

// Board is the 3x3 grid stored row-major. It is a value type: assigning a
// Board copies every cell.
type Board [BoardSize]Cell

// Winner returns the occupant of the first completed line in WinCombos order,
// or EmptyCell when no line is complete.
func (that Board) Winner() Cell {
	for _, combo := range WinCombos {
		a, b, c := that[combo[0]], that[combo[1]], that[combo[2]]
		if a != EmptyCell && a == b && b == c {
			return a
		}
	}

	return EmptyCell
}

func (that Board) IsFull() bool {
	for _, cell := range that {
		if cell == EmptyCell {
			return false
		}
	}

	return true
}

// DeriveOutcome assumes the board was reached by alternating legal moves.
func (that Board) DeriveOutcome() Outcome {
	switch that.Winner() {
	case PlayerX:
		return OutcomeWinX
	case PlayerO:
		return OutcomeWinO
	}

	if that.IsFull() {
		return OutcomeDraw
	}

	return OutcomeOngoing
}

// EmptyCells lists free indices in ascending order.
func (that Board) EmptyCells() []int {
	cells := make([]int, 0, len(that))
	for i, cell := range that {
		if cell == EmptyCell {
			cells = append(cells, i)
		}
	}

	return cells
}

func (that Board) Count(mark Cell) int {
	count := 0
	for _, cell := range that {
		if cell == mark {
			count++
		}
	}

	return count
}
