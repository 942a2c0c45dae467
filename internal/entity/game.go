package entity

import (
	"errors"
	"fmt"
)

// Outcome is derived from the board after every move.
type Outcome uint8

const (
	OutcomeOngoing Outcome = iota
	OutcomeWinX
	OutcomeWinO
	OutcomeDraw
)

const (
	StatusAwaitingHuman = "awaiting_human"
	StatusComputing     = "computing"
	StatusFinished      = "finished"
)

var ErrUnknownOutcome = errors.New("unknown outcome")

func (that Outcome) String() string {
	switch that {
	case OutcomeWinX:
		return "x_wins"
	case OutcomeWinO:
		return "o_wins"
	case OutcomeDraw:
		return "draw"
	default:
		return "ongoing"
	}
}

func (that Outcome) IsTerminal() bool {
	return that != OutcomeOngoing
}

func (that Outcome) MarshalText() ([]byte, error) {
	return []byte(that.String()), nil
}

func (that *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ongoing":
		*that = OutcomeOngoing
	case "x_wins":
		*that = OutcomeWinX
	case "o_wins":
		*that = OutcomeWinO
	case "draw":
		*that = OutcomeDraw
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOutcome, text)
	}

	return nil
}

// Game is a snapshot of one human-versus-computer match. It holds only value
// fields, so a plain assignment is a full copy.
type Game struct {
	ID      string  `json:"id"`
	Board   Board   `json:"board"`
	Turn    Cell    `json:"turn"`
	Outcome Outcome `json:"outcome"`
	Status  string  `json:"status"`
}

func NewGame(id string) Game {
	return Game{
		ID:      id,
		Turn:    HumanMark,
		Outcome: OutcomeOngoing,
		Status:  StatusAwaitingHuman,
	}
}

func (that Game) IsFinished() bool {
	return that.Status == StatusFinished
}

func (that Game) IsComputing() bool {
	return that.Status == StatusComputing
}

func (that Game) IsAwaitingHuman() bool {
	return that.Status == StatusAwaitingHuman
}
