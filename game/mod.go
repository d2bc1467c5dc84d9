package game

import "errors"

// Move is an action index. For grid games it is the row-major cell index.
type Move int

type Player int8

const (
	None Player = iota
	First
	Second
)

func (p Player) Opponent() Player {
	switch p {
	case First:
		return Second
	case Second:
		return First
	default:
		return None
	}
}

func (p Player) String() string {
	switch p {
	case First:
		return "first"
	case Second:
		return "second"
	default:
		return "none"
	}
}

// Outcome is the result of a terminal position.
type Outcome int8

const (
	FirstPlayerWin Outcome = iota + 1
	SecondPlayerWin
	Draw
)

// Reward scores the outcome from the first player's perspective.
func (o Outcome) Reward() float64 {
	switch o {
	case FirstPlayerWin:
		return 1
	case SecondPlayerWin:
		return -1
	default:
		return 0
	}
}

// Winner returns the winning player, or None for a draw.
func (o Outcome) Winner() Player {
	switch o {
	case FirstPlayerWin:
		return First
	case SecondPlayerWin:
		return Second
	default:
		return None
	}
}

func (o Outcome) String() string {
	switch o {
	case FirstPlayerWin:
		return "first-player-win"
	case SecondPlayerWin:
		return "second-player-win"
	case Draw:
		return "draw"
	default:
		return "undefined"
	}
}

var (
	ErrIllegalMove       = errors.New("illegal move")
	ErrEmptyHistory      = errors.New("no moves to undo")
	ErrMalformedPosition = errors.New("malformed position")
)

// State is a two-player, zero-sum, perfect-information game position that
// is mutated in place and can be rewound move by move. Search code relies on
// ApplyMove followed by UndoLastMove restoring the exact prior position.
type State interface {
	// Turn is the player to move next.
	Turn() Player
	// LegalMoves returns the moves applicable now in a slice the caller owns.
	LegalMoves() []Move
	ApplyMove(m Move) error
	UndoLastMove() (Move, error)
	// Result reports the outcome, with ok false while play continues.
	Result() (outcome Outcome, ok bool)
	FeatureVector() []float64
	FeatureWidth() int
	// PositionKey is a canonical serialization of the board.
	PositionKey() string
	// Hash is a structural 64-bit key of board and side to move.
	Hash() uint64
	History() []Move
	Clone() State
	String() string
}

// Evaluate scores a feature vector from the first player's perspective in [-1, 1].
type Evaluate func(features []float64) (float64, error)
