package game

import (
	"fmt"
	"slices"
	"strings"
)

const (
	tttSide  = 3
	tttCells = tttSide * tttSide

	// TicTacToeFeatureWidth is three 9-cell planes plus the turn bit.
	TicTacToeFeatureWidth = 3*tttCells + 1
)

const (
	markFirst  = 'X'
	markSecond = 'O'
	markEmpty  = '-'
)

// rows, columns, then both diagonals
var tttLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

var tttKeys = newZobrist(tttCells)

// TicTacToe is a 3x3 board mutated in place with a bounded undo stack.
type TicTacToe struct {
	cells   [tttCells]Player
	turn    Player
	history []Move
	legal   []Move
	hash    uint64
}

func NewTicTacToe() *TicTacToe {
	t := &TicTacToe{
		turn:    First,
		history: make([]Move, 0, tttCells),
		hash:    tttKeys.turn,
	}
	t.refreshLegal()
	return t
}

// ParseTicTacToe builds a position from its 9-character key. The side to
// move is inferred from the mark counts and the history starts empty.
func ParseTicTacToe(key string) (*TicTacToe, error) {
	if len(key) != tttCells {
		return nil, fmt.Errorf("%w: want %d cells, got %d", ErrMalformedPosition, tttCells, len(key))
	}

	t := &TicTacToe{history: make([]Move, 0, tttCells)}
	firsts, seconds := 0, 0
	for i := 0; i < tttCells; i++ {
		switch key[i] {
		case markFirst:
			t.cells[i] = First
			t.hash ^= tttKeys.piece(i, First)
			firsts++
		case markSecond:
			t.cells[i] = Second
			t.hash ^= tttKeys.piece(i, Second)
			seconds++
		case markEmpty:
		default:
			return nil, fmt.Errorf("%w: unexpected mark %q at cell %d", ErrMalformedPosition, key[i], i)
		}
	}

	switch firsts - seconds {
	case 0:
		t.turn = First
		t.hash ^= tttKeys.turn
	case 1:
		t.turn = Second
	default:
		return nil, fmt.Errorf("%w: %d X marks against %d O marks", ErrMalformedPosition, firsts, seconds)
	}

	t.refreshLegal()
	return t, nil
}

func (t *TicTacToe) Turn() Player {
	return t.turn
}

func (t *TicTacToe) LegalMoves() []Move {
	return slices.Clone(t.legal)
}

func (t *TicTacToe) ApplyMove(m Move) error {
	if m < 0 || int(m) >= tttCells {
		return fmt.Errorf("%w: cell %d is off the board", ErrIllegalMove, m)
	}
	if t.cells[m] != None {
		return fmt.Errorf("%w: cell %d is occupied", ErrIllegalMove, m)
	}

	t.cells[m] = t.turn
	t.hash ^= tttKeys.piece(int(m), t.turn) ^ tttKeys.turn
	t.history = append(t.history, m)
	t.turn = t.turn.Opponent()
	t.refreshLegal()
	return nil
}

func (t *TicTacToe) UndoLastMove() (Move, error) {
	if len(t.history) == 0 {
		return 0, ErrEmptyHistory
	}

	m := t.history[len(t.history)-1]
	t.history = t.history[:len(t.history)-1]
	t.turn = t.turn.Opponent()
	t.hash ^= tttKeys.piece(int(m), t.turn) ^ tttKeys.turn
	t.cells[m] = None
	t.refreshLegal()
	return m, nil
}

// Result checks every line before the full-board draw, so a completed line
// on a full board is always reported as a win.
func (t *TicTacToe) Result() (Outcome, bool) {
	for _, line := range tttLines {
		p := t.cells[line[0]]
		if p != None && p == t.cells[line[1]] && p == t.cells[line[2]] {
			if p == First {
				return FirstPlayerWin, true
			}
			return SecondPlayerWin, true
		}
	}
	if len(t.legal) == 0 {
		return Draw, true
	}
	return 0, false
}

func (t *TicTacToe) FeatureVector() []float64 {
	fv := make([]float64, TicTacToeFeatureWidth)
	for i, p := range t.cells {
		switch p {
		case First:
			fv[i] = 1
		case Second:
			fv[tttCells+i] = 1
		default:
			fv[2*tttCells+i] = 1
		}
	}
	if t.turn == First {
		fv[TicTacToeFeatureWidth-1] = 1
	}
	return fv
}

func (t *TicTacToe) FeatureWidth() int {
	return TicTacToeFeatureWidth
}

func (t *TicTacToe) PositionKey() string {
	var b strings.Builder
	b.Grow(tttCells)
	for _, p := range t.cells {
		b.WriteByte(mark(p))
	}
	return b.String()
}

func (t *TicTacToe) Hash() uint64 {
	return t.hash
}

func (t *TicTacToe) History() []Move {
	h := make([]Move, len(t.history))
	copy(h, t.history)
	return h
}

func (t *TicTacToe) Clone() State {
	c := *t
	c.history = make([]Move, len(t.history), tttCells)
	copy(c.history, t.history)
	// The legal cache is replaced, never written, and LegalMoves hands out copies.
	return &c
}

func (t *TicTacToe) String() string {
	var b strings.Builder
	for r := 0; r < tttSide; r++ {
		b.WriteByte(' ')
		for c := 0; c < tttSide; c++ {
			cell := r*tttSide + c
			switch t.cells[cell] {
			case First:
				b.WriteByte(markFirst)
			case Second:
				b.WriteByte(markSecond)
			default:
				b.WriteByte(' ')
			}
			if c < tttSide-1 {
				b.WriteByte('|')
			}
		}
		b.WriteByte('\n')
		if r < tttSide-1 {
			b.WriteString("-------\n")
		}
	}
	return b.String()
}

// refreshLegal rebuilds the legal move cache into a fresh slice.
func (t *TicTacToe) refreshLegal() {
	legal := make([]Move, 0, tttCells-len(t.history))
	for i, p := range t.cells {
		if p == None {
			legal = append(legal, Move(i))
		}
	}
	t.legal = legal
}

func mark(p Player) byte {
	switch p {
	case First:
		return markFirst
	case Second:
		return markSecond
	default:
		return markEmpty
	}
}
