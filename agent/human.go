package agent

import (
	"bufio"
	"fmt"
	"io"
	"selfplay/engine"
	"selfplay/game"
	"slices"
	"strconv"
	"strings"
)

type human struct {
	in  *bufio.Scanner
	out io.Writer
}

// Human prompts on out for a cell index and reads it from in until a legal
// move is entered.
func Human(in io.Reader, out io.Writer) engine.Policy {
	return &human{in: bufio.NewScanner(in), out: out}
}

func (h *human) FindMove(env *engine.Environment) (game.Move, error) {
	moves := env.LegalMoves()
	fmt.Fprintf(h.out, "%s\n", env.State())
	for {
		fmt.Fprintf(h.out, "%s to move %v: ", env.Turn(), moves)
		if !h.in.Scan() {
			if err := h.in.Err(); err != nil {
				return 0, err
			}
			return 0, io.ErrUnexpectedEOF
		}

		n, err := strconv.Atoi(strings.TrimSpace(h.in.Text()))
		if err != nil {
			fmt.Fprintln(h.out, "Enter a cell number.")
			continue
		}
		if !slices.Contains(moves, game.Move(n)) {
			fmt.Fprintf(h.out, "Cell %d is not available.\n", n)
			continue
		}
		return game.Move(n), nil
	}
}
