package agent

import (
	"selfplay/engine"
	"selfplay/game"

	"golang.org/x/exp/rand"
)

// Random picks uniformly among the legal moves.
func Random(r *rand.Rand) engine.Policy {
	return engine.PolicyFunc(func(env *engine.Environment) (game.Move, error) {
		moves := env.LegalMoves()
		if len(moves) == 0 {
			return 0, game.ErrIllegalMove
		}
		return moves[r.Intn(len(moves))], nil
	})
}

// FirstLegal always plays the lowest legal move.
var FirstLegal engine.Policy = engine.PolicyFunc(func(env *engine.Environment) (game.Move, error) {
	moves := env.LegalMoves()
	if len(moves) == 0 {
		return 0, game.ErrIllegalMove
	}
	return moves[0], nil
})
