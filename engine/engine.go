package engine

import (
	"fmt"
	"selfplay/game"

	"golang.org/x/exp/rand"
)

// RandomOpeningPlies is the number of random plies applied by a randomized reset.
const RandomOpeningPlies = 2

// Policy selects a move for the player to move in env. Implementations must
// not leave env mutated when they return.
type Policy interface {
	FindMove(env *Environment) (game.Move, error)
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(env *Environment) (game.Move, error)

func (f PolicyFunc) FindMove(env *Environment) (game.Move, error) {
	return f(env)
}

type Option func(env *Environment)

// WithRandomOpening makes Reset apply RandomOpeningPlies random moves with the given probability.
func WithRandomOpening(probability float64) Option {
	return func(env *Environment) {
		if probability > 0 {
			env.openingProb = probability
		}
	}
}

func WithRand(r *rand.Rand) Option {
	return func(env *Environment) {
		if r != nil {
			env.rng = r
		}
	}
}

// WithFactory sets the constructor used for fresh positions.
func WithFactory(factory func() game.State) Option {
	return func(env *Environment) {
		if factory != nil {
			env.factory = factory
		}
	}
}

// Environment wraps one game state. All game progress lives in the state;
// the environment only adds configuration.
type Environment struct {
	state       game.State
	factory     func() game.State
	openingProb float64
	rng         *rand.Rand
}

func New(options ...Option) *Environment {
	env := &Environment{ // Default values
		factory: func() game.State { return game.NewTicTacToe() },
		rng:     rand.New(rand.NewSource(1)),
	}
	for _, option := range options {
		option(env)
	}
	env.state = env.factory()
	return env
}

// Reset starts a fresh position, possibly advanced by a random opening.
func (e *Environment) Reset() error {
	e.state = e.factory()
	if e.openingProb <= 0 || e.rng.Float64() >= e.openingProb {
		return nil
	}
	for i := 0; i < RandomOpeningPlies; i++ {
		moves := e.state.LegalMoves()
		if len(moves) == 0 {
			break
		}
		if err := e.state.ApplyMove(moves[e.rng.Intn(len(moves))]); err != nil {
			return fmt.Errorf("random opening: %w", err)
		}
	}
	return nil
}

// ResetTo adopts state directly, used to resume at an arbitrary position.
func (e *Environment) ResetTo(state game.State) {
	e.state = state
}

func (e *Environment) State() game.State {
	return e.state
}

func (e *Environment) Turn() game.Player {
	return e.state.Turn()
}

func (e *Environment) LegalMoves() []game.Move {
	return e.state.LegalMoves()
}

// Reward is the first player's reward, defined only when the game is over.
func (e *Environment) Reward() (float64, bool) {
	outcome, over := e.state.Result()
	if !over {
		return 0, false
	}
	return outcome.Reward(), true
}

func (e *Environment) FeatureVector() []float64 {
	return e.state.FeatureVector()
}

func (e *Environment) FeatureWidth() int {
	return e.state.FeatureWidth()
}

// ApplyMove plays m after checking it against the legal move set.
func (e *Environment) ApplyMove(m game.Move) error {
	legal := false
	for _, lm := range e.state.LegalMoves() {
		if lm == m {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("%w: %d not in %v", game.ErrIllegalMove, m, e.state.LegalMoves())
	}
	return e.state.ApplyMove(m)
}
