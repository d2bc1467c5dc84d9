package agent

import (
	"fmt"
	"selfplay/engine"
	"selfplay/game"
	"selfplay/searcher"
	"selfplay/value"

	"golang.org/x/exp/rand"
)

// Trace collects the principal leaf of every position searched in an episode.
type Trace struct {
	Leaves []value.Leaf
}

func (t *Trace) Reset() {
	t.Leaves = t.Leaves[:0]
}

type Option func(a *SearchAgent)

// WithEpsilon plays a uniformly random move with probability eps.
func WithEpsilon(eps float64, r *rand.Rand) Option {
	return func(a *SearchAgent) {
		a.epsilon = eps
		a.rng = r
	}
}

func WithRecorder(trace *Trace) Option {
	return func(a *SearchAgent) {
		a.trace = trace
	}
}

// SearchAgent plays the searcher's best move. Without options it is the
// greedy agent used for evaluation.
type SearchAgent struct {
	searcher *searcher.Searcher
	epsilon  float64
	rng      *rand.Rand
	trace    *Trace
}

func Search(s *searcher.Searcher, options ...Option) *SearchAgent {
	a := &SearchAgent{searcher: s}
	for _, option := range options {
		option(a)
	}
	return a
}

// FindMove searches even when exploring so the recorded trace covers every
// position the agent moved in.
func (a *SearchAgent) FindMove(env *engine.Environment) (game.Move, error) {
	res, err := a.searcher.Search(env.State())
	if err != nil {
		return 0, fmt.Errorf("search %s: %w", env.State().PositionKey(), err)
	}
	if a.trace != nil {
		a.trace.Leaves = append(a.trace.Leaves, res.Leaf)
	}

	if a.rng != nil && a.epsilon > 0 && a.rng.Float64() < a.epsilon {
		moves := env.LegalMoves()
		return moves[a.rng.Intn(len(moves))], nil
	}
	return res.Move, nil
}
