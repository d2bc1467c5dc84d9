package searcher

import (
	"errors"
	"fmt"
	"math"
	"selfplay/game"
	"selfplay/metrics"
	"selfplay/value"
)

const (
	DefaultDepth     = 1
	DefaultTableSize = 1 << 16
)

var ErrGameOver = errors.New("no move to search in a finished game")

type Option func(s *Searcher)

func WithDepth(depth int) Option {
	return func(s *Searcher) {
		if depth > 0 {
			s.depth = depth
		}
	}
}

// WithTable bounds the transposition table. A size of 0 disables it.
func WithTable(size int) Option {
	return func(s *Searcher) {
		if size <= 0 {
			s.table = nil
			return
		}
		s.table = newTable(size)
	}
}

func WithMetrics(collector metrics.Collector) Option {
	return func(s *Searcher) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// Result is the outcome of one search. Value is from the first player's
// perspective and Leaf is the position at the end of the principal variation.
type Result struct {
	Move  game.Move
	Value float64
	Leaf  value.Leaf
}

// Searcher is a depth-limited alpha-beta minimax. The first player maximises.
// It is not safe for concurrent use.
type Searcher struct {
	depth    int
	evaluate game.Evaluate
	table    *table
	metrics  metrics.Collector
	last     metrics.SearchMetric
}

func New(evaluate game.Evaluate, options ...Option) *Searcher {
	s := &Searcher{ // Default values
		depth:    DefaultDepth,
		evaluate: evaluate,
		table:    newTable(DefaultTableSize),
		metrics:  metrics.NewDummyCollector(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *Searcher) Depth() int {
	return s.depth
}

// LastMetric is what the collector reported when the latest search
// completed. It stays zero with the default dummy collector.
func (s *Searcher) LastMetric() metrics.SearchMetric {
	return s.last
}

// Search explores an owned copy of state by apply/undo; state itself is
// never mutated. The table is cleared on every call because the evaluator's
// parameters may have changed in between.
func (s *Searcher) Search(state game.State) (Result, error) {
	if _, over := state.Result(); over {
		return Result{}, ErrGameOver
	}
	if s.table != nil {
		s.table.clear()
	}

	s.metrics.Start(s.depth)
	defer func() { s.last = s.metrics.Complete() }()

	pos := state.Clone()
	maximizing := pos.Turn() == game.First
	alpha, beta := math.Inf(-1), math.Inf(1)

	var best Result
	found := false
	for _, move := range pos.LegalMoves() {
		if err := pos.ApplyMove(move); err != nil {
			return Result{}, err
		}
		v, leaf, err := s.alphaBeta(pos, s.depth-1, alpha, beta)
		if _, undoErr := pos.UndoLastMove(); undoErr != nil {
			return Result{}, undoErr
		}
		if err != nil {
			return Result{}, err
		}

		if !found || (maximizing && v > best.Value) || (!maximizing && v < best.Value) {
			best = Result{Move: move, Value: v, Leaf: leaf}
			found = true
		}
		if maximizing {
			alpha = math.Max(alpha, best.Value)
		} else {
			beta = math.Min(beta, best.Value)
		}
	}
	if !found {
		return Result{}, ErrGameOver
	}
	return best, nil
}

func (s *Searcher) alphaBeta(pos game.State, depth int, alpha, beta float64) (float64, value.Leaf, error) {
	s.metrics.AddNode()

	if outcome, over := pos.Result(); over {
		r := outcome.Reward()
		return r, value.Leaf{Features: pos.FeatureVector(), Terminal: true, Reward: r}, nil
	}
	if depth <= 0 {
		fv := pos.FeatureVector()
		v, err := s.evaluate(fv)
		if err != nil {
			return 0, value.Leaf{}, fmt.Errorf("evaluate %s: %w", pos.PositionKey(), err)
		}
		s.metrics.AddLeafEvaluation()
		return v, value.Leaf{Features: fv}, nil
	}

	key := pos.Hash()
	if s.table != nil {
		if e, ok := s.table.probe(key, depth); ok {
			if e.bound == exact || (e.bound == lower && e.value >= beta) || (e.bound == upper && e.value <= alpha) {
				s.metrics.AddTableHit()
				return e.value, e.leaf, nil
			}
		}
	}

	alphaOrig, betaOrig := alpha, beta
	maximizing := pos.Turn() == game.First
	best := math.Inf(1)
	if maximizing {
		best = math.Inf(-1)
	}
	var bestLeaf value.Leaf

	for _, move := range pos.LegalMoves() {
		if err := pos.ApplyMove(move); err != nil {
			return 0, value.Leaf{}, err
		}
		v, leaf, err := s.alphaBeta(pos, depth-1, alpha, beta)
		if _, undoErr := pos.UndoLastMove(); undoErr != nil {
			return 0, value.Leaf{}, undoErr
		}
		if err != nil {
			return 0, value.Leaf{}, err
		}

		if maximizing {
			if v > best {
				best, bestLeaf = v, leaf
			}
			alpha = math.Max(alpha, best)
		} else {
			if v < best {
				best, bestLeaf = v, leaf
			}
			beta = math.Min(beta, best)
		}
		if alpha >= beta {
			break
		}
	}

	if s.table != nil {
		b := exact
		switch {
		case best <= alphaOrig:
			b = upper
		case best >= betaOrig:
			b = lower
		}
		s.table.store(key, entry{depth: depth, value: best, bound: b, leaf: bestLeaf})
	}
	return best, bestLeaf, nil
}
