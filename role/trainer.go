package role

import (
	"context"
	"errors"
	"fmt"
	"selfplay/agent"
	"selfplay/engine"
	"selfplay/metrics"
	"selfplay/paramserver"
	"selfplay/searcher"
	"selfplay/value"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/exp/rand"
)

type trainer struct {
	p      *Process
	client *paramserver.Client
	net    *value.Network
	trace  *agent.Trace
	search *searcher.Searcher
	agent  *agent.SearchAgent
	env    *engine.Environment
}

func (t *trainer) prepare(ctx context.Context, routes gin.IRoutes) error {
	cfg := t.p.cfg
	t.client = paramserver.NewClient(cfg.Cluster.Holder().Address, cfg.Transport)
	t.net = NewNetwork(cfg.Training)

	// Each trainer explores differently but reproducibly.
	rng := rand.New(rand.NewSource(cfg.Training.Seed + 1 + uint64(t.p.spec.Index)))
	t.trace = &agent.Trace{}
	t.search = searcher.New(t.net.Evaluate,
		searcher.WithDepth(cfg.Training.SearchDepth),
		searcher.WithMetrics(metrics.NewObservedCollector(string(t.p.spec.Role))))
	t.agent = agent.Search(t.search, agent.WithEpsilon(cfg.Training.Epsilon, rng), agent.WithRecorder(t.trace))
	t.env = engine.New(engine.WithRandomOpening(cfg.Training.RandomOpeningProb), engine.WithRand(rng))
	return nil
}

func (t *trainer) run(ctx context.Context) error {
	params, err := t.client.Params(ctx)
	if err != nil {
		if t.p.stopRequested(ctx) {
			return t.p.transition(Stopping)
		}
		return fmt.Errorf("fetch parameters: %w", err)
	}
	if err := t.net.SetParams(params.Params); err != nil {
		return err
	}
	if params.Stop {
		return t.p.transition(Stopping)
	}

	for episodes := 0; ; episodes++ {
		if t.p.stopRequested(ctx) {
			t.p.logger.Info().Int("episodes", episodes).Msg("Stopping between episodes")
			return t.p.transition(Stopping)
		}

		delta, err := t.playEpisode()
		if err != nil {
			return err
		}

		// An episode that finished after a stop signal is still submitted.
		stopping := t.p.stopRequested(ctx)
		if stopping {
			if err := t.p.transition(Stopping); err != nil {
				return err
			}
		}
		res, err := t.client.SubmitUpdate(context.WithoutCancel(ctx), paramserver.UpdateRequest{
			EpisodeID: uuid.NewString(),
			Trainer:   t.p.spec.Index,
			Delta:     delta,
		})
		if errors.Is(err, paramserver.ErrStopped) {
			t.p.logger.Info().Msg("Parameter holder reached the step limit")
			return t.p.transition(Stopping)
		}
		if err != nil {
			return fmt.Errorf("submit update: %w", err)
		}
		if stopping {
			return nil
		}
		if err := t.net.SetParams(res.Params); err != nil {
			return err
		}
		if res.Stop {
			t.p.logger.Info().Int64("step", res.Step).Msg("Step limit reached")
			return t.p.transition(Stopping)
		}
	}
}

// playEpisode plays one self-play game and returns its TD-leaf delta.
func (t *trainer) playEpisode() ([]float64, error) {
	start := time.Now()
	t.trace.Reset()
	outcome, err := t.env.PlaySelfPlay(t.agent)
	if err != nil {
		return nil, fmt.Errorf("self-play: %w", err)
	}

	cfg := t.p.cfg.Training
	delta, err := value.TDLeaf(t.net, t.trace.Leaves, outcome.Reward(), cfg.LearningRate, cfg.Lambda)
	if err != nil {
		return nil, err
	}
	metrics.Episodes.WithLabelValues(string(t.p.spec.Role)).Inc()
	metrics.EpisodeDuration.Observe(time.Since(start).Seconds())
	last := t.search.LastMetric()
	t.p.logger.Debug().
		Int("moves", len(t.trace.Leaves)).
		Int("nodes", last.Nodes).
		Int("leaf_evaluations", last.LeafEvaluations).
		Int("table_hits", last.TableHits).
		Dur("search", last.Duration).
		Msg("Episode finished")
	return delta, nil
}

func (t *trainer) close() error {
	return nil
}
