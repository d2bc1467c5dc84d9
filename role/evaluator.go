package role

import (
	"context"
	"fmt"
	"path/filepath"
	"selfplay/agent"
	"selfplay/cluster"
	"selfplay/config"
	"selfplay/engine"
	"selfplay/metrics"
	"selfplay/paramserver"
	"selfplay/searcher"
	"selfplay/value"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/rand"
)

// Evaluate plays the greedy search agent with net against a random opponent,
// gamesPerSide games as each side. The opponent and the environment are
// seeded with seed+testIdx so a given test index always replays the same
// games for the same parameters.
func Evaluate(net value.Function, cfg config.Config, testIdx int) (engine.Report, error) {
	seed := cfg.Training.Seed + uint64(testIdx)
	s := searcher.New(net.Evaluate,
		searcher.WithDepth(cfg.Training.SearchDepth),
		searcher.WithMetrics(metrics.NewObservedCollector(string(cluster.Evaluator))))
	greedy := agent.Search(s)
	opponent := agent.Random(rand.New(rand.NewSource(seed)))
	env := engine.New(engine.WithRand(rand.New(rand.NewSource(seed))))
	return env.Test(greedy, opponent, testIdx, cfg.Evaluation.GamesPerSide)
}

type evaluator struct {
	p      *Process
	client *paramserver.Client
	net    *value.Network
	writer *metrics.Writer

	testIdx       int
	next          int64
	lastEvaluated int64
}

func (e *evaluator) prepare(ctx context.Context, routes gin.IRoutes) error {
	cfg := e.p.cfg
	writer, err := metrics.NewWriter(filepath.Join(cfg.Evaluation.ReportDir, fmt.Sprintf("evaluator-%d", e.p.spec.Index)))
	if err != nil {
		return err
	}
	e.writer = writer
	e.client = paramserver.NewClient(cfg.Cluster.Holder().Address, cfg.Transport)
	e.net = NewNetwork(cfg.Training)
	e.next = -1
	e.lastEvaluated = -1
	return nil
}

func (e *evaluator) run(ctx context.Context) error {
	every := e.p.cfg.Evaluation.Every
	ticker := time.NewTicker(e.p.cfg.Evaluation.PollInterval)
	defer ticker.Stop()

	for {
		params, err := e.client.Params(ctx)
		if err != nil {
			if e.p.stopRequested(ctx) {
				return e.p.transition(Stopping)
			}
			return fmt.Errorf("poll parameters: %w", err)
		}
		if e.next < 0 {
			e.next = (params.Step/every + 1) * every
		}

		due := params.Step >= e.next || (params.Stop && params.Step != e.lastEvaluated)
		if due {
			if err := e.evaluate(params); err != nil {
				return err
			}
		}
		if params.Stop {
			e.p.logger.Info().Int64("step", params.Step).Msg("Training finished")
			return e.p.transition(Stopping)
		}

		select {
		case <-ticker.C:
		case <-e.p.stop:
		case <-ctx.Done():
		}
		if e.p.stopRequested(ctx) {
			return e.p.transition(Stopping)
		}
	}
}

func (e *evaluator) evaluate(params paramserver.ParamsResponse) error {
	if err := e.net.SetParams(params.Params); err != nil {
		return err
	}
	report, err := Evaluate(e.net, e.p.cfg, e.testIdx)
	if err != nil {
		return fmt.Errorf("evaluation %d: %w", e.testIdx, err)
	}

	e.p.logger.Info().
		Int("test", report.TestIndex).
		Int64("step", params.Step).
		Int("first_win", report.First.Win).Int("first_draw", report.First.Draw).Int("first_loss", report.First.Loss).
		Int("second_win", report.Second.Win).Int("second_draw", report.Second.Draw).Int("second_loss", report.Second.Loss).
		Msg("Evaluation report")
	metrics.ObserveReport(report)
	metrics.Episodes.WithLabelValues(string(e.p.spec.Role)).Add(float64(report.First.Games() + report.Second.Games()))
	if err := e.writer.WriteRecord(metrics.Record{Step: params.Step, Time: time.Now(), Report: report}); err != nil {
		return err
	}

	e.testIdx++
	e.lastEvaluated = params.Step
	e.next = (params.Step/e.p.cfg.Evaluation.Every + 1) * e.p.cfg.Evaluation.Every
	return nil
}

func (e *evaluator) close() error {
	return nil
}
