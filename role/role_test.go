package role

import (
	"context"
	"encoding/csv"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"selfplay/checkpoint"
	"selfplay/cluster"
	"selfplay/config"
	"selfplay/engine"
	"selfplay/metrics"
	"selfplay/value"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = l.Addr().String()
		require.NoError(t, l.Close())
	}
	return addrs
}

func testConfig(t *testing.T, trainers, evaluators int) config.Config {
	t.Helper()
	addrs := freeAddrs(t, 1+trainers+evaluators)
	cfg := config.Default()
	cfg.Cluster = cluster.Topology{
		ParameterHolders: addrs[:1],
		Trainers:         addrs[1 : 1+trainers],
		Evaluators:       addrs[1+trainers:],
	}
	cfg.Training.StepLimit = 6
	cfg.Training.CheckpointEvery = 3
	cfg.Training.HiddenUnits = 8
	cfg.Evaluation.Every = 3
	cfg.Evaluation.GamesPerSide = 2
	cfg.Evaluation.PollInterval = 20 * time.Millisecond
	cfg.Evaluation.ReportDir = t.TempDir()
	cfg.Coordinator.CheckpointDir = t.TempDir()
	cfg.Coordinator.AllowFreshStart = true
	cfg.Coordinator.DrainTimeout = time.Second
	cfg.Transport = config.Transport{
		RequestTimeout: time.Second,
		Retry: config.Retry{
			MaxAttempts:     5,
			InitialInterval: 20 * time.Millisecond,
			MaxElapsed:      2 * time.Second,
		},
		BarrierTimeout: 5 * time.Second,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestTransitions(t *testing.T) {
	legal := [][2]State{
		{Starting, Running}, {Starting, Stopping}, {Starting, Failed},
		{Running, Stopping}, {Running, Failed},
		{Stopping, Stopped}, {Stopping, Failed},
	}
	for _, tr := range legal {
		require.True(t, canTransition(tr[0], tr[1]), "%s -> %s should be legal", tr[0], tr[1])
	}
	illegal := [][2]State{
		{Starting, Stopped}, {Running, Starting}, {Running, Stopped},
		{Stopped, Running}, {Failed, Running}, {Stopping, Running},
	}
	for _, tr := range illegal {
		require.False(t, canTransition(tr[0], tr[1]), "%s -> %s should be illegal", tr[0], tr[1])
	}

	cfg := testConfig(t, 1, 0)
	p, err := New(cfg, cfg.Cluster.Holder())
	require.NoError(t, err)
	require.Equal(t, Starting, p.State())
	require.ErrorIs(t, p.transition(Stopped), ErrInvalidTransition)
	require.NoError(t, p.transition(Running))
	require.NoError(t, p.transition(Stopping))
	require.NoError(t, p.transition(Stopped))
	require.True(t, p.State().Terminal())

	_, err = New(cfg, cluster.Spec{Role: "learner"})
	require.ErrorIs(t, err, cluster.ErrInvalidTopology)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, 1, 0)

	t.Run("missing checkpoint is fatal without fresh start", func(t *testing.T) {
		store, err := checkpoint.NewFileStore(t.TempDir())
		require.NoError(t, err)
		strict := cfg
		strict.Coordinator.AllowFreshStart = false
		_, _, _, err = Restore(ctx, store, strict)
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("fresh start is seeded", func(t *testing.T) {
		store, err := checkpoint.NewFileStore(t.TempDir())
		require.NoError(t, err)
		a, step, fresh, err := Restore(ctx, store, cfg)
		require.NoError(t, err)
		require.True(t, fresh)
		require.Zero(t, step)
		require.Equal(t, NewNetwork(cfg.Training).Params(), a.Params())
	})

	t.Run("corrupt checkpoint is fatal without fresh start", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.ckpt"), []byte("junk"), 0644))
		store, err := checkpoint.NewFileStore(dir)
		require.NoError(t, err)
		strict := cfg
		strict.Coordinator.AllowFreshStart = false
		_, _, _, err = Restore(ctx, store, strict)
		require.ErrorIs(t, err, checkpoint.ErrCorrupt)
	})

	t.Run("restoring twice is identical", func(t *testing.T) {
		store, err := checkpoint.NewFileStore(t.TempDir())
		require.NoError(t, err)
		saved := NewNetwork(cfg.Training)
		data, err := saved.MarshalBinary()
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, checkpoint.Checkpoint{Step: 42, Params: data}))

		a, stepA, freshA, err := Restore(ctx, store, cfg)
		require.NoError(t, err)
		b, stepB, _, err := Restore(ctx, store, cfg)
		require.NoError(t, err)
		require.False(t, freshA)
		require.Equal(t, int64(42), stepA)
		require.Equal(t, stepA, stepB)
		require.Equal(t, a.Params(), b.Params())
	})

	t.Run("network of another width", func(t *testing.T) {
		store, err := checkpoint.NewFileStore(t.TempDir())
		require.NoError(t, err)
		data, err := value.NewNetwork(5, 3, rand.New(rand.NewSource(1))).MarshalBinary()
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, checkpoint.Checkpoint{Step: 1, Params: data}))
		_, _, _, err = Restore(ctx, store, cfg)
		require.ErrorIs(t, err, value.ErrDimensionMismatch)
	})
}

func TestEvaluateIsReproducible(t *testing.T) {
	cfg := testConfig(t, 1, 0)
	cfg.Evaluation.GamesPerSide = 5
	network := NewNetwork(cfg.Training)

	a, err := Evaluate(network, cfg, 3)
	require.NoError(t, err)
	b, err := Evaluate(network, cfg, 3)
	require.NoError(t, err)
	require.Equal(t, a, b, "Same parameters and test index should replay the same games")
	require.Equal(t, 3, a.TestIndex)
	require.Equal(t, 5, a.First.Games())
	require.Equal(t, 5, a.Second.Games())
}

func TestEvaluateReferenceTable(t *testing.T) {
	cfg := testConfig(t, 1, 0)
	cfg.Training.Seed = 1
	cfg.Training.HiddenUnits = 8
	cfg.Training.SearchDepth = 1
	cfg.Evaluation.GamesPerSide = 5
	network := NewNetwork(cfg.Training)

	tests := []struct {
		testIdx int
		want    engine.Report
	}{
		{0, engine.Report{
			TestIndex: 0,
			First:     engine.SideResult{Win: 3, Draw: 1, Loss: 1},
			Second:    engine.SideResult{Win: 3, Loss: 2},
		}},
		{3, engine.Report{
			TestIndex: 3,
			First:     engine.SideResult{Win: 3, Draw: 1, Loss: 1},
			Second:    engine.SideResult{Win: 4, Loss: 1},
		}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("test index %d", tt.testIdx), func(t *testing.T) {
			report, err := Evaluate(network, cfg, tt.testIdx)
			require.NoError(t, err)
			require.Equal(t, tt.want, report, "Greedy agent against the seeded random opponent")
		})
	}
}

func TestBarrier(t *testing.T) {
	t.Run("unreachable peer fails the process", func(t *testing.T) {
		cfg := testConfig(t, 1, 0)
		cfg.Transport.BarrierTimeout = 200 * time.Millisecond
		spec, err := cfg.Cluster.Lookup(cluster.Trainer, 0)
		require.NoError(t, err)
		p, err := New(cfg, spec)
		require.NoError(t, err)

		err = p.Run(context.Background())
		require.Error(t, err)
		require.Equal(t, Failed, p.State())
		require.Equal(t, err, p.Err())
	})

	t.Run("stop over HTTP during the barrier", func(t *testing.T) {
		cfg := testConfig(t, 1, 0)
		cfg.Transport.BarrierTimeout = time.Minute
		p, err := New(cfg, cfg.Cluster.Holder())
		require.NoError(t, err)

		errc := make(chan error, 1)
		go func() { errc <- p.Run(context.Background()) }()

		url := "http://" + cfg.Cluster.Holder().Address
		require.Eventually(t, func() bool {
			resp, err := http.Get(url + StatusPath)
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)

		resp, err := http.Post(url+StopPath, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Process did not stop")
		}
		require.Equal(t, Stopped, p.State())
	})
}

func TestClusterRunsToLimit(t *testing.T) {
	cfg := testConfig(t, 2, 1)
	trainerLeaves := metrics.SearchLeafEvaluations.WithLabelValues(string(cluster.Trainer))
	evaluatorLeaves := metrics.SearchLeafEvaluations.WithLabelValues(string(cluster.Evaluator))
	beforeTrainer, beforeEvaluator := testutil.ToFloat64(trainerLeaves), testutil.ToFloat64(evaluatorLeaves)
	var procs []*Process
	for _, spec := range cfg.Cluster.Specs() {
		p, err := New(cfg, spec)
		require.NoError(t, err)
		procs = append(procs, p)
	}

	errs := make(chan error, len(procs))
	for _, p := range procs {
		go func(p *Process) { errs <- p.Run(context.Background()) }(p)
	}
	for range procs {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Fatal("Cluster did not finish")
		}
	}
	for _, p := range procs {
		require.Equal(t, Stopped, p.State(), "%s should stop cleanly", p.Spec())
	}

	store, err := checkpoint.NewFileStore(cfg.Coordinator.CheckpointDir)
	require.NoError(t, err)
	cp, err := store.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, cfg.Training.StepLimit, cp.Step, "The final checkpoint is at the step limit")

	require.FileExists(t, filepath.Join(cfg.Evaluation.ReportDir, "evaluator-0", "reports.csv"))
	require.Greater(t, testutil.ToFloat64(trainerLeaves), beforeTrainer, "Trainer searches are observed")
	require.Greater(t, testutil.ToFloat64(evaluatorLeaves), beforeEvaluator, "Evaluator searches are observed")
}

func TestHolderOutlivesSlowEvaluator(t *testing.T) {
	cfg := testConfig(t, 1, 1)
	cfg.Training.StepLimit = 6
	cfg.Evaluation.Every = 1
	cfg.Evaluation.GamesPerSide = 3000
	cfg.Coordinator.DrainTimeout = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())

	var procs []*Process
	for _, spec := range cfg.Cluster.Specs() {
		p, err := New(cfg, spec)
		require.NoError(t, err)
		procs = append(procs, p)
	}
	errs := make(chan error, len(procs))
	for _, p := range procs {
		go func(p *Process) { errs <- p.Run(context.Background()) }(p)
	}
	for range procs {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(60 * time.Second):
			t.Fatal("Cluster did not finish")
		}
	}
	for _, p := range procs {
		require.Equal(t, Stopped, p.State(), "%s should stop cleanly", p.Spec())
	}

	f, err := os.Open(filepath.Join(cfg.Evaluation.ReportDir, "evaluator-0", "reports.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Greater(t, len(rows), 1)
	require.Equal(t, "6", rows[len(rows)-1][1], "The final evaluation measures the step limit")
}
