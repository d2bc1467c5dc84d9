package coordinator

import (
	"context"
	"errors"
	"net"
	"selfplay/checkpoint"
	"selfplay/cluster"
	"selfplay/config"
	"selfplay/paramserver"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
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
	cfg.Coordinator.Stagger = 10 * time.Millisecond
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

type fakeHandle struct {
	spec     cluster.Spec
	launcher *fakeLauncher
	once     sync.Once
	done     chan struct{}
	err      error
}

func (h *fakeHandle) Spec() cluster.Spec    { return h.spec }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Err() error            { return h.err }

func (h *fakeHandle) Stop() {
	h.once.Do(func() {
		h.launcher.record(&h.launcher.stops, h.spec)
		close(h.done)
	})
}

// fakeLauncher starts handles that exit when stopped, or on their own
// with the error configured for their spec.
type fakeLauncher struct {
	launchErr map[cluster.Spec]error
	exitErr   map[cluster.Spec]error

	mu       sync.Mutex
	launches []cluster.Spec
	times    []time.Time
	stops    []cluster.Spec
}

func (l *fakeLauncher) record(into *[]cluster.Spec, spec cluster.Spec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*into = append(*into, spec)
}

func (l *fakeLauncher) Launch(ctx context.Context, cfg config.Config, spec cluster.Spec) (Handle, error) {
	if err := l.launchErr[spec]; err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.launches = append(l.launches, spec)
	l.times = append(l.times, time.Now())
	l.mu.Unlock()

	h := &fakeHandle{spec: spec, launcher: l, done: make(chan struct{})}
	if err := l.exitErr[spec]; err != nil {
		go func() {
			time.Sleep(20 * time.Millisecond)
			h.once.Do(func() {
				h.err = err
				close(h.done)
			})
		}()
	}
	return h, nil
}

func (l *fakeLauncher) snapshot() (launches, stops []cluster.Spec, times []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cluster.Spec(nil), l.launches...), append([]cluster.Spec(nil), l.stops...), append([]time.Time(nil), l.times...)
}

func fakeTopology() cluster.Topology {
	return cluster.Topology{
		ParameterHolders: []string{"127.0.0.1:7500"},
		Trainers:         []string{"127.0.0.1:7501", "127.0.0.1:7502"},
		Evaluators:       []string{"127.0.0.1:7503"},
	}
}

func TestRoleError(t *testing.T) {
	cause := errors.New("boom")
	var err error = newRoleError(cluster.Spec{Role: cluster.Trainer, Index: 1, Address: "127.0.0.1:7402"}, cause)
	require.Equal(t, "trainer 1 at 127.0.0.1:7402: boom", err.Error())
	require.ErrorIs(t, err, cause)

	var roleErr *RoleError
	require.ErrorAs(t, err, &roleErr)
	require.Equal(t, cluster.Trainer, roleErr.Role)
	require.Equal(t, 1, roleErr.Index)
}

func TestAwaitBeforeLaunch(t *testing.T) {
	c := New(testConfig(t, 1, 0), &fakeLauncher{})
	require.ErrorIs(t, c.AwaitCompletion(), ErrNotLaunched)
}

func TestLaunchOrder(t *testing.T) {
	cfg := testConfig(t, 1, 0)
	cfg.Coordinator.Stagger = 50 * time.Millisecond
	topology := fakeTopology()
	l := &fakeLauncher{}
	c := New(cfg, l)

	require.NoError(t, c.Launch(context.Background(), topology, cfg.Coordinator.CheckpointDir))
	c.Stop()
	require.NoError(t, c.AwaitCompletion())

	launches, stops, times := l.snapshot()
	require.Equal(t, topology.Specs(), launches, "Holder first, then trainers, then evaluators")
	require.GreaterOrEqual(t, times[2].Sub(times[1]), cfg.Coordinator.Stagger, "Trainers are staggered")
	require.Len(t, stops, 4)
	require.Equal(t, topology.Holder(), stops[len(stops)-1], "The holder is stopped last")
}

func TestWorkerFailure(t *testing.T) {
	cfg := testConfig(t, 1, 0)
	topology := fakeTopology()
	failing, err := topology.Lookup(cluster.Trainer, 1)
	require.NoError(t, err)
	cause := errors.New("trainer crashed")
	l := &fakeLauncher{exitErr: map[cluster.Spec]error{failing: cause}}
	c := New(cfg, l)

	require.NoError(t, c.Launch(context.Background(), topology, cfg.Coordinator.CheckpointDir))
	err = c.AwaitCompletion()
	require.ErrorIs(t, err, cause)

	var roleErr *RoleError
	require.ErrorAs(t, err, &roleErr)
	require.Equal(t, cluster.Trainer, roleErr.Role)
	require.Equal(t, 1, roleErr.Index)
	require.Equal(t, failing.Address, roleErr.Address)

	_, stops, _ := l.snapshot()
	require.Contains(t, stops, cluster.Spec{Role: cluster.Trainer, Index: 0, Address: topology.Trainers[0]})
	require.Contains(t, stops, cluster.Spec{Role: cluster.Evaluator, Index: 0, Address: topology.Evaluators[0]})
	require.Equal(t, topology.Holder(), stops[len(stops)-1])
}

func TestLaunchFailure(t *testing.T) {
	cfg := testConfig(t, 1, 0)
	topology := fakeTopology()
	broken, err := topology.Lookup(cluster.Evaluator, 0)
	require.NoError(t, err)
	cause := errors.New("no such binary")
	l := &fakeLauncher{launchErr: map[cluster.Spec]error{broken: cause}}
	c := New(cfg, l)

	err = c.Launch(context.Background(), topology, cfg.Coordinator.CheckpointDir)
	require.ErrorIs(t, err, cause)
	var roleErr *RoleError
	require.ErrorAs(t, err, &roleErr)
	require.Equal(t, cluster.Evaluator, roleErr.Role)

	launches, stops, _ := l.snapshot()
	require.ElementsMatch(t, launches, stops, "Every launched process is stopped")
	require.Equal(t, topology.Holder(), stops[len(stops)-1])
}

func TestLaunchValidation(t *testing.T) {
	cfg := testConfig(t, 1, 0)

	t.Run("invalid topology", func(t *testing.T) {
		l := &fakeLauncher{}
		topology := fakeTopology()
		topology.Trainers = nil
		err := New(cfg, l).Launch(context.Background(), topology, cfg.Coordinator.CheckpointDir)
		require.ErrorIs(t, err, config.ErrInvalidConfig)
		launches, _, _ := l.snapshot()
		require.Empty(t, launches)
	})

	t.Run("barrier shorter than the staggered launch", func(t *testing.T) {
		slow := cfg
		slow.Coordinator.Stagger = time.Minute
		l := &fakeLauncher{}
		err := New(slow, l).Launch(context.Background(), fakeTopology(), slow.Coordinator.CheckpointDir)
		require.ErrorIs(t, err, config.ErrInvalidConfig)
		launches, _, _ := l.snapshot()
		require.Empty(t, launches)
	})

	t.Run("missing checkpoint without fresh start", func(t *testing.T) {
		strict := cfg
		strict.Coordinator.AllowFreshStart = false
		l := &fakeLauncher{}
		err := New(strict, l).Launch(context.Background(), fakeTopology(), t.TempDir())
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
		launches, _, _ := l.snapshot()
		require.Empty(t, launches, "Nothing is launched without a starting state")
	})
}

func TestRunToLimit(t *testing.T) {
	cfg := testConfig(t, 2, 1)
	c := New(cfg, nil)
	location := cfg.Coordinator.CheckpointDir

	require.NoError(t, c.Launch(context.Background(), cfg.Cluster, location))
	done := make(chan error, 1)
	go func() { done <- c.AwaitCompletion() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(60 * time.Second):
		t.Fatal("Cluster did not finish")
	}

	a, err := c.ResumeFromCheckpoint(context.Background(), location)
	require.NoError(t, err)
	b, err := c.ResumeFromCheckpoint(context.Background(), location)
	require.NoError(t, err)
	require.False(t, a.Fresh)
	require.Equal(t, cfg.Training.StepLimit, a.Step)
	require.Equal(t, a, b, "Resuming does not change the checkpoint")
}

func TestStopMidRun(t *testing.T) {
	cfg := testConfig(t, 1, 0)
	cfg.Training.StepLimit = 100000
	cfg.Training.CheckpointEvery = 100000
	c := New(cfg, nil)
	location := cfg.Coordinator.CheckpointDir

	require.NoError(t, c.Launch(context.Background(), cfg.Cluster, location))

	client := paramserver.NewClient(cfg.Cluster.Holder().Address, cfg.Transport)
	var step int64
	require.Eventually(t, func() bool {
		params, err := client.Params(context.Background())
		if err != nil {
			return false
		}
		step = params.Step
		return step >= 2
	}, 30*time.Second, 20*time.Millisecond)

	c.Stop()
	require.NoError(t, c.AwaitCompletion())

	resume, err := c.ResumeFromCheckpoint(context.Background(), location)
	require.NoError(t, err)
	require.GreaterOrEqual(t, resume.Step, step, "Updates accepted before the stop are checkpointed")
	require.Less(t, resume.Step, cfg.Training.StepLimit)
}
