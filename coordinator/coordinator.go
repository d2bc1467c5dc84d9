package coordinator

import (
	"context"
	"errors"
	"fmt"
	"selfplay/checkpoint"
	"selfplay/cluster"
	"selfplay/config"
	"selfplay/role"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrNotLaunched = errors.New("cluster not launched")

// RoleError labels a process failure with the process that failed.
type RoleError struct {
	Role    cluster.Role
	Index   int
	Address string
	Err     error
}

func newRoleError(spec cluster.Spec, err error) *RoleError {
	return &RoleError{Role: spec.Role, Index: spec.Index, Address: spec.Address, Err: err}
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("%s %d at %s: %v", e.Role, e.Index, e.Address, e.Err)
}

func (e *RoleError) Unwrap() error {
	return e.Err
}

// Resume is the starting state every process agrees on.
type Resume struct {
	Step   int64
	Fresh  bool
	Params []float64
}

type Coordinator struct {
	cfg      config.Config
	launcher Launcher
	logger   zerolog.Logger

	mu      sync.Mutex
	holder  Handle
	workers []Handle
	cancel  context.CancelFunc
	stopped bool
	stop    chan struct{}
}

func New(cfg config.Config, launcher Launcher) *Coordinator {
	if launcher == nil {
		launcher = InProcessLauncher{}
	}
	return &Coordinator{
		cfg:      cfg,
		launcher: launcher,
		logger:   log.With().Str("component", "coordinator").Logger(),
		stop:     make(chan struct{}),
	}
}

// ResumeFromCheckpoint reads the starting state from location without
// changing it, so calling it twice gives the same answer.
func (c *Coordinator) ResumeFromCheckpoint(ctx context.Context, location string) (Resume, error) {
	store, err := checkpoint.Open(c.cfg.Coordinator.CheckpointBackend, location)
	if err != nil {
		return Resume{}, fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	cfg := c.cfg
	cfg.Coordinator.CheckpointDir = location
	net, step, fresh, err := role.Restore(ctx, store, cfg)
	if err != nil {
		return Resume{}, err
	}
	return Resume{Step: step, Fresh: fresh, Params: net.Params()}, nil
}

// Launch starts the parameter holder, then the trainers and evaluators, each
// role staggered by the configured delay.
func (c *Coordinator) Launch(ctx context.Context, topology cluster.Topology, location string) error {
	c.cfg.Cluster = topology
	c.cfg.Coordinator.CheckpointDir = location
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	resume, err := c.ResumeFromCheckpoint(ctx, location)
	if err != nil {
		return err
	}
	c.logger.Info().Int64("step", resume.Step).Bool("fresh", resume.Fresh).Str("checkpoint", location).Msg("Launching cluster")

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	holder, err := c.launcher.Launch(runCtx, c.cfg, topology.Holder())
	if err != nil {
		cancel()
		return newRoleError(topology.Holder(), err)
	}
	c.mu.Lock()
	c.holder = holder
	c.mu.Unlock()

	for _, r := range []cluster.Role{cluster.Trainer, cluster.Evaluator} {
		for _, spec := range topology.Specs() {
			if spec.Role != r {
				continue
			}
			if spec.Index > 0 && !c.wait(ctx, c.cfg.Coordinator.Stagger) {
				c.logger.Info().Msg("Launch interrupted")
				return nil
			}
			h, err := c.launcher.Launch(runCtx, c.cfg, spec)
			if err != nil {
				c.Stop()
				if werr := c.AwaitCompletion(); werr != nil {
					c.logger.Warn().Err(werr).Msg("Shutdown after failed launch")
				}
				return newRoleError(spec, err)
			}
			c.logger.Info().Str("process", spec.String()).Msg("Launched")
			c.mu.Lock()
			c.workers = append(c.workers, h)
			stopped := c.stopped
			c.mu.Unlock()
			if stopped {
				h.Stop()
			}
		}
	}
	return nil
}

func (c *Coordinator) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// AwaitCompletion blocks until every launched process has exited. The first
// worker failure stops the others and is returned as a *RoleError. The
// holder is stopped once the workers are done.
func (c *Coordinator) AwaitCompletion() error {
	c.mu.Lock()
	holder, workers, cancel := c.holder, append([]Handle(nil), c.workers...), c.cancel
	c.mu.Unlock()
	if holder == nil {
		return ErrNotLaunched
	}
	defer cancel()

	g, gctx := errgroup.WithContext(context.Background())
	for _, w := range workers {
		g.Go(func() error {
			<-w.Done()
			if err := w.Err(); err != nil {
				return newRoleError(w.Spec(), err)
			}
			return nil
		})
	}
	workersDone := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.Done()
		}
		close(workersDone)
	}()
	// A holder that dies early fails the run like any worker.
	g.Go(func() error {
		select {
		case <-holder.Done():
			if err := holder.Err(); err != nil {
				return newRoleError(holder.Spec(), err)
			}
		case <-workersDone:
		case <-gctx.Done():
		}
		return nil
	})
	go func() {
		<-gctx.Done()
		for _, w := range workers {
			w.Stop()
		}
	}()

	err := g.Wait()
	if err != nil {
		c.logger.Error().Err(err).Msg("Process failed")
	}

	holder.Stop()
	<-holder.Done()
	if herr := holder.Err(); err == nil && herr != nil {
		err = newRoleError(holder.Spec(), herr)
	}
	if err == nil {
		c.logger.Info().Msg("All processes stopped")
	}
	return err
}

// Stop signals every worker. The holder keeps serving until they are done.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.stop)
	}
	workers := append([]Handle(nil), c.workers...)
	c.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
}
