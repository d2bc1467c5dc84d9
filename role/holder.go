package role

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"selfplay/checkpoint"
	"selfplay/cluster"
	"selfplay/config"
	"selfplay/game"
	"selfplay/paramserver"
	"selfplay/value"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/rand"
)

// Restore loads the value network and global step from the latest
// checkpoint. A missing or unreadable checkpoint is an error unless fresh
// starts are allowed, in which case a seeded network at step zero is
// returned and fresh is set.
func Restore(ctx context.Context, store checkpoint.Store, cfg config.Config) (net *value.Network, step int64, fresh bool, err error) {
	cp, err := store.Latest(ctx)
	if err == nil {
		net, err = value.DecodeNetwork(cp.Params)
		if err != nil {
			err = fmt.Errorf("%w: %v", checkpoint.ErrCorrupt, err)
		}
	}
	if err == nil {
		if net.Width() != game.TicTacToeFeatureWidth {
			return nil, 0, false, fmt.Errorf("%w: checkpoint expects %d features, game produces %d",
				value.ErrDimensionMismatch, net.Width(), game.TicTacToeFeatureWidth)
		}
		return net, cp.Step, false, nil
	}

	if !errors.Is(err, checkpoint.ErrNotFound) && !errors.Is(err, checkpoint.ErrCorrupt) {
		return nil, 0, false, err
	}
	if !cfg.Coordinator.AllowFreshStart {
		return nil, 0, false, fmt.Errorf("resume from checkpoint: %w (allow_fresh_start is off)", err)
	}
	return NewNetwork(cfg.Training), 0, true, nil
}

// NewNetwork is the seeded starting network every role agrees on.
func NewNetwork(cfg config.Training) *value.Network {
	return value.NewNetwork(game.TicTacToeFeatureWidth, cfg.HiddenUnits, rand.New(rand.NewSource(cfg.Seed)))
}

const drainPollInterval = 50 * time.Millisecond

type holderRunner struct {
	p      *Process
	store  checkpoint.Store
	holder *paramserver.Holder
	fresh  bool

	cancel context.CancelFunc
	runErr chan error
}

func (r *holderRunner) prepare(ctx context.Context, routes gin.IRoutes) error {
	cfg := r.p.cfg
	store, err := checkpoint.Open(cfg.Coordinator.CheckpointBackend, cfg.Coordinator.CheckpointDir)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	r.store = store

	net, step, fresh, err := Restore(ctx, store, cfg)
	if err != nil {
		return err
	}
	r.fresh = fresh
	r.p.logger.Info().Int64("step", step).Bool("fresh", fresh).Msg("Loaded parameters")

	r.holder = paramserver.NewHolder(net, step,
		paramserver.WithStepLimit(cfg.Training.StepLimit),
		paramserver.WithCheckpoints(store, cfg.Training.CheckpointEvery),
		paramserver.WithLogger(r.p.logger),
	)
	paramserver.NewServer(r.holder).Register(routes)

	// Serve parameters as soon as the holder is reachable, even while the
	// barrier is still waiting for other peers.
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.runErr = make(chan error, 1)
	go func() { r.runErr <- r.holder.Run(hctx) }()

	if fresh {
		if err := r.holder.Checkpoint(ctx); err != nil {
			return err
		}
	}
	return nil
}

// run serves until stopped. Once the step limit is reached it keeps serving
// while any worker still answers its status endpoint in a live state, and
// stops after no worker has been seen alive for drain_timeout.
func (r *holderRunner) run(ctx context.Context) error {
	drain := r.p.cfg.Coordinator.DrainTimeout
	limit := r.holder.LimitReached()
	var poll <-chan time.Time
	var lastAlive time.Time

	for {
		select {
		case <-limit:
			r.p.logger.Info().Dur("drain", drain).Msg("Step limit reached, waiting for workers")
			limit = nil
			lastAlive = time.Now()
			ticker := time.NewTicker(drainPollInterval)
			defer ticker.Stop()
			poll = ticker.C
			continue
		case <-poll:
			if alive := r.liveWorkers(ctx); len(alive) > 0 {
				r.p.logger.Debug().Strs("alive", alive).Msg("Workers still running")
				lastAlive = time.Now()
				continue
			}
			if time.Since(lastAlive) < drain {
				continue
			}
			r.p.logger.Info().Msg("All workers finished")
		case <-r.p.stop:
		case <-ctx.Done():
		case err := <-r.runErr:
			r.runErr = nil
			return fmt.Errorf("parameter holder: %w", err)
		}
		break
	}

	if err := r.p.transition(Stopping); err != nil {
		return err
	}
	return r.shutdown()
}

// liveWorkers lists the workers whose status endpoint answers with a
// non-terminal state. Unreachable workers count as gone.
func (r *holderRunner) liveWorkers(ctx context.Context) []string {
	client := &http.Client{Timeout: r.p.cfg.Transport.RequestTimeout}
	var alive []string
	for _, spec := range r.p.cfg.Cluster.Specs() {
		if spec.Role == cluster.ParameterHolder {
			continue
		}
		status, err := fetchStatus(ctx, client, spec.Address)
		if err != nil {
			continue
		}
		if status.State != Stopped.String() && status.State != Failed.String() {
			alive = append(alive, spec.String())
		}
	}
	return alive
}

// shutdown stops the holder, which flushes its final checkpoint.
func (r *holderRunner) shutdown() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.runErr == nil {
		return nil
	}
	err := <-r.runErr
	r.runErr = nil
	return err
}

func (r *holderRunner) close() error {
	err := r.shutdown()
	if r.store != nil {
		if cerr := r.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
		r.store = nil
	}
	return err
}
