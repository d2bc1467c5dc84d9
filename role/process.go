package role

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"selfplay/cluster"
	"selfplay/config"
	"selfplay/metrics"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StatusPath  = "/status"
	StopPath    = "/stop"
	MetricsPath = "/metrics"
)

const shutdownTimeout = 5 * time.Second

type StatusResponse struct {
	Role    cluster.Role `json:"role"`
	Index   int          `json:"index"`
	Address string       `json:"address"`
	State   string       `json:"state"`
}

// runner is the role-specific part of a process.
type runner interface {
	// prepare runs before the status server starts and may mount routes.
	prepare(ctx context.Context, routes gin.IRoutes) error
	// run returns nil after a cooperative stop and after moving the process
	// to Stopping.
	run(ctx context.Context) error
	close() error
}

// Process is one member of the training cluster.
type Process struct {
	cfg    config.Config
	spec   cluster.Spec
	logger zerolog.Logger
	runner runner

	mu    sync.Mutex
	state State
	err   error

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(cfg config.Config, spec cluster.Spec) (*Process, error) {
	p := &Process{
		cfg:    cfg,
		spec:   spec,
		logger: log.With().Str("role", string(spec.Role)).Int("index", spec.Index).Str("address", spec.Address).Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	switch spec.Role {
	case cluster.ParameterHolder:
		p.runner = &holderRunner{p: p}
	case cluster.Trainer:
		p.runner = &trainer{p: p}
	case cluster.Evaluator:
		p.runner = &evaluator{p: p}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", cluster.ErrInvalidTopology, spec.Role)
	}
	metrics.SetRoleState(string(spec.Role), spec.Index, int(Starting))
	return p, nil
}

func (p *Process) Spec() cluster.Spec {
	return p.spec
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err is the failure cause once the process is Failed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed when Run returns.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop asks the process to stop at its next episode boundary.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info().Msg("Stop requested")
		close(p.stop)
	})
}

func (p *Process) stopRequested(ctx context.Context) bool {
	select {
	case <-p.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *Process) transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == to {
		return nil
	}
	if !canTransition(p.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.state, to)
	}
	p.logger.Info().Str("from", p.state.String()).Str("to", to.String()).Msg("State transition")
	p.state = to
	metrics.SetRoleState(string(p.spec.Role), p.spec.Index, int(to))
	return nil
}

func (p *Process) fail(err error) error {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return err
	}
	p.state = Failed
	p.err = err
	p.mu.Unlock()

	metrics.SetRoleState(string(p.spec.Role), p.spec.Index, int(Failed))
	p.logger.Error().Err(err).Msg("Process failed")
	return err
}

// Run drives the process from Starting to Stopped or Failed. It returns the
// failure cause, or nil after a clean stop.
func (p *Process) Run(ctx context.Context) error {
	defer close(p.done)
	defer func() {
		if err := p.runner.close(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to release role resources")
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(StatusPath, p.handleStatus)
	router.POST(StopPath, p.handleStop)
	router.GET(MetricsPath, gin.WrapH(promhttp.Handler()))

	if err := p.runner.prepare(ctx, router); err != nil {
		return p.fail(err)
	}

	listener, err := net.Listen("tcp", p.spec.Address)
	if err != nil {
		return p.fail(fmt.Errorf("listen on %s: %w", p.spec.Address, err))
	}
	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if err := p.barrier(ctx); err != nil {
		if p.stopRequested(ctx) {
			p.transition(Stopping)
			return p.transition(Stopped)
		}
		return p.fail(err)
	}
	if err := p.transition(Running); err != nil {
		return p.fail(err)
	}

	if err := p.runner.run(ctx); err != nil {
		return p.fail(err)
	}
	if err := p.transition(Stopped); err != nil {
		return p.fail(err)
	}
	return nil
}

func (p *Process) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Role:    p.spec.Role,
		Index:   p.spec.Index,
		Address: p.spec.Address,
		State:   p.State().String(),
	})
}

func (p *Process) handleStop(c *gin.Context) {
	p.Stop()
	c.JSON(http.StatusAccepted, gin.H{"state": p.State().String()})
}
