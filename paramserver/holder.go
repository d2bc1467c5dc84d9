package paramserver

import (
	"context"
	"errors"
	"fmt"
	"selfplay/checkpoint"
	"selfplay/metrics"
	"selfplay/value"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped     = errors.New("parameter holder stopped accepting updates")
	ErrUnreachable = errors.New("parameter holder unreachable")
	ErrBadRequest  = errors.New("parameter holder rejected request")
)

// Snapshot is an immutable view of the parameters at one global step.
type Snapshot struct {
	Step   int64
	Params []float64
	Stop   bool
}

type UpdateRequest struct {
	EpisodeID string    `json:"episode_id" binding:"required,uuid"`
	Trainer   int       `json:"trainer"`
	Delta     []float64 `json:"delta" binding:"required"`
}

type UpdateResult struct {
	Step      int64     `json:"step"`
	Applied   bool      `json:"applied"`
	Duplicate bool      `json:"duplicate"`
	Stop      bool      `json:"stop"`
	Params    []float64 `json:"params"`
}

// DefaultDedupWindow is how many recent episode ids are remembered for
// recognising resubmissions.
const DefaultDedupWindow = 4096

type Option func(h *Holder)

// WithStepLimit stops accepting updates once the global step reaches limit.
func WithStepLimit(limit int64) Option {
	return func(h *Holder) {
		h.limit = limit
	}
}

// WithCheckpoints saves to store whenever the step is a multiple of every.
func WithCheckpoints(store checkpoint.Store, every int64) Option {
	return func(h *Holder) {
		h.store = store
		h.every = every
	}
}

// WithDedupWindow remembers the last n applied episode ids. Retries arrive
// within a few requests of the original, so older ids are forgotten.
func WithDedupWindow(n int) Option {
	return func(h *Holder) {
		if n > 0 {
			h.window = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Holder) {
		h.logger = logger
	}
}

type request struct {
	update *UpdateRequest
	flush  bool
	reply  chan reply
}

type reply struct {
	result UpdateResult
	err    error
}

// Holder owns the canonical value function and the global step. Only the
// goroutine in Run touches them; everyone else goes through the request
// channel or reads the published snapshot.
type Holder struct {
	fn     value.Function
	step   int64
	limit  int64
	every  int64
	store  checkpoint.Store
	logger zerolog.Logger

	seen      map[string]int64
	recent    []string
	oldest    int
	window    int
	lastSaved int64

	snapshot     atomic.Pointer[Snapshot]
	requests     chan request
	done         chan struct{}
	limitReached chan struct{}
}

// NewHolder starts from fn at the given global step, as restored from a
// checkpoint or zero for a fresh start.
func NewHolder(fn value.Function, step int64, options ...Option) *Holder {
	h := &Holder{ // Default values
		fn:           fn,
		step:         step,
		logger:       log.Logger,
		seen:         make(map[string]int64),
		window:       DefaultDedupWindow,
		lastSaved:    step,
		requests:     make(chan request),
		done:         make(chan struct{}),
		limitReached: make(chan struct{}),
	}
	for _, option := range options {
		option(h)
	}
	if h.stopped() {
		close(h.limitReached)
	}
	h.publish()
	return h
}

func (h *Holder) stopped() bool {
	return h.limit > 0 && h.step >= h.limit
}

func (h *Holder) publish() {
	h.snapshot.Store(&Snapshot{Step: h.step, Params: h.fn.Params(), Stop: h.stopped()})
	metrics.GlobalStep.Set(float64(h.step))
}

// Snapshot never blocks and never observes a half-applied update.
func (h *Holder) Snapshot() *Snapshot {
	return h.snapshot.Load()
}

// LimitReached is closed once the global step reaches the step limit.
func (h *Holder) LimitReached() <-chan struct{} {
	return h.limitReached
}

// Done is closed when Run returns.
func (h *Holder) Done() <-chan struct{} {
	return h.done
}

// Run serves requests until ctx is cancelled, then flushes a final
// checkpoint if anything changed since the last one.
func (h *Holder) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return h.save(context.WithoutCancel(ctx), false)
		case req := <-h.requests:
			var rep reply
			if req.flush {
				rep.err = h.save(context.WithoutCancel(ctx), true)
			} else {
				rep.result, rep.err = h.apply(ctx, req.update)
			}
			req.reply <- rep
			if rep.err != nil && !errors.Is(rep.err, ErrStopped) && !errors.Is(rep.err, value.ErrDimensionMismatch) {
				return rep.err
			}
		}
	}
}

func (h *Holder) apply(ctx context.Context, req *UpdateRequest) (UpdateResult, error) {
	if _, ok := h.seen[req.EpisodeID]; ok {
		metrics.Updates.WithLabelValues("duplicate").Inc()
		s := h.Snapshot()
		return UpdateResult{Step: s.Step, Duplicate: true, Stop: s.Stop, Params: s.Params}, nil
	}
	if h.stopped() {
		metrics.Updates.WithLabelValues("rejected").Inc()
		return UpdateResult{}, fmt.Errorf("%w: step limit %d reached", ErrStopped, h.limit)
	}
	if err := h.fn.Apply(req.Delta); err != nil {
		metrics.Updates.WithLabelValues("rejected").Inc()
		return UpdateResult{}, fmt.Errorf("update from trainer %d: %w", req.Trainer, err)
	}

	h.step++
	h.remember(req.EpisodeID)
	h.publish()
	metrics.Updates.WithLabelValues("applied").Inc()
	h.logger.Debug().Int64("step", h.step).Int("trainer", req.Trainer).Str("episode", req.EpisodeID).Msg("Applied update")

	if h.stopped() {
		close(h.limitReached)
		h.logger.Info().Int64("step", h.step).Msg("Step limit reached")
	}
	if h.stopped() || (h.every > 0 && h.step%h.every == 0) {
		if err := h.save(context.WithoutCancel(ctx), false); err != nil {
			return UpdateResult{}, err
		}
	}

	s := h.Snapshot()
	return UpdateResult{Step: s.Step, Applied: true, Stop: s.Stop, Params: s.Params}, nil
}

// remember records an applied episode id, evicting the oldest once the
// window is full.
func (h *Holder) remember(id string) {
	if len(h.recent) < h.window {
		h.recent = append(h.recent, id)
	} else {
		delete(h.seen, h.recent[h.oldest])
		h.recent[h.oldest] = id
		h.oldest = (h.oldest + 1) % h.window
	}
	h.seen[id] = h.step
}

// save runs on the Run goroutine, so params and step are always paired.
func (h *Holder) save(ctx context.Context, force bool) error {
	if h.store == nil || (!force && h.step == h.lastSaved) {
		return nil
	}
	data, err := h.fn.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if err := h.store.Save(ctx, checkpoint.Checkpoint{Step: h.step, Params: data, SavedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("save checkpoint at step %d: %w", h.step, err)
	}
	h.lastSaved = h.step
	metrics.Checkpoints.Inc()
	h.logger.Info().Int64("step", h.step).Msg("Saved checkpoint")
	return nil
}

func (h *Holder) send(ctx context.Context, req request) (UpdateResult, error) {
	req.reply = make(chan reply, 1)
	select {
	case h.requests <- req:
	case <-h.done:
		return UpdateResult{}, ErrStopped
	case <-ctx.Done():
		return UpdateResult{}, ctx.Err()
	}
	// The Run goroutine always replies once it has taken the request.
	rep := <-req.reply
	return rep.result, rep.err
}

// Submit applies one episode's delta. Resubmitting an episode id that was
// already applied returns the current parameters without counting it again.
func (h *Holder) Submit(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	return h.send(ctx, request{update: &req})
}

// Checkpoint forces a save of the current step.
func (h *Holder) Checkpoint(ctx context.Context) error {
	_, err := h.send(ctx, request{flush: true})
	return err
}
