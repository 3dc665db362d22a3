// Package trainer runs the diffusion training loop: minibatch selection,
// timestep sampling, forward noising, prediction, loss and optimizer steps.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"
	"golang.org/x/exp/rand"

	"github.com/ollama/diffusion/denoiser"
	"github.com/ollama/diffusion/diffusion"
	"github.com/ollama/diffusion/internal/batch"
	"github.com/ollama/diffusion/logutil"
	"github.com/ollama/diffusion/loss"
	"github.com/ollama/diffusion/schedule"
)

// Config holds the loop settings.
type Config struct {
	// Epochs is the total number of optimizer steps, counting from 1.
	Epochs    int
	BatchSize int
	// SaveEvery is the checkpoint cadence in epochs. Zero disables saving.
	SaveEvery int

	Lambda  float64
	Density diffusion.Density

	// NullLabelProb is the chance a labelled sample is trained
	// unconditionally, for classifier-free guidance.
	NullLabelProb float64

	HistoryCapacity int
}

// DefaultConfig mirrors the settings the reference models were trained with.
func DefaultConfig() Config {
	return Config{
		Epochs:          100000,
		BatchSize:       128,
		SaveEvery:       1000,
		Lambda:          0.001,
		NullLabelProb:   0.2,
		HistoryCapacity: loss.DefaultCapacity,
	}
}

// State is what a trainer needs besides model and optimizer to resume.
type State struct {
	Epoch   int           `cbor:"epoch" json:"epoch"`
	RunID   string        `cbor:"run_id" json:"run_id"`
	History loss.Snapshot `cbor:"history" json:"history"`
}

// Checkpointer persists the model, optimizer and trainer state. The
// implementation owns references to the model and optimizer.
type Checkpointer interface {
	Save(ctx context.Context, state State) error
}

// Stats summarizes one epoch.
type Stats struct {
	Epoch    int
	Total    float64
	Simple   float64
	VLB      float64
	Adaptive bool
	Duration time.Duration
}

// Trainer owns the loss history and every random source used in training.
// It is not safe for concurrent use.
type Trainer struct {
	cfg   Config
	sched *schedule.Schedule
	model denoiser.Trainable
	opt   *denoiser.Adam
	ckpt  Checkpointer

	process  *diffusion.Process
	engine   *loss.Engine
	history  *loss.History
	sampler  *loss.TimestepSampler
	rng      *rand.Rand
	runID    string
	epoch    int
	adaptive bool

	// OnEpoch, when set, is called after every epoch.
	OnEpoch func(Stats)
}

// New returns a trainer for s, which must be an unstrided schedule with
// T >= 3 so that timesteps 2 through T-1 can be trained. ckpt may be nil.
func New(cfg Config, s *schedule.Schedule, model denoiser.Trainable, opt *denoiser.Adam, src rand.Source, ckpt Checkpointer) (*Trainer, error) {
	if s.Step() != 1 {
		return nil, fmt.Errorf("%w: training needs the full schedule, got step %d", schedule.ErrStride, s.Step())
	}
	if s.T() < 3 {
		return nil, fmt.Errorf("training needs T >= 3, got %d", s.T())
	}
	if cfg.Epochs < 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid trainer config: epochs=%d batch=%d", cfg.Epochs, cfg.BatchSize)
	}
	if cfg.NullLabelProb < 0 || cfg.NullLabelProb > 1 {
		return nil, fmt.Errorf("invalid null label probability %v", cfg.NullLabelProb)
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = loss.DefaultCapacity
	}

	history, err := loss.NewHistory(2, s.T()-1, cfg.HistoryCapacity)
	if err != nil {
		return nil, err
	}

	rng := rand.New(src)
	return &Trainer{
		cfg:     cfg,
		sched:   s,
		model:   model,
		opt:     opt,
		ckpt:    ckpt,
		process: diffusion.New(s, rand.NewSource(rng.Uint64())),
		engine:  loss.New(s, cfg.Lambda, cfg.Density),
		history: history,
		sampler: loss.NewTimestepSampler(history, rand.NewSource(rng.Uint64())),
		rng:     rng,
		runID:   uuid.NewString(),
	}, nil
}

// History exposes the loss history for inspection.
func (t *Trainer) History() *loss.History {
	return t.history
}

// Epoch is the number of completed epochs.
func (t *Trainer) Epoch() int {
	return t.epoch
}

// State returns the resumable trainer state.
func (t *Trainer) State() State {
	return State{Epoch: t.epoch, RunID: t.runID, History: t.history.Snapshot()}
}

// Resume continues from a saved state. Model parameters and optimizer
// moments are restored separately by the checkpoint loader.
func (t *Trainer) Resume(s State) error {
	if s.Epoch < 0 {
		return fmt.Errorf("invalid resume epoch %d", s.Epoch)
	}
	if err := t.history.Restore(s.History); err != nil {
		return err
	}
	t.epoch = s.Epoch
	if s.RunID != "" {
		t.runID = s.RunID
	}
	t.adaptive = t.sampler.Adaptive()
	return nil
}

// Train runs epochs until cfg.Epochs have completed. data is (D, C, H, W) in
// either [0, 255] or [-1, 1]. labels is optional and holds one class per
// sample. ctx is only checked between epochs.
func (t *Trainer) Train(ctx context.Context, data *tensor.Dense, labels []int) error {
	n, _, err := batch.Dims(data)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: empty dataset", batch.ErrShape)
	}
	if labels != nil {
		if len(labels) != n {
			return fmt.Errorf("%w: %d labels for %d samples", batch.ErrShape, len(labels), n)
		}
		if !t.model.Capabilities().Has(denoiser.ClassEmbedding) {
			return denoiser.ErrUnconditional
		}
	}

	reduce, err := diffusion.NeedsReduce(data)
	if err != nil {
		return err
	}
	if reduce {
		slog.Debug("reducing dataset to [-1, 1]")
		if data, err = diffusion.Reduce(data); err != nil {
			return err
		}
	}

	slog.Info("training", "run", t.runID, "samples", n, "start", t.epoch, "epochs", t.cfg.Epochs,
		"schedule", t.sched.Family(), "T", t.sched.T(), "lambda", t.cfg.Lambda, "density", t.cfg.Density)

	for t.epoch < t.cfg.Epochs {
		if err := ctx.Err(); err != nil {
			return err
		}

		stats, err := t.step(data, labels)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", t.epoch+1, err)
		}
		t.epoch++
		stats.Epoch = t.epoch

		slog.Info("epoch", "epoch", stats.Epoch, "combined", stats.Total, "mean", stats.Simple, "variance", t.cfg.Lambda*stats.VLB)
		if t.OnEpoch != nil {
			t.OnEpoch(stats)
		}

		if t.ckpt != nil && t.cfg.SaveEvery > 0 && t.epoch%t.cfg.SaveEvery == 0 {
			if err := t.ckpt.Save(ctx, t.State()); err != nil {
				return fmt.Errorf("checkpoint at epoch %d: %w", t.epoch, err)
			}
			slog.Info("saved checkpoint", "epoch", t.epoch)
		}
	}
	return nil
}

func (t *Trainer) step(data *tensor.Dense, labels []int) (Stats, error) {
	started := time.Now()
	n, _, _ := batch.Dims(data)
	size := min(t.cfg.BatchSize, n)

	idx := t.rng.Perm(n)[:size]
	x0, err := batch.Select(data, idx)
	if err != nil {
		return Stats{}, err
	}

	ts, err := t.sampler.Sample(size)
	if err != nil {
		return Stats{}, err
	}
	if adaptive := t.sampler.Adaptive(); adaptive && !t.adaptive {
		slog.Info("sampling timesteps from loss history", "epoch", t.epoch+1)
		t.adaptive = true
	}

	prev := make([]int, size)
	for i, v := range ts {
		prev[i] = v - 1
	}

	xPrev, _, err := t.process.NoiseBatch(x0, diffusion.List(prev))
	if err != nil {
		return Stats{}, err
	}
	xt, eps, err := t.process.NoiseBatch(x0, diffusion.List(ts))
	if err != nil {
		return Stats{}, err
	}

	noise, v, err := t.model.Predict(xt, ts, t.condition(labels, idx))
	if err != nil {
		return Stats{}, fmt.Errorf("predict: %w", err)
	}

	res, err := t.engine.Compute(loss.Inputs{
		Noise:     eps,
		NoisePred: noise,
		V:         v,
		X0:        x0,
		Xt:        xt,
		XPrev:     xPrev,
		T:         ts,
	})
	if err != nil {
		return Stats{}, err
	}

	params := t.model.Parameters()
	if err := t.model.Backward(res.GradNoise, res.GradV); err != nil {
		return Stats{}, fmt.Errorf("backward: %w", err)
	}
	if err := t.opt.Step(params); err != nil {
		return Stats{}, err
	}
	t.opt.ZeroGrad(params)

	for i, ti := range ts {
		if err := t.history.Record(ti, res.PerSample[i]); err != nil {
			return Stats{}, err
		}
	}

	logutil.Trace("step", "timesteps", ts, "branches", res.Branches)
	return Stats{
		Total:    res.Total,
		Simple:   res.Simple,
		VLB:      res.VLB,
		Adaptive: t.adaptive,
		Duration: time.Since(started),
	}, nil
}

// condition looks up the labels of the selected samples, dropping each to
// NoClass with probability NullLabelProb.
func (t *Trainer) condition(labels []int, idx []int) denoiser.Condition {
	if labels == nil {
		return denoiser.Condition{}
	}
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = labels[j]
		if t.rng.Float64() < t.cfg.NullLabelProb {
			out[i] = denoiser.NoClass
		}
	}
	return denoiser.Condition{Labels: out}
}

// IsCanceled reports whether err stopped training because ctx ended.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
