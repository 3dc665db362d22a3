package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"github.com/ollama/diffusion/denoiser"
	"github.com/ollama/diffusion/trainer"
)

var modelFile = regexp.MustCompile(`^model-(\d+)\.safetensors$`)

// ModelPath is the weights file for epoch in dir.
func ModelPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("model-%08d.safetensors", epoch))
}

// StatePath is the trainer state sidecar for epoch in dir.
func StatePath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("state-%08d.cbor", epoch))
}

// WriteState encodes s to path.
func WriteState(path string, s trainer.State) error {
	b, err := cbor.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ReadState decodes a state written by WriteState.
func ReadState(path string) (trainer.State, error) {
	var s trainer.State
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := cbor.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("%w: state: %v", ErrFormat, err)
	}
	return s, nil
}

// Latest returns the highest epoch with a weights file in dir. It returns an
// error wrapping fs.ErrNotExist when there is none.
func Latest(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	latest := -1
	for _, e := range entries {
		m := modelFile.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		latest = max(latest, n)
	}
	if latest < 0 {
		return 0, fmt.Errorf("no checkpoints in %s: %w", dir, fs.ErrNotExist)
	}
	return latest, nil
}

// Writer saves checkpoints of a training run into a directory.
type Writer struct {
	Dir             string
	DType           DType
	Hyperparameters Hyperparameters
	Model           denoiser.Trainable
	Optimizer       *denoiser.Adam
}

// Save writes the weights, optimizer moments and trainer state for
// state.Epoch.
func (w *Writer) Save(ctx context.Context, state trainer.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	meta := map[string]string{
		KeyRunID: state.RunID,
		KeyEpoch: strconv.Itoa(state.Epoch),
	}
	if err := Save(ModelPath(w.Dir, state.Epoch), w.Hyperparameters, w.DType, w.Model.Parameters(), w.Optimizer, meta); err != nil {
		return err
	}
	return WriteState(StatePath(w.Dir, state.Epoch), state)
}

// Run is a restored training run.
type Run struct {
	Checkpoint *Checkpoint
	State      trainer.State
}

// Open loads the checkpoint for epoch from dir together with its state
// sidecar. A missing sidecar yields a state holding only the epoch and run
// id from the weights file.
func Open(dir string, epoch int) (*Run, error) {
	c, err := Load(ModelPath(dir, epoch))
	if err != nil {
		return nil, err
	}

	s, err := ReadState(StatePath(dir, epoch))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s = trainer.State{Epoch: c.Epoch(), RunID: c.Metadata[KeyRunID]}
	case err != nil:
		return nil, err
	}
	return &Run{Checkpoint: c, State: s}, nil
}

// Restore copies the run's weights and optimizer moments into model and opt
// and resumes t. opt and t may be nil when only sampling.
func (r *Run) Restore(model denoiser.Trainable, opt *denoiser.Adam, t *trainer.Trainer) error {
	if err := r.Checkpoint.Apply(model.Parameters()); err != nil {
		return err
	}
	if opt != nil {
		if err := r.Checkpoint.ApplyOptimizer(opt); err != nil {
			return err
		}
	}
	if t == nil {
		return nil
	}

	s := r.State
	if s.History.Capacity == 0 {
		// no sidecar; keep the trainer's empty history
		s.History = t.History().Snapshot()
	}
	return t.Resume(s)
}
