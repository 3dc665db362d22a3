package checkpoint

import (
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"

	"github.com/ollama/diffusion/denoiser"
	"github.com/ollama/diffusion/diffusion"
	"github.com/ollama/diffusion/schedule"
)

// Hyperparameters are everything needed to rebuild the schedule, the model
// and the optimizer from a checkpoint.
type Hyperparameters struct {
	Schedule      string  `mapstructure:"schedule"`
	T             int     `mapstructure:"timesteps"`
	Lambda        float64 `mapstructure:"lambda"`
	LegacyDensity bool    `mapstructure:"legacy_density"`

	Channels int `mapstructure:"channels"`
	Height   int `mapstructure:"height"`
	Width    int `mapstructure:"width"`

	Hidden   int `mapstructure:"hidden"`
	TimeDim  int `mapstructure:"time_dim"`
	ClassDim int `mapstructure:"class_dim"`
	Classes  int `mapstructure:"classes"`

	LearningRate float64 `mapstructure:"learning_rate"`
	Beta1        float64 `mapstructure:"beta1"`
	Beta2        float64 `mapstructure:"beta2"`
	Epsilon      float64 `mapstructure:"epsilon"`
}

// NewHyperparameters collects the settings of a training run.
func NewHyperparameters(family schedule.Family, T int, lambda float64, density diffusion.Density, shape [3]int, model denoiser.Config, adam denoiser.AdamConfig) Hyperparameters {
	return Hyperparameters{
		Schedule:      string(family),
		T:             T,
		Lambda:        lambda,
		LegacyDensity: density == diffusion.Legacy,
		Channels:      shape[0],
		Height:        shape[1],
		Width:         shape[2],
		Hidden:        model.Hidden,
		TimeDim:       model.TimeDim,
		ClassDim:      model.ClassDim,
		Classes:       model.Classes,
		LearningRate:  adam.LearningRate,
		Beta1:         adam.Beta1,
		Beta2:         adam.Beta2,
		Epsilon:       adam.Epsilon,
	}
}

func (h Hyperparameters) Family() (schedule.Family, error) {
	return schedule.ParseFamily(h.Schedule)
}

func (h Hyperparameters) Density() diffusion.Density {
	if h.LegacyDensity {
		return diffusion.Legacy
	}
	return diffusion.Gaussian
}

// Shape is the (C, H, W) of the images the model was trained on.
func (h Hyperparameters) Shape() [3]int {
	return [3]int{h.Channels, h.Height, h.Width}
}

func (h Hyperparameters) Model() denoiser.Config {
	return denoiser.Config{
		Channels: h.Channels,
		Hidden:   h.Hidden,
		TimeDim:  h.TimeDim,
		ClassDim: h.ClassDim,
		Classes:  h.Classes,
	}
}

func (h Hyperparameters) Adam() denoiser.AdamConfig {
	return denoiser.AdamConfig{
		LearningRate: h.LearningRate,
		Beta1:        h.Beta1,
		Beta2:        h.Beta2,
		Epsilon:      h.Epsilon,
	}
}

// NewSchedule builds the full schedule the model was trained on.
func (h Hyperparameters) NewSchedule() (*schedule.Schedule, error) {
	family, err := h.Family()
	if err != nil {
		return nil, err
	}
	return schedule.New(family, h.T)
}

// encode flattens h into safetensors string metadata.
func (h Hyperparameters) encode() (map[string]string, error) {
	var m map[string]any
	if err := mapstructure.Decode(h, &m); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		switch v := v.(type) {
		case float64:
			out[k] = strconv.FormatFloat(v, 'g', -1, 64)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// decodeHyperparameters reads h back from string metadata. Keys that are
// not hyperparameters are ignored.
func decodeHyperparameters(meta map[string]string) (Hyperparameters, error) {
	var h Hyperparameters
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &h,
	})
	if err != nil {
		return h, err
	}
	if err := d.Decode(meta); err != nil {
		return h, fmt.Errorf("checkpoint hyperparameters: %w", err)
	}
	return h, nil
}
