package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/ollama/diffusion/checkpoint"
	"github.com/ollama/diffusion/denoiser"
	"github.com/ollama/diffusion/diffusion"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/format"
	"github.com/ollama/diffusion/imageproc"
	"github.com/ollama/diffusion/loss"
	"github.com/ollama/diffusion/progress"
	"github.com/ollama/diffusion/schedule"
	"github.com/ollama/diffusion/trainer"
)

// hyperparameters builds the settings of a new run from the flags. classes
// is the number of class subdirectories found in the dataset.
func hyperparameters(cmd *cobra.Command, classes int) (checkpoint.Hyperparameters, error) {
	flags := cmd.Flags()

	name, _ := flags.GetString("schedule")
	family, err := schedule.ParseFamily(name)
	if err != nil {
		return checkpoint.Hyperparameters{}, err
	}

	T, _ := flags.GetInt("timesteps")
	lambda, _ := flags.GetFloat64("lambda")
	size, _ := flags.GetInt("size")
	channels, _ := flags.GetInt("channels")

	density := diffusion.Gaussian
	if legacy, _ := flags.GetBool("legacy-density"); legacy {
		density = diffusion.Legacy
	}

	model := denoiser.DefaultConfig(channels)
	model.Hidden, _ = flags.GetInt("hidden")
	model.TimeDim, _ = flags.GetInt("time-dim")
	if classes > 0 {
		model.Classes = classes
		model.ClassDim, _ = flags.GetInt("class-dim")
	}

	adam := denoiser.DefaultAdamConfig()
	adam.LearningRate, _ = flags.GetFloat64("lr")

	return checkpoint.NewHyperparameters(family, T, lambda, density, [3]int{channels, size, size}, model, adam), nil
}

func TrainHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	out, _ := flags.GetString("out")
	if out == "" {
		out = envconfig.ModelsDir
	}

	dtypeName, _ := flags.GetString("dtype")
	dtype, err := checkpoint.ParseDType(dtypeName)
	if err != nil {
		return err
	}

	var run *checkpoint.Run
	if resume, _ := flags.GetBool("resume"); resume {
		epoch, err := checkpoint.Latest(out)
		if err != nil {
			return err
		}
		if run, err = checkpoint.Open(out, epoch); err != nil {
			return err
		}
	}

	size, _ := flags.GetInt("size")
	channels, _ := flags.GetInt("channels")
	if run != nil {
		shape := run.Checkpoint.Hyperparameters.Shape()
		channels, size = shape[0], shape[1]
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	spinner := progress.NewSpinner("loading images")
	p.Add(spinner)

	ds, err := imageproc.LoadDir(cmd.Context(), args[0], size, channels)
	if err != nil {
		return err
	}
	spinner.Stop()

	var hp checkpoint.Hyperparameters
	if run != nil {
		hp = run.Checkpoint.Hyperparameters
		if len(ds.Classes) > 0 && len(ds.Classes) != hp.Classes {
			return fmt.Errorf("dataset has %d classes, checkpoint was trained on %d", len(ds.Classes), hp.Classes)
		}
	} else if hp, err = hyperparameters(cmd, len(ds.Classes)); err != nil {
		return err
	}

	sched, err := hp.NewSchedule()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(seed(cmd)))

	modelCfg := hp.Model()
	modelCfg.Threads = envconfig.NumThreads
	model, err := denoiser.NewMLP(modelCfg, rand.NewSource(rng.Uint64()))
	if err != nil {
		return err
	}
	opt := denoiser.NewAdam(hp.Adam(), model.Parameters())

	writer := &checkpoint.Writer{Dir: out, DType: dtype, Hyperparameters: hp, Model: model, Optimizer: opt}

	cfg := trainer.DefaultConfig()
	cfg.Epochs, _ = flags.GetInt("epochs")
	cfg.BatchSize, _ = flags.GetInt("batch-size")
	cfg.SaveEvery, _ = flags.GetInt("save-every")
	cfg.NullLabelProb, _ = flags.GetFloat64("null-label-prob")
	cfg.Lambda = hp.Lambda
	cfg.Density = hp.Density()
	if run != nil && run.State.History.Capacity > 0 {
		cfg.HistoryCapacity = run.State.History.Capacity
	} else {
		cfg.HistoryCapacity = loss.DefaultCapacity
	}

	t, err := trainer.New(cfg, sched, model, opt, rand.NewSource(rng.Uint64()), writer)
	if err != nil {
		return err
	}
	if run != nil {
		if err := run.Restore(model, opt, t); err != nil {
			return err
		}
	}

	var labels []int
	if len(ds.Classes) > 0 && model.Capabilities().Has(denoiser.ClassEmbedding) {
		labels = ds.Labels
	}

	var params uint64
	for _, param := range model.Parameters() {
		rows, cols := param.Value.Dims()
		params += uint64(rows * cols)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "training %s parameters on %d images, %d classes\n",
		format.HumanNumber(params), len(ds.Files), len(ds.Classes))

	bar := progress.NewBar("training", cfg.Epochs, t.Epoch())
	p.Add(bar)
	t.OnEpoch = func(s trainer.Stats) {
		bar.Set(s.Epoch, "loss "+format.Loss(s.Total))
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	err = t.Train(ctx, ds.Images, labels)
	switch {
	case trainer.IsCanceled(err):
		// keep the progress made before the interrupt
	case err != nil:
		return err
	case t.Epoch() == 0 || (cfg.SaveEvery > 0 && t.Epoch()%cfg.SaveEvery == 0):
		return nil
	}

	if t.Epoch() == 0 {
		return nil
	}
	if err := writer.Save(context.WithoutCancel(ctx), t.State()); err != nil {
		return err
	}
	p.Stop()
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", checkpoint.ModelPath(out, t.Epoch()))
	return nil
}
