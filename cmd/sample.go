package cmd

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/checkpoint"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/format"
	"github.com/ollama/diffusion/imageproc"
	"github.com/ollama/diffusion/progress"
	"github.com/ollama/diffusion/sampler"
)

var clientFromEnvironment = api.ClientFromEnvironment

func sampleOptions(cmd *cobra.Command) sampler.Options {
	flags := cmd.Flags()

	opts := sampler.DefaultOptions()
	opts.BatchSize, _ = flags.GetInt("number")
	opts.ClassLabel, _ = flags.GetInt("class")
	opts.GuidanceScale, _ = flags.GetFloat64("guidance")
	opts.DDIMScale, _ = flags.GetFloat64("ddim")
	opts.StepSize, _ = flags.GetInt("step")
	opts.Trajectory, _ = flags.GetBool("trajectory")
	return opts
}

func SampleHandler(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("out")
	opts := sampleOptions(cmd)

	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		return sampleRemote(cmd, out, opts)
	}

	name, _ := cmd.Flags().GetString("model")
	path, err := modelPath(name)
	if err != nil {
		return err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	spinner := progress.NewSpinner("loading " + filepath.Base(path))
	p.Add(spinner)

	c, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	model, err := c.Model(envconfig.NumThreads)
	if err != nil {
		return err
	}
	family, err := c.Hyperparameters.Family()
	if err != nil {
		return err
	}
	spinner.Stop()

	smp, err := sampler.New(model, family, c.Hyperparameters.T, c.Hyperparameters.Shape(), rand.NewSource(seed(cmd)))
	if err != nil {
		return err
	}

	bar := progress.NewStepBar("sampling", c.Hyperparameters.T/max(opts.StepSize, 1))
	p.Add(bar)

	res, err := smp.Sample(opts, func(step, _ int) {
		bar.Set(step)
	})
	if err != nil {
		return err
	}
	p.Stop()

	paths, err := imageproc.WriteDir(out, "sample", res.Images)
	if err != nil {
		return err
	}
	for i, x := range res.Trajectory {
		if _, err := imageproc.WriteDir(filepath.Join(out, "trajectory"), fmt.Sprintf("step-%04d", i), x); err != nil {
			return err
		}
	}

	for _, path := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}

func sampleRemote(cmd *cobra.Command, out string, opts sampler.Options) error {
	if opts.Trajectory {
		return fmt.Errorf("--trajectory is not supported with --remote")
	}

	req := api.SampleRequest{
		BatchSize:     opts.BatchSize,
		ClassLabel:    &opts.ClassLabel,
		GuidanceScale: opts.GuidanceScale,
		DDIMScale:     &opts.DDIMScale,
		StepSize:      opts.StepSize,
		Seed:          seed(cmd),
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()
	p.Add(progress.NewSpinner("sampling"))

	resp, err := clientFromEnvironment().Sample(cmd.Context(), &req)
	if err != nil {
		return err
	}
	p.StopAndClear()

	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	for i, encoded := range resp.Images {
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return err
		}
		if _, err := png.DecodeConfig(bytes.NewReader(b)); err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}

		path := filepath.Join(out, fmt.Sprintf("sample-%03d.png", i))
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%d steps in %s\n", resp.Steps, format.Duration(resp.TotalDuration))
	return nil
}
