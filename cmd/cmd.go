package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/ollama/diffusion/checkpoint"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/logutil"
	"github.com/ollama/diffusion/version"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// seed picks the flag value, then DIFFUSION_SEED, then the clock.
func seed(cmd *cobra.Command) uint64 {
	if s, _ := cmd.Flags().GetUint64("seed"); s != 0 {
		return s
	}
	if envconfig.Seed != 0 {
		return envconfig.Seed
	}
	return uint64(time.Now().UnixNano())
}

// modelPath resolves a --model value: a weights file is used as is, and a
// directory (DIFFUSION_MODELS by default) resolves to its latest checkpoint.
func modelPath(name string) (string, error) {
	if name == "" {
		name = envconfig.ModelsDir
	}

	info, err := os.Stat(name)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return name, nil
	}

	epoch, err := checkpoint.Latest(name)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("no checkpoints in %s, train a model first or set DIFFUSION_MODELS", name)
	} else if err != nil {
		return "", err
	}
	return checkpoint.ModelPath(name, epoch), nil
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	keys := maps.Keys(vars)
	slices.Sort(keys)

	table := newTable(cmd.OutOrStdout(), "NAME", "VALUE", "DESCRIPTION")
	for _, k := range keys {
		v := vars[k]
		value := fmt.Sprint(v.Value)
		if origins, ok := v.Value.([]string); ok {
			value = strings.Join(origins, ",")
		}
		table.Append([]string{v.Name, value, v.Description})
	}
	table.Render()
	return nil
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "diffusion",
		Short:         "Train and sample image diffusion models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logutil.Setup(cmd.ErrOrStderr(), envconfig.LogLevel())
		},
		Run: func(cmd *cobra.Command, args []string) {
			if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
				versionHandler(cmd)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	trainCmd := &cobra.Command{
		Use:   "train DIR",
		Short: "Train a denoiser on a directory of images",
		Long:  "Train a denoiser on the PNG and JPEG images in DIR. Subdirectories of DIR are treated as classes.",
		Args:  cobra.ExactArgs(1),
		RunE:  TrainHandler,
	}

	trainCmd.Flags().String("out", "", "Checkpoint directory (default DIFFUSION_MODELS)")
	trainCmd.Flags().Bool("resume", false, "Resume from the latest checkpoint in the checkpoint directory")
	trainCmd.Flags().Int("size", 28, "Side length images are resized to")
	trainCmd.Flags().Int("channels", 1, "Image channels, 1 or 3")
	trainCmd.Flags().String("schedule", "cosine", "Noise schedule, linear or cosine")
	trainCmd.Flags().Int("timesteps", 1000, "Number of diffusion timesteps T")
	trainCmd.Flags().Int("epochs", 10000, "Total number of training steps")
	trainCmd.Flags().Int("batch-size", 128, "Images per training step")
	trainCmd.Flags().Int("save-every", 1000, "Checkpoint cadence in epochs")
	trainCmd.Flags().Float64("lambda", 0.001, "Weight of the variational bound term")
	trainCmd.Flags().Bool("legacy-density", false, "Use the legacy density in the variational bound")
	trainCmd.Flags().Float64("null-label-prob", 0.2, "Probability a labelled image is trained unconditionally")
	trainCmd.Flags().Int("hidden", 64, "Hidden width of the denoiser")
	trainCmd.Flags().Int("time-dim", 16, "Size of the timestep embedding")
	trainCmd.Flags().Int("class-dim", 8, "Size of the class embedding")
	trainCmd.Flags().Float64("lr", 2e-4, "Adam learning rate")
	trainCmd.Flags().String("dtype", "f32", "Weight storage type, f32, f16 or bf16")
	trainCmd.Flags().Uint64("seed", 0, "Random seed (default DIFFUSION_SEED)")

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate images from a trained denoiser",
		Args:  cobra.NoArgs,
		RunE:  SampleHandler,
	}

	sampleCmd.Flags().String("model", "", "Checkpoint file or directory (default DIFFUSION_MODELS)")
	sampleCmd.Flags().Bool("remote", false, "Sample through the server at DIFFUSION_HOST")
	sampleCmd.Flags().String("out", ".", "Directory the images are written to")
	sampleCmd.Flags().IntP("number", "n", 1, "Number of images")
	sampleCmd.Flags().Int("class", -1, "Class label to generate, -1 for unconditional")
	sampleCmd.Flags().Float64("guidance", 0, "Classifier-free guidance scale")
	sampleCmd.Flags().Float64("ddim", 1, "0 for deterministic DDIM, 1 for DDPM")
	sampleCmd.Flags().Int("step", 1, "Stride through the timesteps, must divide T")
	sampleCmd.Flags().Bool("trajectory", false, "Also write every intermediate image")
	sampleCmd.Flags().Uint64("seed", 0, "Random seed (default DIFFUSION_SEED)")

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print a noise schedule",
		Args:  cobra.NoArgs,
		RunE:  ScheduleHandler,
	}

	scheduleCmd.Flags().String("schedule", "cosine", "Noise schedule, linear or cosine")
	scheduleCmd.Flags().Int("timesteps", 1000, "Number of diffusion timesteps T")
	scheduleCmd.Flags().Int("step", 1, "Stride through the timesteps")
	scheduleCmd.Flags().String("model", "", "Read the schedule from a checkpoint instead")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Print the loss history of a checkpoint",
		Args:  cobra.NoArgs,
		RunE:  HistoryHandler,
	}

	historyCmd.Flags().String("model", "", "Checkpoint file or directory (default DIFFUSION_MODELS)")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Serve a checkpoint over HTTP",
		Args:    cobra.NoArgs,
		RunE:    RunServer,
	}

	serveCmd.Flags().String("model", "", "Checkpoint file or directory (default DIFFUSION_MODELS)")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Print the environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(
		trainCmd,
		sampleCmd,
		scheduleCmd,
		historyCmd,
		serveCmd,
		envCmd,
	)

	return rootCmd
}

func versionHandler(cmd *cobra.Command) {
	cmd.Printf("diffusion version is %s\n", version.Version)

	client := clientFromEnvironment()
	if v, err := client.Version(cmd.Context()); err == nil && v != version.Version {
		cmd.Printf("Warning: server version is %s\n", v)
	}
}
