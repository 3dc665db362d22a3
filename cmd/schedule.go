package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/diffusion/checkpoint"
	"github.com/ollama/diffusion/format"
	"github.com/ollama/diffusion/loss"
	"github.com/ollama/diffusion/schedule"
)

func ScheduleHandler(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	name, _ := flags.GetString("schedule")
	T, _ := flags.GetInt("timesteps")
	step, _ := flags.GetInt("step")

	family, err := schedule.ParseFamily(name)
	if err != nil {
		return err
	}

	if model, _ := flags.GetString("model"); model != "" {
		path, err := modelPath(model)
		if err != nil {
			return err
		}
		c, err := checkpoint.Load(path)
		if err != nil {
			return err
		}
		if family, err = c.Hyperparameters.Family(); err != nil {
			return err
		}
		T = c.Hyperparameters.T
	}

	sched, err := schedule.NewStrided(family, T, step)
	if err != nil {
		return err
	}

	table := newTable(cmd.OutOrStdout(), "T", "BETA", "ALPHA BAR", "ALPHA BAR PREV", "BETA TILDE", "SQRT 1-ALPHA BAR")
	for i := range sched.Len() {
		row := sched.Row(i)
		table.Append([]string{
			strconv.Itoa(row.Timestep),
			strconv.FormatFloat(row.Beta, 'g', 6, 64),
			strconv.FormatFloat(row.AlphaBar, 'g', 6, 64),
			strconv.FormatFloat(row.AlphaBarPrev, 'g', 6, 64),
			strconv.FormatFloat(row.BetaTilde, 'g', 6, 64),
			strconv.FormatFloat(row.SqrtOneMinusAlphaBar, 'g', 6, 64),
		})
	}
	table.Render()
	return nil
}

func HistoryHandler(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("model")
	path, err := modelPath(name)
	if err != nil {
		return err
	}

	c, err := checkpoint.Load(path)
	if err != nil {
		return err
	}

	state, err := checkpoint.ReadState(checkpoint.StatePath(filepath.Dir(path), c.Epoch()))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no training state next to %s", path)
	} else if err != nil {
		return err
	}

	snap := state.History
	h, err := loss.NewHistory(snap.Min, snap.Max, snap.Capacity)
	if err != nil {
		return err
	}
	if err := h.Restore(snap); err != nil {
		return err
	}

	dist, err := h.Distribution()
	if err != nil && !errors.Is(err, loss.ErrNotReady) {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "epoch %d, run %s, %d of %d timesteps filled\n\n",
		state.Epoch, state.RunID, h.Filled(), snap.Max-snap.Min+1)

	table := newTable(cmd.OutOrStdout(), "T", "LOSSES", "MEAN", "WEIGHT")
	for i, losses := range snap.Losses {
		mean, weight := "-", "-"
		if len(losses) > 0 {
			mean = format.Loss(floats.Sum(losses) / float64(len(losses)))
		}
		if dist != nil {
			weight = strconv.FormatFloat(dist[i], 'f', 5, 64)
		}
		table.Append([]string{strconv.Itoa(snap.Min + i), strconv.Itoa(len(losses)), mean, weight})
	}
	table.Render()
	return nil
}
