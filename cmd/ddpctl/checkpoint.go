package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mn5ddp/internal/checkpoint"
	"mn5ddp/internal/trainer"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ckpt",
		Aliases: []string{"checkpoint"},
		Short:   "Inspect training checkpoints",
	}
	cmd.PersistentFlags().String("prefix", trainer.DefaultPrefix, "Checkpoint file prefix")
	cmd.AddCommand(newCheckpointInspectCmd(), newCheckpointLatestCmd(), newCheckpointPruneCmd())
	return cmd
}

func newCheckpointInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect PATH",
		Short: "Show the epoch, optimizer state and tensors stored in a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.IsDir() {
				// 目录: 看最新的一个
				prefix, _ := cmd.Flags().GetString("prefix")
				latest, ok, err := checkpoint.Latest(path, prefix)
				if err != nil {
					return err
				}
				if !ok {
					return errors.Errorf("no checkpoint in %s", path)
				}
				path = latest
				if info, err = os.Stat(path); err != nil {
					return err
				}
			}

			found, rec, err := checkpoint.Load(path)
			if err != nil {
				return err
			}
			if !found {
				return errors.Errorf("checkpoint %s not found", path)
			}

			out := cmd.OutOrStdout()
			summary := newTable(false)
			summary.Row("file", path)
			summary.Row("size", humanize.Bytes(uint64(info.Size())))
			summary.Row("modified", humanize.Time(info.ModTime()))
			summary.Row("epoch", strconv.Itoa(rec.Epoch))
			summary.Row("parameters", humanize.Comma(int64(rec.NumParams())))
			summary.Row("optimizer", rec.OptimizerState.Name)
			summary.Row("optimizer step", humanize.Comma(rec.OptimizerState.Step))
			hyper := make([]string, 0, len(rec.OptimizerState.Hyper))
			for k := range rec.OptimizerState.Hyper {
				hyper = append(hyper, k)
			}
			sort.Strings(hyper)
			for _, k := range hyper {
				summary.Row(k, strconv.FormatFloat(rec.OptimizerState.Hyper[k], 'g', -1, 64))
			}
			fmt.Fprintln(out, summary.Render())

			tensors := newTable(true)
			tensors.Row("Kind", "Name", "Shape", "Size")
			for _, name := range sortedKeys(rec.ModelState) {
				t := rec.ModelState[name]
				tensors.Row("param", name, fmt.Sprint(t.Shape), humanize.Comma(int64(t.Size())))
			}
			for _, name := range sortedKeys(rec.OptimizerState.Slots) {
				t := rec.OptimizerState.Slots[name]
				tensors.Row("slot", name, fmt.Sprint(t.Shape), humanize.Comma(int64(t.Size())))
			}
			fmt.Fprintln(out, tensors.Render())
			return nil
		},
	}
}

func newCheckpointLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest DIR",
		Short: "Print the path of the most recent checkpoint in DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			path, ok, err := checkpoint.Latest(args[0], prefix)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("no checkpoint in %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newCheckpointPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune DIR",
		Short: "Delete old checkpoints and stale temporary files in DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := filepath.Clean(args[0])
			prefix, _ := cmd.Flags().GetString("prefix")
			keep, _ := cmd.Flags().GetInt("keep")

			temps, err := checkpoint.CleanStaleTemps(dir)
			if err != nil {
				return err
			}
			removed, err := checkpoint.Prune(dir, prefix, keep)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range removed {
				fmt.Fprintf(out, "🗑️  %s\n", p)
			}
			fmt.Fprintf(out, "Removed %d checkpoint(s) and %d temporary file(s)\n", len(removed), temps)
			return nil
		},
	}
	cmd.Flags().Int("keep", 3, "Number of most recent checkpoints to keep")
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
