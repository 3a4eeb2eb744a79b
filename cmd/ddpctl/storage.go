package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"mn5ddp/internal/guide"
)

func newStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage-check [PATH]",
		Short: "Check which MN5 storage tier PATH is on and suggest data loader settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			} else {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				path = wd
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			advice := guide.Classify(abs)
			fmt.Fprintf(out, "Current Directory: %s\n", abs)
			fmt.Fprintln(out, advice)

			cpus, _ := cmd.Flags().GetInt("cpus-per-gpu")
			batch, _ := cmd.Flags().GetInt("batch-size")
			s := guide.RecommendLoader(cpus, batch)
			table := newTable(true)
			table.Row("Setting", "Value")
			table.Row("num_workers", strconv.Itoa(s.NumWorkers))
			table.Row("persistent_workers", strconv.FormatBool(s.PersistentWorkers))
			table.Row("pin_memory", strconv.FormatBool(s.PinMemory))
			table.Row("prefetch_factor", strconv.Itoa(s.PrefetchFactor))
			table.Row("batch_size", strconv.Itoa(s.BatchSize))
			fmt.Fprintf(out, "\nRecommended data loader settings (%d CPU(s) per GPU):\n", cpus)
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
	cmd.Flags().Int("cpus-per-gpu", guide.MN5CPUsPerGPU, "CPU cores allocated per GPU")
	cmd.Flags().Int("batch-size", 32, "Batch size per GPU")
	return cmd
}
