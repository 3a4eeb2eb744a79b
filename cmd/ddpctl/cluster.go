package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mn5ddp/pkg/store"
)

func connectStore(cmd *cobra.Command) (*store.EtcdManager, error) {
	endpoints, _ := cmd.Flags().GetStringSlice("etcd")
	return store.NewEtcdManager(endpoints)
}

func newMembersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members JOB",
		Short: "List the ranks registered for a job in the etcd rendezvous",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			st, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			run, err := st.CurrentRun(ctx, jobID)
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(out, "No run recorded for job %s\n", jobID)
				return nil
			}
			if err != nil {
				return err
			}
			members, err := st.ListMembers(ctx, jobID, run.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Run %s started %s by %s, %d of %d rank(s) registered\n",
				run.ID, humanize.Time(time.Unix(run.StartedAt, 0)), run.Leader, len(members), run.WorldSize)
			if len(members) > 0 {
				now := time.Now()
				table := newTable(true)
				table.Row("Rank", "Node", "Local", "Host", "Status", "Joined", "Heartbeat")
				for _, m := range members {
					joined := "no"
					if run.Admits(m.Rank, m.Nonce) {
						joined = "yes"
					}
					table.Row(strconv.Itoa(m.Rank), strconv.Itoa(m.NodeRank), strconv.Itoa(m.LocalRank),
						m.Hostname, string(m.EffectiveStatus(now)), joined, humanize.Time(time.Unix(m.LastHeartbeat, 0)))
				}
				fmt.Fprintln(out, table.Render())
			}

			if watch, _ := cmd.Flags().GetBool("watch"); watch {
				return watchMembers(ctx, cmd, st, jobID, run.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolP("watch", "w", false, "Keep printing membership changes until interrupted")
	return cmd
}

func watchMembers(ctx context.Context, cmd *cobra.Command, st store.Store, jobID, runID string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "👀 Watching run %s of job %s, Ctrl+C to stop\n", runID, jobID)
	for ev := range st.WatchMembers(ctx, jobID, runID) {
		switch ev.Type {
		case store.MemberPut:
			if ev.Member != nil {
				fmt.Fprintf(out, "➕ rank %d on %s (%s)\n", ev.Rank, ev.Member.Hostname, ev.Member.Status)
			}
		case store.MemberDelete:
			fmt.Fprintf(out, "➖ rank %d left\n", ev.Rank)
		}
	}
	return nil
}

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs JOB RANK",
		Short: "Print the output a rank saved to etcd",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rank, err := strconv.Atoi(args[1])
			if err != nil {
				return errors.Wrapf(err, "invalid rank %q", args[1])
			}
			st, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			logs, err := st.GetRankLog(ctx, args[0], rank)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "📜 Logs for job %s rank %d:\n", args[0], rank)
			fmt.Fprintln(cmd.OutOrStdout(), "---------------------------------------------------")
			fmt.Fprint(cmd.OutOrStdout(), logs)
			return nil
		},
	}
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean JOB",
		Short: "Delete every key a job left in etcd",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := connectStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := st.DeleteJob(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Job %s removed from etcd\n", args[0])
			return nil
		},
	}
}
