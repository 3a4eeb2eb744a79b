package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mn5ddp/internal/config"
	"mn5ddp/internal/identity"
	"mn5ddp/pkg/hostlist"
)

func newHostlistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hostlist NODELIST",
		Short: "Expand a compressed SLURM node list, e.g. node[01-03,07]",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := hostlist.Expand(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(hosts, "\n"))
			return nil
		},
	}
}

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Resolve this process's rank and rendezvous endpoint from the environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnviron(os.Environ())
			if err != nil {
				return err
			}
			resolver, err := identity.NewResolver(cfg)
			if err != nil {
				return err
			}
			topo, err := resolver.Resolve(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if export, _ := cmd.Flags().GetBool("export"); export {
				// eval "$(ddpctl identity --export)"
				for _, kv := range identity.Environ(topo) {
					k, v, _ := strings.Cut(kv, "=")
					fmt.Fprintf(out, "export %s=%s\n", k, strconv.Quote(v))
				}
				return nil
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(topo)
			}

			id := topo.Identity
			table := newTable(false)
			table.Row("mode", string(topo.Mode))
			table.Row("identity", id.String())
			table.Row("global rank", strconv.Itoa(id.GlobalRank))
			table.Row("world size", strconv.Itoa(id.WorldSize))
			table.Row("nodes x procs", fmt.Sprintf("%d x %d", id.NodesTotal, id.ProcsPerNode))
			table.Row("rendezvous", topo.Endpoint.String())
			if len(topo.Hostnames) > 0 {
				table.Row("hosts", strings.Join(topo.Hostnames, ","))
			}
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
	cmd.Flags().Bool("export", false, "Print shell export statements")
	cmd.Flags().Bool("json", false, "Print the topology as JSON")
	return cmd
}
