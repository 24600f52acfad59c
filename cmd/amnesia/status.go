package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dreamware/amnesia/internal/api"
)

func newStatusCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show shard status from a running 'amnesia run --metrics-addr'",
		RunE: func(cmd *cobra.Command, args []string) error {
			shards, err := api.NewClient(addr).Shards(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SHARD\tRECORDS\tSERVING\tWEIGHT\tHEALTH")
			for _, s := range shards {
				health := "-"
				if s.Health != nil {
					health = s.Health.Status
				}
				fmt.Fprintf(w, "%d\t%d\t%t\t%.3f\t%s\n", s.Index, s.NumSamples, s.Serving, s.Weight, health)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:9090", "server base URL")
	return cmd
}
