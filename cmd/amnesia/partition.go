package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dreamware/amnesia/internal/shard"
)

func newPartitionCmd(a *app) *cobra.Command {
	var records, shards int
	var seed int64
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Print the deterministic shard assignment for N records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if records == 0 {
				records = a.cfg.Dataset.Samples
			}
			if shards == 0 {
				shards = a.cfg.Sharding.NumShards
			}
			if !cmd.Flags().Changed("seed") {
				seed = a.cfg.Sharding.Seed
			}

			idx, err := shard.NewPartitioner(shards, seed).Partition(records, nil)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SHARD\tID\tRECORDS")
			for _, info := range idx.Infos() {
				fmt.Fprintf(w, "%d\t%s\t%d\n", info.Index, info.ID, info.NumSamples)
			}
			fmt.Fprintf(w, "total\t\t%d\n", idx.TotalSamples())
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&records, "records", "n", 0, "number of records (default: dataset.samples)")
	cmd.Flags().IntVarP(&shards, "shards", "k", 0, "number of shards (default: sharding.num_shards)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "partition seed (default: sharding.seed)")
	return cmd
}
