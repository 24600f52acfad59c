package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/amnesia/internal/compliance"
)

func newCertificatesCmd(a *app) *cobra.Command {
	var subject, output string
	cmd := &cobra.Command{
		Use:     "certificates [certificate-id]",
		Aliases: []string{"certs"},
		Short:   "List issued erasure certificates, or show one",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := compliance.OpenLedger(a.cfg.Ledger.Path, a.logger)
			if err != nil {
				return err
			}
			defer ledger.Close()

			if len(args) == 1 {
				rec, err := ledger.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				data, err := rec.JSON()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}

			records, err := ledger.List(cmd.Context(), subject)
			if err != nil {
				return err
			}
			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CERTIFICATE\tISSUED\tMODEL\tSTRATEGY\tERASED\tDROP")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.4f\n",
					r.CertificateID, r.IssuedAt.Format(time.RFC3339), r.SubjectModelID,
					r.Strategy, len(r.ErasedDataIDs), r.ConfidenceDrop())
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "only records for this model id")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}
