package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// ledgerCmd は成果物台帳の参照コマンド。
func ledgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the artifact ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List artifacts recorded for the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := a.cluster()
			if err != nil {
				return err
			}
			if a.cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL environment variable is required")
			}
			ledger, err := a.ledger()
			if err != nil {
				return err
			}
			records, err := ledger.FindByCluster(cmd.Context(), cluster)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CREATED AT\tDOMAIN\tSUBJECT\tKIND\tACTION\tMASTER KEY\tPATH")
			for _, r := range records {
				subject := r.Subject
				if subject == "" {
					subject = "-"
				}
				masterKey := r.MasterKey
				if masterKey == "" {
					masterKey = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Format("2006-01-02 15:04:05"), r.Domain, subject, r.Kind, r.Action, masterKey, r.Path)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	})
	return cmd
}
