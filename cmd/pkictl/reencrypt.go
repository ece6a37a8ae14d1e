package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cluster-pki-manager/internal/middleware"
	"cluster-pki-manager/internal/usecase"
)

// reencryptCmd はクラスタの全暗号化鍵を別のマスター鍵で再暗号化する。
func reencryptCmd(a *app) *cobra.Command {
	var currentKey, newKey string
	cmd := &cobra.Command{
		Use:   "reencrypt",
		Short: "Re-encrypt every encrypted key of a cluster under a new master key",
		Long: `Re-encrypt every encrypted key of a cluster under a new master key.

Each file is replaced atomically. If the command fails part way, files that
were already rotated stay encrypted under the new key and are skipped when
the command is run again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := a.cluster()
			if err != nil {
				return err
			}
			currentRef, err := a.parseMasterKey(currentKey, "--current-key")
			if err != nil {
				return err
			}
			newRef, err := a.parseMasterKey(newKey, "--new-key")
			if err != nil {
				return err
			}
			store, envelope, err := a.trustStore(cmd.Context())
			if err != nil {
				return err
			}
			ledger, err := a.ledger()
			if err != nil {
				return err
			}

			svc := usecase.NewRotationService(envelope, store, ledger)
			result, err := svc.Reencrypt(cmd.Context(), cluster, currentRef, newRef)
			middleware.WriteAuditLog(cmd.Context(), middleware.AuditLog{
				Operation: "REENCRYPT",
				Cluster:   cluster,
				Target:    envelope.KeyName(newRef),
				Result:    middleware.Result(err),
			})
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Rotated %d file(s), skipped %d already rotated file(s)\n", len(result.Rotated), len(result.Skipped))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&currentKey, "current-key", "", "Master key currently protecting the keys (required)")
	cmd.Flags().StringVar(&newKey, "new-key", "", "Master key to re-encrypt the keys under (required)")
	_ = cmd.MarkFlagRequired("current-key")
	_ = cmd.MarkFlagRequired("new-key")
	return cmd
}
