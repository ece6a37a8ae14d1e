// Package main はクラスタPKI管理CLIのエントリポイント。
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cluster-pki-manager/pkg/version"
)

func main() {
	a := &app{}
	rootCmd := newRootCmd(a)
	err := rootCmd.ExecuteContext(context.Background())
	a.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pkictl",
		Short:         "Cluster PKI and trust material manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	// グローバルフラグ（環境変数より優先）
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.opts.cluster, "cluster", "", "Cluster name")
	flags.StringVar(&a.opts.region, "region", "", "KMS location (or set KMS_REGION)")
	flags.StringVar(&a.opts.kmsKey, "kms-key", "", "Master key as <keyRing>/<cryptoKey> or full resource name (or set KMS_KEY_ID)")
	flags.StringVar(&a.opts.clustersDir, "clusters-dir", "", "Trust store root (or set CLUSTERS_DIR)")
	flags.StringVar(&a.opts.issuer, "issuer", "", "Issuance engine: cfssl or local (or set ISSUER)")

	rootCmd.AddCommand(pkiCmd(a))
	rootCmd.AddCommand(adminCmd(a))
	rootCmd.AddCommand(reencryptCmd(a))
	rootCmd.AddCommand(keyCmd(a))
	rootCmd.AddCommand(ledgerCmd(a))
	rootCmd.AddCommand(migrateCmd(a))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pkictl version %s\n", version.Version)
		},
	}
}
