package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cluster-pki-manager/internal/infra"
	"cluster-pki-manager/internal/middleware"
	"cluster-pki-manager/internal/usecase"
)

// adminCmd は管理者証明書のコマンド群。
func adminCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator credentials",
	}
	cmd.AddCommand(adminCreateCmd(a))
	cmd.AddCommand(adminSignCmd(a))
	cmd.AddCommand(adminInstallCmd(a))
	return cmd
}

// adminService はCAの秘密鍵を扱う場合のみKMSに接続する。
func (a *app) adminService(cmd *cobra.Command, needsKMS bool) (*usecase.AdminService, *infra.Kubeconfig, error) {
	store := a.certStore()
	if needsKMS {
		var err error
		if store, _, err = a.trustStore(cmd.Context()); err != nil {
			return nil, nil, err
		}
	}
	issuer, err := a.issuer()
	if err != nil {
		return nil, nil, err
	}
	ledger, err := a.ledger()
	if err != nil {
		return nil, nil, err
	}
	kubeconfig := infra.NewKubeconfig(a.cfg.Kubeconfig)
	return usecase.NewAdminService(issuer, store, kubeconfig, ledger), kubeconfig, nil
}

// adminRun は管理者コマンドの共通処理（検証・監査ログ）を行う。
func (a *app) adminRun(cmd *cobra.Command, operation, name string, needsKMS bool, fn func(svc *usecase.AdminService, kubeconfig *infra.Kubeconfig, cluster string) error) error {
	cluster, err := a.cluster()
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("--name is required")
	}
	svc, kubeconfig, err := a.adminService(cmd, needsKMS)
	if err != nil {
		return err
	}
	err = fn(svc, kubeconfig, cluster)
	middleware.WriteAuditLog(cmd.Context(), middleware.AuditLog{
		Operation: operation,
		Cluster:   cluster,
		Target:    name,
		Result:    middleware.Result(err),
	})
	return err
}

func adminCreateCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an administrator key and certificate signing request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.adminRun(cmd, "ADMIN_CREATE", name, false, func(svc *usecase.AdminService, _ *infra.Kubeconfig, cluster string) error {
				if err := svc.Create(cmd.Context(), cluster, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created CSR for %q; ask a cluster owner to run `pkictl admin sign`\n", name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Administrator name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func adminSignCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an administrator CSR with the cluster Kubernetes CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.adminRun(cmd, "ADMIN_SIGN", name, true, func(svc *usecase.AdminService, _ *infra.Kubeconfig, cluster string) error {
				if err := svc.Sign(cmd.Context(), cluster, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed certificate for %q\n", name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Administrator name (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func adminInstallCmd(a *app) *cobra.Command {
	var name, dnsDomain string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install administrator credentials into kubeconfig",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.adminRun(cmd, "ADMIN_INSTALL", name, false, func(svc *usecase.AdminService, kubeconfig *infra.Kubeconfig, cluster string) error {
				if err := svc.Install(cmd.Context(), cluster, dnsDomain, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Installed credentials for %q into %s (context %q)\n", name, kubeconfig.Path(), cluster)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Administrator name (required)")
	cmd.Flags().StringVar(&dnsDomain, "domain", "", "Base DNS domain of the cluster, e.g. example.com (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}
