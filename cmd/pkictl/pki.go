package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cluster-pki-manager/internal/domain"
	"cluster-pki-manager/internal/middleware"
	"cluster-pki-manager/internal/usecase"
)

// pkiCmd はCA・リーフ証明書の生成コマンド群。
func pkiCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pki",
		Short: "Generate certificate authorities and service certificates",
	}
	cmd.AddCommand(pkiGenerateCmd(a))
	cmd.AddCommand(pkiCACmd(a))
	cmd.AddCommand(pkiSubjectCmd(a))
	return cmd
}

// pkiService はコマンド共通の依存関係を組み立てる。
func (a *app) pkiService(cmd *cobra.Command) (*usecase.PKIService, error) {
	store, _, err := a.trustStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	issuer, err := a.issuer()
	if err != nil {
		return nil, err
	}
	ledger, err := a.ledger()
	if err != nil {
		return nil, err
	}
	return usecase.NewPKIService(issuer, store, ledger), nil
}

// pkiGenerateCmd は全ドメインまたは1ドメインのCAと全サブジェクトを生成する。
func pkiGenerateCmd(a *app) *cobra.Command {
	var dnsDomain string
	cmd := &cobra.Command{
		Use:       "generate {all|kubernetes|etcd|etcd-peer}",
		Short:     "Generate a CA and every subject certificate (existing artifacts are reused)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"all", "kubernetes", "etcd", "etcd-peer"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := a.cluster()
			if err != nil {
				return err
			}
			ref, err := a.masterKey()
			if err != nil {
				return err
			}
			target := args[0]
			var d domain.TrustDomain
			if target != "all" {
				if d, err = domain.ParseTrustDomain(target); err != nil {
					return err
				}
			}
			svc, err := a.pkiService(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if target == "all" {
				err = svc.GenerateAll(ctx, cluster, dnsDomain, ref)
			} else {
				err = svc.GenerateDomain(ctx, cluster, d, dnsDomain, ref)
			}
			middleware.WriteAuditLog(ctx, middleware.AuditLog{
				Operation: "GENERATE_PKI",
				Cluster:   cluster,
				Target:    target,
				Result:    middleware.Result(err),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s PKI for cluster %q\n", target, cluster)
			return nil
		},
	}
	cmd.Flags().StringVar(&dnsDomain, "domain", "", "Base DNS domain of the cluster, e.g. example.com (adds kubernetes.<domain> to the masters certificate)")
	return cmd
}

// pkiCACmd はトラストドメインのCAを生成する。既存のCAは上書きしない。
func pkiCACmd(a *app) *cobra.Command {
	var trustDomain string
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate the certificate authority of a trust domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := a.cluster()
			if err != nil {
				return err
			}
			ref, err := a.masterKey()
			if err != nil {
				return err
			}
			d, err := domain.ParseTrustDomain(trustDomain)
			if err != nil {
				return err
			}
			svc, err := a.pkiService(cmd)
			if err != nil {
				return err
			}

			err = svc.GenerateCA(cmd.Context(), cluster, d, ref)
			middleware.WriteAuditLog(cmd.Context(), middleware.AuditLog{
				Operation: "GENERATE_CA",
				Cluster:   cluster,
				Target:    string(d),
				Result:    middleware.Result(err),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s CA for cluster %q\n", d, cluster)
			return nil
		},
	}
	cmd.Flags().StringVar(&trustDomain, "trust-domain", "", "Trust domain: kubernetes, etcd or etcd-peer (required)")
	_ = cmd.MarkFlagRequired("trust-domain")
	return cmd
}

// pkiSubjectCmd はサブジェクトの証明書を(再)発行する。
func pkiSubjectCmd(a *app) *cobra.Command {
	var (
		trustDomain string
		subject     string
		sans        []string
		dnsDomain   string
	)
	cmd := &cobra.Command{
		Use:   "subject",
		Short: "Issue (or reissue) a subject certificate signed by its trust domain CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := a.cluster()
			if err != nil {
				return err
			}
			ref, err := a.masterKey()
			if err != nil {
				return err
			}
			d, err := domain.ParseTrustDomain(trustDomain)
			if err != nil {
				return err
			}
			s, err := d.Subject(subject)
			if err != nil {
				return err
			}
			hosts := sans
			if len(hosts) == 0 {
				hosts = usecase.DefaultHosts(s, dnsDomain)
			}
			svc, err := a.pkiService(cmd)
			if err != nil {
				return err
			}

			err = svc.GenerateSubject(cmd.Context(), cluster, d, subject, hosts, ref)
			middleware.WriteAuditLog(cmd.Context(), middleware.AuditLog{
				Operation: "GENERATE_SUBJECT",
				Cluster:   cluster,
				Target:    string(d) + "/" + subject,
				Result:    middleware.Result(err),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Issued %s certificate for cluster %q\n", subject, cluster)
			return nil
		},
	}
	cmd.Flags().StringVar(&trustDomain, "trust-domain", "", "Trust domain: kubernetes, etcd or etcd-peer (required)")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject name, e.g. masters, nodes, client, server, peer (required)")
	cmd.Flags().StringSliceVar(&sans, "san", nil, "Subject alternative names (comma separated)")
	cmd.Flags().StringVar(&dnsDomain, "domain", "", "Base DNS domain used for default SANs when --san is omitted")
	_ = cmd.MarkFlagRequired("trust-domain")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
