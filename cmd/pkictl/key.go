package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cluster-pki-manager/internal/middleware"
)

// keyCmd は任意ファイルのエンベロープ暗号化・復号を行うコマンド群。
func keyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Envelope-encrypt or decrypt individual files",
	}
	cmd.AddCommand(keyEncryptCmd(a))
	cmd.AddCommand(keyDecryptCmd(a))
	return cmd
}

func keyEncryptCmd(a *app) *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a file under the master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := a.masterKey()
			if err != nil {
				return err
			}
			plaintext, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("reading %s: %w", in, err)
			}
			envelope, err := a.envelope(cmd.Context())
			if err != nil {
				return err
			}

			err = envelope.EncryptAndWriteFile(cmd.Context(), plaintext, ref, out)
			middleware.WriteAuditLog(cmd.Context(), middleware.AuditLog{
				Operation: "ENCRYPT_FILE",
				Target:    out,
				Result:    middleware.Result(err),
			})
			return err
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "Plaintext input file (required)")
	cmd.Flags().StringVar(&out, "out", "", "Encrypted output file (required)")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func keyDecryptCmd(a *app) *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt an encrypted file (the output is written with mode 0600)",
		RunE: func(cmd *cobra.Command, args []string) error {
			envelope, err := a.envelope(cmd.Context())
			if err != nil {
				return err
			}

			err = envelope.DecryptFile(cmd.Context(), in, out)
			middleware.WriteAuditLog(cmd.Context(), middleware.AuditLog{
				Operation: "DECRYPT_FILE",
				Target:    in,
				Result:    middleware.Result(err),
			})
			return err
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "Encrypted input file (required)")
	cmd.Flags().StringVar(&out, "out", "", "Plaintext output file (required)")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
