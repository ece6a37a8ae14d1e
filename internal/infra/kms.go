// Package infra は外部サービス（Cloud KMS、証明書発行エンジン、DB、kubeconfig）との接続を提供する。
package infra

import (
	"context"
	"fmt"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"cluster-pki-manager/internal/domain"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32cTable))
}

// KMSClient はCloud KMSクライアントをラップする。
type KMSClient struct {
	client *kms.KeyManagementClient
}

// NewKMSClient はCloud KMSクライアントを生成する。
func NewKMSClient(ctx context.Context) (*KMSClient, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: creating KMS client: %v", domain.ErrRemoteKeyService, err)
	}
	return &KMSClient{client: client}, nil
}

// Encrypt は平文を指定した鍵でCloud KMSにより暗号化する。
func (c *KMSClient) Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:            keyName,
		Plaintext:       plaintext,
		PlaintextCrc32C: wrapperspb.Int64(crc32c(plaintext)),
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, classifyKMSError("encrypting", err)
	}
	if !resp.VerifiedPlaintextCrc32C {
		return nil, fmt.Errorf("%w: encrypt request corrupted in transit", domain.ErrRemoteKeyService)
	}
	if resp.CiphertextCrc32C.GetValue() != crc32c(resp.Ciphertext) {
		return nil, fmt.Errorf("%w: encrypt response corrupted in transit", domain.ErrRemoteKeyService)
	}
	return resp.Ciphertext, nil
}

// Decrypt は暗号文を指定した鍵でCloud KMSにより復号する。
func (c *KMSClient) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:             keyName,
		Ciphertext:       ciphertext,
		CiphertextCrc32C: wrapperspb.Int64(crc32c(ciphertext)),
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, classifyKMSError("decrypting", err)
	}
	if resp.PlaintextCrc32C.GetValue() != crc32c(resp.Plaintext) {
		return nil, fmt.Errorf("%w: decrypt response corrupted in transit", domain.ErrRemoteKeyService)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}

// classifyKMSError はgRPCステータスをドメインエラーに変換する。
// 暗号文が不正な場合のみ ErrDecryption とし、それ以外は鍵サービスのエラーとする。
func classifyKMSError(op string, err error) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.InvalidArgument && op == "decrypting" {
		return fmt.Errorf("%w: %s: %s", domain.ErrDecryption, op, st.Message())
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrRemoteKeyService, op, err)
}
