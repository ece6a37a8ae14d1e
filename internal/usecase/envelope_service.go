// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"

	"cluster-pki-manager/internal/domain"
	"cluster-pki-manager/pkg/fsutil"
)

const (
	keySize      = 32 // AES-256 = 256 bits = 32 bytes
	blobVersion  = 1
	blobHKDFInfo = "cluster-pki-manager envelope v1"
)

var (
	blobEncoding = base64.StdEncoding.Strict()
	crc32cTable  = crc32.MakeTable(crc32.Castagnoli)
)

// KMSClient はマスター鍵による暗号化/復号のインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error)
}

// EnvelopeService はマスター鍵とデータ鍵によるエンベロープ暗号化を提供する。
type EnvelopeService struct {
	kmsClient KMSClient
	project   string
}

// NewEnvelopeService は新しいEnvelopeServiceを生成する。
func NewEnvelopeService(kmsClient KMSClient, project string) *EnvelopeService {
	return &EnvelopeService{
		kmsClient: kmsClient,
		project:   project,
	}
}

// KeyName はマスター鍵参照をKMSの鍵名に解決する。
func (s *EnvelopeService) KeyName(ref domain.MasterKeyRef) string {
	return ref.ResourceName(s.project)
}

// generateAESKey はAES-256鍵を生成する。
func generateAESKey() ([]byte, error) {
	key := make([]byte, keySize)
	_, err := rand.Read(key)
	if err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}

// deriveAEAD はデータ鍵からAES-256-GCMを構築する。
func deriveAEAD(dataKey []byte) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	defer zero(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dataKey, nil, []byte(blobHKDFInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Encrypt は新しいデータ鍵で平文を暗号化し、マスター鍵でラップしたデータ鍵と共に返す。
func (s *EnvelopeService) Encrypt(ctx context.Context, plaintext []byte, ref domain.MasterKeyRef) (domain.EncryptedBlob, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	keyName := s.KeyName(ref)

	dataKey, err := generateAESKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncoding, err)
	}
	defer zero(dataKey)

	wrapped, err := s.kmsClient.Encrypt(ctx, keyName, dataKey)
	if err != nil {
		slog.ErrorContext(ctx, "failed to wrap data key",
			"operation", "envelope_encrypt",
			"key_name", keyName,
			"error", err,
		)
		return "", fmt.Errorf("wrapping data key: %w", err)
	}

	header, err := encodeHeader(keyName, wrapped)
	if err != nil {
		return "", err
	}

	aead, err := deriveAEAD(dataKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncoding, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", domain.ErrEncoding, err)
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, header)

	return domain.EncryptedBlob(blobEncoding.EncodeToString(out)), nil
}

// Decrypt はブロブに埋め込まれたデータ鍵をKMSでアンラップして復号する。
func (s *EnvelopeService) Decrypt(ctx context.Context, blob domain.EncryptedBlob) ([]byte, error) {
	parsed, err := parseBlob(blob)
	if err != nil {
		return nil, err
	}

	dataKey, err := s.kmsClient.Decrypt(ctx, parsed.keyName, parsed.wrappedKey)
	if err != nil {
		slog.ErrorContext(ctx, "failed to unwrap data key",
			"operation", "envelope_decrypt",
			"key_name", parsed.keyName,
			"error", err,
		)
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	defer zero(dataKey)

	aead, err := deriveAEAD(dataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	if len(parsed.payload) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short", domain.ErrMalformedBlob)
	}
	nonce := parsed.payload[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, parsed.payload[aead.NonceSize():], parsed.header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return plaintext, nil
}

// WrappingKeyName はブロブをラップしたマスター鍵の名前を返す（KMSは呼ばない）。
func (s *EnvelopeService) WrappingKeyName(blob domain.EncryptedBlob) (string, error) {
	parsed, err := parseBlob(blob)
	if err != nil {
		return "", err
	}
	return parsed.keyName, nil
}

// EncryptAndWriteFile は平文を暗号化してファイルに書き込む。
func (s *EnvelopeService) EncryptAndWriteFile(ctx context.Context, plaintext []byte, ref domain.MasterKeyRef, path string) error {
	blob, err := s.Encrypt(ctx, plaintext, ref)
	if err != nil {
		return domain.NewOpError("encrypt", path, nil, err)
	}
	if err := fsutil.WriteFileAtomic(path, []byte(blob), 0644); err != nil {
		return domain.NewOpError("write", path, domain.ErrFilesystem, err)
	}
	return nil
}

// DecryptFile は暗号化ファイルを復号して平文をdstに書き込む。
// 途中で失敗した場合、dstに平文は残らない。
func (s *EnvelopeService) DecryptFile(ctx context.Context, src, dst string) (err error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return domain.NewOpError("read", src, domain.ErrFilesystem, err)
	}
	plaintext, err := s.Decrypt(ctx, domain.EncryptedBlob(data))
	if err != nil {
		return domain.NewOpError("decrypt", src, nil, err)
	}
	defer zero(plaintext)

	if err := fsutil.WriteFileAtomic(dst, plaintext, 0600); err != nil {
		return domain.NewOpError("write", dst, domain.ErrFilesystem, err)
	}
	return nil
}

type parsedBlob struct {
	header     []byte
	keyName    string
	wrappedKey []byte
	payload    []byte
}

// encodeHeader はバージョン・鍵名・ラップ済みデータ鍵・CRC32Cからなるヘッダを組み立てる。
func encodeHeader(keyName string, wrapped []byte) ([]byte, error) {
	if len(keyName) > 0xffff || len(wrapped) > 0xffff {
		return nil, fmt.Errorf("%w: header field too long", domain.ErrEncoding)
	}
	var buf bytes.Buffer
	buf.WriteByte(blobVersion)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(keyName)))
	buf.WriteString(keyName)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(wrapped)))
	buf.Write(wrapped)
	_ = binary.Write(&buf, binary.BigEndian, crc32.Checksum(buf.Bytes(), crc32cTable))
	return buf.Bytes(), nil
}

func parseBlob(blob domain.EncryptedBlob) (*parsedBlob, error) {
	raw, err := blobEncoding.DecodeString(strings.TrimSpace(string(blob)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedBlob, err)
	}

	r := bytes.NewReader(raw)
	version, err := r.ReadByte()
	if err != nil || version != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version", domain.ErrMalformedBlob)
	}
	keyName, err := readField(r)
	if err != nil {
		return nil, err
	}
	wrapped, err := readField(r)
	if err != nil {
		return nil, err
	}
	headerLen := len(raw) - r.Len()

	var sum uint32
	if err := binary.Read(r, binary.BigEndian, &sum); err != nil {
		return nil, fmt.Errorf("%w: missing checksum", domain.ErrMalformedBlob)
	}
	if sum != crc32.Checksum(raw[:headerLen], crc32cTable) {
		return nil, fmt.Errorf("%w: header checksum mismatch", domain.ErrMalformedBlob)
	}
	headerLen += 4

	return &parsedBlob{
		header:     raw[:headerLen],
		keyName:    string(keyName),
		wrappedKey: wrapped,
		payload:    raw[headerLen:],
	}, nil
}

func readField(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: truncated header", domain.ErrMalformedBlob)
	}
	if n == 0 || int(n) > r.Len() {
		return nil, fmt.Errorf("%w: invalid field length", domain.ErrMalformedBlob)
	}
	field := make([]byte, n)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, fmt.Errorf("%w: truncated header", domain.ErrMalformedBlob)
	}
	return field, nil
}
