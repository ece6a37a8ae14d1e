package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cluster-pki-manager/internal/domain"
)

// Envelope はエンベロープ暗号化のインターフェース。
type Envelope interface {
	Encrypt(ctx context.Context, plaintext []byte, ref domain.MasterKeyRef) (domain.EncryptedBlob, error)
	Decrypt(ctx context.Context, blob domain.EncryptedBlob) ([]byte, error)
	WrappingKeyName(blob domain.EncryptedBlob) (string, error)
	KeyName(ref domain.MasterKeyRef) string
}

// BlobStore は暗号化された鍵ファイルの列挙と置き換えのインターフェース。
type BlobStore interface {
	EncryptedKeyPaths(cluster string) ([]string, error)
	ReadBlob(path string) (domain.EncryptedBlob, error)
	ReplaceBlob(path string, blob domain.EncryptedBlob) error
}

// RotationResult は再暗号化の結果。
type RotationResult struct {
	Rotated []string
	Skipped []string
}

// RotationService はマスター鍵のローテーションを提供する。
type RotationService struct {
	envelope Envelope
	store    BlobStore
	ledger   Ledger
}

// NewRotationService は新しいRotationServiceを生成する。
func NewRotationService(envelope Envelope, store BlobStore, ledger Ledger) *RotationService {
	if ledger == nil {
		ledger = NopLedger{}
	}
	return &RotationService{
		envelope: envelope,
		store:    store,
		ledger:   ledger,
	}
}

// Reencrypt はクラスタの全暗号化鍵を新しいマスター鍵で再暗号化する。
// ファイル単位でアトミックだが全体としては非トランザクションで、
// 失敗時は処理済みのファイルのみ新しい鍵で暗号化された状態になる。
// 新しい鍵で暗号化済みのファイルはスキップするため、再実行で続きから処理できる。
func (s *RotationService) Reencrypt(ctx context.Context, cluster string, currentRef, newRef domain.MasterKeyRef) (result *RotationResult, err error) {
	ctx, span := tracer.Start(ctx, "RotationService.Reencrypt", trace.WithAttributes(
		attribute.String("pki.cluster", cluster),
	))
	defer func() { endSpan(span, err) }()

	if err := domain.ValidateName(cluster); err != nil {
		return nil, err
	}
	if err := currentRef.Validate(); err != nil {
		return nil, fmt.Errorf("current key: %w", err)
	}
	if err := newRef.Validate(); err != nil {
		return nil, fmt.Errorf("new key: %w", err)
	}

	paths, err := s.store.EncryptedKeyPaths(cluster)
	if err != nil {
		return nil, fmt.Errorf("listing encrypted keys: %w", err)
	}

	currentName := s.envelope.KeyName(currentRef)
	newName := s.envelope.KeyName(newRef)
	result = &RotationResult{}

	for _, path := range paths {
		rotated, err := s.reencryptFile(ctx, path, currentName, newName, newRef)
		if err != nil {
			slog.ErrorContext(ctx, "rotation stopped",
				"operation", "reencrypt",
				"cluster", cluster,
				"path", path,
				"rotated", len(result.Rotated),
				"remaining", len(paths)-len(result.Rotated)-len(result.Skipped),
				"error", err,
			)
			return result, err
		}
		if !rotated {
			result.Skipped = append(result.Skipped, path)
			continue
		}
		result.Rotated = append(result.Rotated, path)
		recordArtifact(ctx, s.ledger, &domain.ArtifactRecord{
			Cluster:   cluster,
			Kind:      domain.ArtifactKindEncryptedKey,
			Path:      path,
			MasterKey: newRef.KeyID,
			Action:    domain.ArtifactActionRotated,
		})
	}

	slog.InfoContext(ctx, "rotated master key",
		"operation", "reencrypt",
		"cluster", cluster,
		"from", currentName,
		"to", newName,
		"rotated", len(result.Rotated),
		"skipped", len(result.Skipped),
	)
	return result, nil
}

func (s *RotationService) reencryptFile(ctx context.Context, path, currentName, newName string, newRef domain.MasterKeyRef) (bool, error) {
	blob, err := s.store.ReadBlob(path)
	if err != nil {
		return false, err
	}
	wrappedBy, err := s.envelope.WrappingKeyName(blob)
	if err != nil {
		return false, domain.NewOpError("inspect", path, nil, err)
	}
	switch wrappedBy {
	case currentName:
	case newName:
		return false, nil
	default:
		return false, domain.NewOpError("inspect", path, domain.ErrMasterKeyMismatch, fmt.Errorf("wrapped by %s", wrappedBy))
	}

	plaintext, err := s.envelope.Decrypt(ctx, blob)
	if err != nil {
		return false, domain.NewOpError("decrypt", path, nil, err)
	}
	defer zero(plaintext)

	rewrapped, err := s.envelope.Encrypt(ctx, plaintext, newRef)
	if err != nil {
		return false, domain.NewOpError("encrypt", path, nil, err)
	}
	if err := s.store.ReplaceBlob(path, rewrapped); err != nil {
		return false, err
	}
	return true, nil
}
