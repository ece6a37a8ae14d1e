package usecase

import (
	"context"
	"fmt"

	"cluster-pki-manager/internal/domain"
)

// CACertificateStore はCA証明書の読み込みのインターフェース。
type CACertificateStore interface {
	LoadCACertificate(cluster string, d domain.TrustDomain) (domain.Certificate, error)
}

// BundleService は公開可能なトラスト情報（CA証明書と台帳）の参照を提供する。
// 鍵は扱わない。
type BundleService struct {
	store  CACertificateStore
	ledger Ledger
}

// NewBundleService は新しいBundleServiceを生成する。
func NewBundleService(store CACertificateStore, ledger Ledger) *BundleService {
	if ledger == nil {
		ledger = NopLedger{}
	}
	return &BundleService{store: store, ledger: ledger}
}

// CACertificate はトラストドメインのCA証明書を返す。
func (s *BundleService) CACertificate(cluster, trustDomain string) (domain.Certificate, error) {
	if err := domain.ValidateName(cluster); err != nil {
		return nil, err
	}
	d, err := domain.ParseTrustDomain(trustDomain)
	if err != nil {
		return nil, err
	}
	return s.store.LoadCACertificate(cluster, d)
}

// Artifacts はクラスタの台帳を返す。
func (s *BundleService) Artifacts(ctx context.Context, cluster string) ([]*domain.ArtifactRecord, error) {
	if err := domain.ValidateName(cluster); err != nil {
		return nil, err
	}
	records, err := s.ledger.FindByCluster(ctx, cluster)
	if err != nil {
		return nil, fmt.Errorf("finding artifacts: %w", err)
	}
	return records, nil
}
