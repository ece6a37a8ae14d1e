// Package repository はトラストストアと成果物台帳の永続化を提供する。
package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"cluster-pki-manager/internal/domain"
)

// ArtifactModel はtrust_artifactsテーブルのモデル。鍵の中身は保存しない。
type ArtifactModel struct {
	ID          string    `gorm:"type:char(36);primaryKey"`
	Cluster     string    `gorm:"type:varchar(63);not null;index:idx_trust_artifacts_cluster"`
	TrustDomain string    `gorm:"column:trust_domain;type:varchar(32);not null;default:''"`
	Subject     string    `gorm:"type:varchar(63);not null;default:''"`
	Kind        string    `gorm:"type:varchar(32);not null"`
	Path        string    `gorm:"type:varchar(1024);not null"`
	MasterKey   string    `gorm:"type:varchar(512);not null;default:''"`
	Action      string    `gorm:"type:varchar(16);not null"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime;index:idx_trust_artifacts_cluster"`
}

// TableName はテーブル名を返す。
func (ArtifactModel) TableName() string {
	return "trust_artifacts"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *ArtifactModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func toArtifactModel(r *domain.ArtifactRecord) *ArtifactModel {
	return &ArtifactModel{
		ID:          r.ID,
		Cluster:     r.Cluster,
		TrustDomain: r.Domain,
		Subject:     r.Subject,
		Kind:        string(r.Kind),
		Path:        r.Path,
		MasterKey:   r.MasterKey,
		Action:      string(r.Action),
		CreatedAt:   r.CreatedAt,
	}
}

func (m *ArtifactModel) toDomain() *domain.ArtifactRecord {
	return &domain.ArtifactRecord{
		ID:        m.ID,
		Cluster:   m.Cluster,
		Domain:    m.TrustDomain,
		Subject:   m.Subject,
		Kind:      domain.ArtifactKind(m.Kind),
		Path:      m.Path,
		MasterKey: m.MasterKey,
		Action:    domain.ArtifactAction(m.Action),
		CreatedAt: m.CreatedAt,
	}
}

// ArtifactRepository は成果物台帳へのアクセスを提供する。
type ArtifactRepository struct {
	db *gorm.DB
}

// NewArtifactRepository は新しいArtifactRepositoryを生成する。
func NewArtifactRepository(db *gorm.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// Record は成果物の記録を追加し、採番したIDと作成日時をrecordに反映する。
func (r *ArtifactRepository) Record(ctx context.Context, record *domain.ArtifactRecord) error {
	model := toArtifactModel(record)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record artifact",
			"operation", "record",
			"cluster", record.Cluster,
			"path", record.Path,
			"error", err,
		)
		return err
	}
	record.ID = model.ID
	record.CreatedAt = model.CreatedAt
	return nil
}

// FindByCluster はクラスタの記録を古い順に返す。
func (r *ArtifactRepository) FindByCluster(ctx context.Context, cluster string) ([]*domain.ArtifactRecord, error) {
	var models []ArtifactModel
	err := r.db.WithContext(ctx).
		Where("cluster = ?", cluster).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find artifacts by cluster",
			"operation", "find_by_cluster",
			"cluster", cluster,
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.ArtifactRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}
	return records, nil
}
