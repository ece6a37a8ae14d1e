package domain

import "time"

// MigrationStatus は台帳スキーマのマイグレーション適用状態。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は台帳データベースの1マイグレーション。
// FilePath はマイグレーションを読み出すfs.FS内のパス。
type Migration struct {
	Version   string
	Name      string
	AppliedAt *time.Time
	FilePath  string
	Status    MigrationStatus
}

// MarkApplied は適用済みとして記録する。
func (m *Migration) MarkApplied(at time.Time) {
	m.AppliedAt = &at
	m.Status = MigrationStatusApplied
}
