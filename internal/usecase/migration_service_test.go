package usecase

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cluster-pki-manager/internal/domain"
	"cluster-pki-manager/internal/repository"
	"cluster-pki-manager/migrations"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	ensureErr         error
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
	}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	return m.ensureErr
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

func (m *mockMigrationRepository) markApplied(versions ...string) {
	now := time.Now()
	for _, v := range versions {
		m.appliedMigrations[v] = &domain.Migration{
			Version:   v,
			AppliedAt: &now,
			Status:    domain.MigrationStatusApplied,
		}
	}
}

func testMigrationsFS() fstest.MapFS {
	return fstest.MapFS{
		"001_create_clusters.sql":  {Data: []byte("CREATE TABLE clusters (id INT);")},
		"002_create_bundles.sql":   {Data: []byte("-- bundles\nCREATE TABLE bundles (id INT);\nCREATE INDEX idx_bundles ON bundles (id);")},
		"003_create_operators.sql": {Data: []byte("CREATE TABLE operators (id INT);")},
		"README.md":                {Data: []byte("not a migration")},
	}
}

// setupTestDB はschema_migrationsを持つインメモリSQLiteを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Exec("CREATE TABLE schema_migrations (version VARCHAR(14) PRIMARY KEY, applied_at DATETIME)").Error; err != nil {
		t.Fatalf("failed to create schema_migrations table: %v", err)
	}
	return db
}

func tableExists(t *testing.T, db *gorm.DB, table string) bool {
	t.Helper()
	var count int64
	if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count).Error; err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}
	return count == 1
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	service := NewMigrationService(newMockMigrationRepository(), db, testMigrationsFS())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}
	for _, table := range []string{"clusters", "bundles", "operators"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s was not created", table)
		}
	}

	var recorded int64
	if err := db.Raw("SELECT COUNT(*) FROM schema_migrations").Scan(&recorded).Error; err != nil {
		t.Fatalf("failed to count schema_migrations: %v", err)
	}
	if recorded != 3 {
		t.Errorf("expected 3 recorded versions, got %d", recorded)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	repo.markApplied("001", "002")
	service := NewMigrationService(repo, setupTestDB(t), testMigrationsFS())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_InvalidSQL(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fsys := testMigrationsFS()
	fsys["004_invalid.sql"] = &fstest.MapFile{Data: []byte("INVALID SQL SYNTAX;")}
	service := NewMigrationService(newMockMigrationRepository(), db, fsys)

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Fatalf("want ErrMigrationFailed, got %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied before failure, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_InvalidFileName(t *testing.T) {
	fsys := testMigrationsFS()
	fsys["create_things.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE things (id INT);")}
	service := NewMigrationService(newMockMigrationRepository(), setupTestDB(t), fsys)

	if _, err := service.ApplyMigrations(context.Background()); !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("want ErrInvalidMigrationFile, got %v", err)
	}
}

func TestMigrationService_ApplyMigrations_DuplicateVersion(t *testing.T) {
	fsys := testMigrationsFS()
	fsys["001_duplicate.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE dup (id INT);")}
	service := NewMigrationService(newMockMigrationRepository(), setupTestDB(t), fsys)

	if _, err := service.ApplyMigrations(context.Background()); !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("want ErrInvalidMigrationFile, got %v", err)
	}
}

func TestMigrationService_ApplyMigrations_EnsureTableFailure(t *testing.T) {
	repo := newMockMigrationRepository()
	repo.ensureErr = errors.New("read-only database")
	service := NewMigrationService(repo, setupTestDB(t), testMigrationsFS())

	if _, err := service.ApplyMigrations(context.Background()); !errors.Is(err, domain.ErrMigrationFailed) {
		t.Errorf("want ErrMigrationFailed, got %v", err)
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	repo := newMockMigrationRepository()
	repo.markApplied("001")
	service := NewMigrationService(repo, setupTestDB(t), testMigrationsFS())

	migrations, err := service.GetMigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	expected := []domain.MigrationStatus{
		domain.MigrationStatusApplied,
		domain.MigrationStatusPending,
		domain.MigrationStatusPending,
	}
	for i, m := range migrations {
		if m.Status != expected[i] {
			t.Errorf("migration %s: expected status %s, got %s", m.Version, expected[i], m.Status)
		}
	}
	if migrations[0].AppliedAt == nil {
		t.Error("expected applied_at for 001")
	}
}

func TestMigrationService_BundledMigrations(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	service := NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS)

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count == 0 {
		t.Error("expected bundled migrations to apply")
	}
	if !tableExists(t, db, "trust_artifacts") {
		t.Error("trust_artifacts was not created")
	}

	count, err = service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("second ApplyMigrations failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no pending migrations, got %d", count)
	}

	ledger := repository.NewArtifactRepository(db)
	record := &domain.ArtifactRecord{Cluster: "demo", Kind: domain.ArtifactKindCertificate, Path: "clusters/demo/ca.pem", Action: domain.ArtifactActionIssued}
	if err := ledger.Record(ctx, record); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- header\nCREATE TABLE a (id INT);\n\nCREATE INDEX i ON a (id);\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (id INT)" {
		t.Errorf("unexpected first statement: %q", got[0])
	}
}

func TestParseMigrationFileName(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantErr     bool
	}{
		{filename: "001_create_trust_artifacts.sql", wantVersion: "001", wantName: "create_trust_artifacts"},
		{filename: "10_add_index.sql", wantVersion: "10", wantName: "add_index"},
		{filename: "create_things.sql", wantErr: true},
		{filename: "v1_things.sql", wantErr: true},
		{filename: "001.sql", wantErr: true},
		{filename: "001_.sql", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseMigrationFileName(tt.filename)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidMigrationFile) {
					t.Errorf("want ErrInvalidMigrationFile, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if version != tt.wantVersion || name != tt.wantName {
				t.Errorf("want %s/%s, got %s/%s", tt.wantVersion, tt.wantName, version, name)
			}
		})
	}
}

func TestMigrationService_NumericVersionOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"10_second.sql": {Data: []byte("CREATE TABLE second (id INT);")},
		"9_first.sql":   {Data: []byte("CREATE TABLE first (id INT);")},
	}
	service := NewMigrationService(newMockMigrationRepository(), setupTestDB(t), fsys)

	migrations, err := service.GetMigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != "9" || migrations[1].Version != "10" {
		t.Errorf("want versions [9 10], got %v", migrations)
	}
}
