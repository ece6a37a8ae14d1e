package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cluster-pki-manager/config"
	"cluster-pki-manager/internal/domain"
	"cluster-pki-manager/internal/infra"
	"cluster-pki-manager/internal/repository"
	"cluster-pki-manager/internal/usecase"
)

type globalOptions struct {
	cluster     string
	region      string
	kmsKey      string
	clustersDir string
	issuer      string
}

// app はコマンド間で共有する設定と、遅延生成する依存関係を保持する。
type app struct {
	opts     globalOptions
	cfg      *config.Config
	cleanups []func()
}

// setup は設定を読み込み、ロガーとトレーサーを初期化する。
func (a *app) setup(cmd *cobra.Command) error {
	// .envファイルは存在しなければ無視し、既存の環境変数は上書きしない
	_ = godotenv.Load()

	a.cfg = config.Load()
	if a.opts.region != "" {
		a.cfg.KMSRegion = a.opts.region
	}
	if a.opts.kmsKey != "" {
		a.cfg.KMSKeyID = a.opts.kmsKey
	}
	if a.opts.clustersDir != "" {
		a.cfg.ClustersDir = a.opts.clustersDir
	}
	if a.opts.issuer != "" {
		a.cfg.Issuer = a.opts.issuer
	}

	tp, err := infra.InitTracer(cmd.Context(), a.cfg)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	if tp != nil {
		a.onClose(func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		})
	}

	// ログは標準エラー、結果は標準出力
	infra.SetupLogger(os.Stderr, a.cfg)
	return nil
}

func (a *app) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// close は登録された後処理を逆順に実行する。
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// cluster は --cluster を検証して返す。
func (a *app) cluster() (string, error) {
	if a.opts.cluster == "" {
		return "", fmt.Errorf("--cluster is required")
	}
	if err := domain.ValidateName(a.opts.cluster); err != nil {
		return "", err
	}
	return a.opts.cluster, nil
}

// masterKey は --region と --kms-key から既定のマスター鍵参照を返す。
func (a *app) masterKey() (domain.MasterKeyRef, error) {
	return a.parseMasterKey(a.cfg.KMSKeyID, "--kms-key")
}

// parseMasterKey は鍵IDを現在のリージョンでマスター鍵参照に変換する。
func (a *app) parseMasterKey(keyID, flag string) (domain.MasterKeyRef, error) {
	if keyID == "" {
		return domain.MasterKeyRef{}, fmt.Errorf("%s is required", flag)
	}
	ref := domain.MasterKeyRef{Region: a.cfg.KMSRegion, KeyID: keyID}
	if err := ref.Validate(); err != nil {
		return domain.MasterKeyRef{}, fmt.Errorf("%s: %w", flag, err)
	}
	if !strings.HasPrefix(keyID, "projects/") && a.cfg.GoogleCloudProject == "" {
		return domain.MasterKeyRef{}, fmt.Errorf("%s: GOOGLE_CLOUD_PROJECT is required unless a full key resource name is given", flag)
	}
	return ref, nil
}

// envelope はCloud KMSに接続したEnvelopeServiceを返す。
func (a *app) envelope(ctx context.Context) (*usecase.EnvelopeService, error) {
	kmsClient, err := infra.NewKMSClient(ctx)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := kmsClient.Close(); err != nil {
			slog.Error("failed to close KMS client", "error", err)
		}
	})
	return usecase.NewEnvelopeService(kmsClient, a.cfg.GoogleCloudProject), nil
}

// issuer はISSUERに応じた証明書発行エンジンを返す。
func (a *app) issuer() (usecase.Issuer, error) {
	switch a.cfg.Issuer {
	case "cfssl":
		return infra.NewCfsslIssuer(a.cfg.CfsslPath, a.cfg.StagingDir), nil
	case "local":
		return infra.NewLocalIssuer(), nil
	default:
		return nil, fmt.Errorf("unknown issuer %q (expected cfssl or local)", a.cfg.Issuer)
	}
}

// trustStore はKMSでエンベロープ暗号化するトラストストアを返す。
func (a *app) trustStore(ctx context.Context) (*repository.FileTrustStore, *usecase.EnvelopeService, error) {
	envelope, err := a.envelope(ctx)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewFileTrustStore(a.cfg.ClustersDir, envelope), envelope, nil
}

// certStore は秘密鍵の暗号化・復号を伴わない操作向けのトラストストアを返す。
func (a *app) certStore() *repository.FileTrustStore {
	return repository.NewFileTrustStore(a.cfg.ClustersDir, nil)
}

// ledger はDATABASE_URLが設定されていれば台帳を返し、未設定なら何もしない台帳を返す。
func (a *app) ledger() (usecase.Ledger, error) {
	if a.cfg.DatabaseURL == "" {
		return usecase.NopLedger{}, nil
	}
	db, err := infra.NewDB(a.cfg.DatabaseURL, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to ledger database: %w", err)
	}
	a.onClose(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return repository.NewArtifactRepository(db), nil
}
