// Package main はトラスト配布APIサーバーのエントリポイント。
// CA証明書（公開情報）と成果物台帳を読み取り専用で公開する。秘密鍵は扱わない。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cluster-pki-manager/config"
	"cluster-pki-manager/internal/handler"
	"cluster-pki-manager/internal/infra"
	"cluster-pki-manager/internal/repository"
	"cluster-pki-manager/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg := config.Load()

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(os.Stdout, cfg)

	// 台帳はDATABASE_URLが設定されている場合のみ使う
	var ledger usecase.Ledger = usecase.NopLedger{}
	if cfg.DatabaseURL != "" {
		db, err := infra.NewDB(cfg.DatabaseURL, cfg)
		if err != nil {
			slog.Error("failed to init database", "error", err)
			os.Exit(1)
		}
		ledger = repository.NewArtifactRepository(db)
	} else {
		slog.Warn("DATABASE_URL is not set; artifact ledger is disabled")
	}

	// DI（証明書の読み取りのみのためKMSには接続しない）
	store := repository.NewFileTrustStore(cfg.ClustersDir, nil)
	service := usecase.NewBundleService(store, ledger)
	h := handler.NewTrustHandler(service)
	router := handler.NewRouter(h, cfg)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "clusters_dir", cfg.ClustersDir)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
