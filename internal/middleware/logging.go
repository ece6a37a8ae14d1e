// Package middleware は監査ログとHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// 監査ログのresult値。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// AuditLog は監査ログの項目。
type AuditLog struct {
	Operation string `json:"operation"`
	Cluster   string `json:"cluster"`
	Target    string `json:"target,omitempty"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

// WriteAuditLog はトラスト操作1件につき1行の監査ログを出力する。
func WriteAuditLog(ctx context.Context, entry AuditLog) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	slog.InfoContext(ctx, "trust operation completed",
		"audit", true,
		"operation", entry.Operation,
		"cluster", entry.Cluster,
		"target", entry.Target,
		"result", entry.Result,
		"timestamp", entry.Timestamp,
	)
}

// Result はエラーの有無から監査ログのresult値を返す。
func Result(err error) string {
	if err != nil {
		return ResultFailed
	}
	return ResultSuccess
}

// RequestLogger はリクエストごとにアクセスログをslogで出力する。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
