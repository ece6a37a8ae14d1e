package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestWriteAuditLog(t *testing.T) {
	buf := captureLogs(t)

	WriteAuditLog(context.Background(), AuditLog{
		Operation: "GENERATE_CA",
		Cluster:   "demo",
		Target:    "kubernetes",
		Result:    Result(nil),
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log: %v", err)
	}
	if entry["operation"] != "GENERATE_CA" || entry["cluster"] != "demo" || entry["result"] != "SUCCESS" {
		t.Errorf("unexpected audit entry: %v", entry)
	}
	if entry["timestamp"] == "" {
		t.Error("expected timestamp")
	}
}

func TestResult(t *testing.T) {
	if Result(nil) != ResultSuccess {
		t.Error("want SUCCESS for nil error")
	}
	if Result(errors.New("boom")) != ResultFailed {
		t.Error("want FAILED for error")
	}
}

func TestRequestLogger(t *testing.T) {
	buf := captureLogs(t)

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hi"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log: %v", err)
	}
	if entry["path"] != "/healthz" {
		t.Errorf("unexpected path: %v", entry["path"])
	}
	if status, _ := entry["status"].(float64); int(status) != http.StatusTeapot {
		t.Errorf("unexpected status: %v", entry["status"])
	}
}
