// Package handler はトラストバンドル配布用のHTTPハンドラを提供する。
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cluster-pki-manager/internal/domain"
	"cluster-pki-manager/internal/middleware"
	"cluster-pki-manager/internal/usecase"
	"cluster-pki-manager/pkg/httputil"
)

// TrustHandler はCA証明書と成果物台帳を返す読み取り専用のハンドラ。
type TrustHandler struct {
	service *usecase.BundleService
}

// NewTrustHandler は新しいTrustHandlerを生成する。
func NewTrustHandler(service *usecase.BundleService) *TrustHandler {
	return &TrustHandler{service: service}
}

// ArtifactResponse は台帳1行のレスポンス形式。
type ArtifactResponse struct {
	ID        string `json:"id"`
	Domain    string `json:"domain,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	MasterKey string `json:"master_key,omitempty"`
	Action    string `json:"action"`
	CreatedAt string `json:"created_at"`
}

// ArtifactListResponse は台帳一覧のレスポンス形式。
type ArtifactListResponse struct {
	Cluster   string             `json:"cluster"`
	Artifacts []ArtifactResponse `json:"artifacts"`
}

// GetCACertificate はトラストドメインのCA証明書をPEMで返す。
func (h *TrustHandler) GetCACertificate(w http.ResponseWriter, r *http.Request) {
	cluster := chi.URLParam(r, "cluster")
	trustDomain := chi.URLParam(r, "domain")

	cert, err := h.service.CACertificate(cluster, trustDomain)
	middleware.WriteAuditLog(r.Context(), middleware.AuditLog{
		Operation: "GET_CA_CERTIFICATE",
		Cluster:   cluster,
		Target:    trustDomain,
		Result:    middleware.Result(err),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.PEM(w, http.StatusOK, cert)
}

// ListArtifacts はクラスタの成果物台帳を返す。
func (h *TrustHandler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	cluster := chi.URLParam(r, "cluster")

	records, err := h.service.Artifacts(r.Context(), cluster)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ArtifactListResponse{
		Cluster:   cluster,
		Artifacts: make([]ArtifactResponse, 0, len(records)),
	}
	for _, rec := range records {
		resp.Artifacts = append(resp.Artifacts, ArtifactResponse{
			ID:        rec.ID,
			Domain:    rec.Domain,
			Subject:   rec.Subject,
			Kind:      string(rec.Kind),
			Path:      rec.Path,
			MasterKey: rec.MasterKey,
			Action:    string(rec.Action),
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// Healthz は死活監視用のエンドポイント。
func (h *TrustHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidName):
		httputil.Error(w, http.StatusBadRequest, "INVALID_CLUSTER", "invalid cluster name")
	case errors.Is(err, domain.ErrUnknownTrustDomain):
		httputil.Error(w, http.StatusNotFound, "UNKNOWN_TRUST_DOMAIN", "unknown trust domain")
	case errors.Is(err, domain.ErrCANotFound):
		httputil.Error(w, http.StatusNotFound, "CA_NOT_FOUND", "certificate authority not found")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
