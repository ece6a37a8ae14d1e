package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cluster-pki-manager/config"
	"cluster-pki-manager/internal/middleware"
)

// NewRouter はルーターを生成する。OTEL_ENABLED時はotelhttpで計装する。
func NewRouter(h *TrustHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Route("/v1/clusters/{cluster}", func(r chi.Router) {
		r.Get("/domains/{domain}/ca", h.GetCACertificate)
		r.Get("/artifacts", h.ListArtifacts)
	})

	if !cfg.OtelEnabled {
		return r
	}
	return otelhttp.NewHandler(r, cfg.OtelServiceName,
		otelhttp.WithSpanNameFormatter(func(operation string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}
