// Package httpapi exposes read-only HTTP introspection routes over
// chi, grounded on the teacher's applications/httpapi/router.go route
// table and infrastructure/service/routes.go standard health/info
// handler shapes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fulcrum-net/registry-service/internal/catalog"
	"github.com/fulcrum-net/registry-service/internal/console"
	"github.com/fulcrum-net/registry-service/internal/metrics"
	"github.com/fulcrum-net/registry-service/internal/registry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// healthResponse mirrors the teacher's HealthResponse shape.
type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

// NewRouter builds the chi mux serving /metrics, /healthz,
// /debug/catalog, and the operator console's websocket remote-attach
// endpoint (one independent Console per connection, see
// internal/console/remote.go).
func NewRouter(proxies *registry.ProxyRegistry, backends *registry.BackendRegistry, cat *catalog.Catalog, consoleDeps console.Deps, log *logrus.Entry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/console/ws", console.RemoteAttachHandler(consoleDeps, log))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:    "healthy",
			Service:   "registry-service",
			Timestamp: time.Now().Format(time.RFC3339),
		})
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/debug/catalog", func(r chi.Router) {
		r.Get("/proxies", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, proxies.ListAll())
		})
		r.Get("/backends", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, backends.ListAll())
		})
		r.Get("/family/{familyID}", func(w http.ResponseWriter, req *http.Request) {
			familyID := chi.URLParam(req, "familyID")
			writeJSON(w, http.StatusOK, map[string]any{
				"capacities": cat.PerServerCapacities(familyID),
				"variants":   cat.VariantsOfFamily(familyID),
				"slots":      cat.SlotsOfFamily(familyID, nil),
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
