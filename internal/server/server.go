// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"net/http"

	"gorm.io/gorm"

	"github.com/onboardhq/sessionlock/internal/config"
	"github.com/onboardhq/sessionlock/internal/history"
	"github.com/onboardhq/sessionlock/internal/locking"
	"github.com/onboardhq/sessionlock/internal/versioning"
)

// HTTPServer exposes the concurrency-control operations as a JSON API.
// Actor identity arrives in request bodies already authenticated by the
// upstream identity system; no authentication happens here.
type HTTPServer struct {
	config   *config.Config
	db       *gorm.DB
	locks    *locking.Manager
	versions *versioning.Controller
	history  *history.Recorder
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(cfg *config.Config, db *gorm.DB) *HTTPServer {
	recorder := history.NewRecorder(db)
	manager := locking.NewManager(db, recorder)
	if cfg.Locking.MaxTTLSeconds > 0 {
		manager = manager.WithMaxTTL(maxTTL(cfg))
	}

	return &HTTPServer{
		config:   cfg,
		db:       db,
		locks:    manager,
		versions: versioning.NewController(db, recorder),
		history:  recorder,
	}
}

// RegisterRoutes registers all HTTP routes
func (h *HTTPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /locks/acquire", h.HandleAcquire)
	mux.HandleFunc("POST /locks/renew", h.HandleRenew)
	mux.HandleFunc("POST /locks/release", h.HandleRelease)
	mux.HandleFunc("POST /locks/force-release", h.HandleForceRelease)
	mux.HandleFunc("GET /locks/status", h.HandleStatus)
	mux.HandleFunc("PUT /resources/{id}", h.HandleEnsureResource)
	mux.HandleFunc("GET /resources/{id}", h.HandleGetResource)
	mux.HandleFunc("POST /resources/commit", h.HandleCommit)
	mux.HandleFunc("GET /history", h.HandleHistory)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
}
