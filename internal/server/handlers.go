// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/onboardhq/sessionlock/internal/config"
	"github.com/onboardhq/sessionlock/internal/database"
	"github.com/onboardhq/sessionlock/internal/locking"
	"github.com/onboardhq/sessionlock/internal/versioning"
)

func maxTTL(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Locking.MaxTTLSeconds) * time.Second
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// AcquireRequest is the body of POST /locks/acquire
type AcquireRequest struct {
	ResourceID     string `json:"resource_id"`
	ActorID        string `json:"actor_id"`
	LockType       string `json:"lock_type"`
	TTLSeconds     int    `json:"ttl_seconds"`
	ClientMetadata string `json:"client_metadata,omitempty"`
}

// HandleAcquire handles POST /locks/acquire
func (h *HTTPServer) HandleAcquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TTLSeconds == 0 {
		req.TTLSeconds = h.config.Locking.DefaultTTLSeconds
	}

	lease, err := h.locks.Acquire(req.ResourceID, req.ActorID, req.LockType,
		time.Duration(req.TTLSeconds)*time.Second, req.ClientMetadata)
	if err != nil {
		var conflict *locking.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":      "lock held by another actor",
				"holder_id":  conflict.HolderID,
				"lock_type":  conflict.LockType,
				"held_since": conflict.HeldSince,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, lease)
}

// TokenRequest is the body of renew and release calls
type TokenRequest struct {
	Token string `json:"token"`
}

// HandleRenew handles POST /locks/renew
func (h *HTTPServer) HandleRenew(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	newExpiry, err := h.locks.Renew(req.Token)
	if err != nil {
		var invalid *locking.InvalidTokenError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusNotFound, invalid.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"expires_at": newExpiry})
}

// HandleRelease handles POST /locks/release
func (h *HTTPServer) HandleRelease(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.locks.Release(req.Token); err != nil {
		var invalid *locking.InvalidTokenError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusNotFound, invalid.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// ForceReleaseRequest is the body of POST /locks/force-release
type ForceReleaseRequest struct {
	ResourceID        string `json:"resource_id"`
	RequestingActorID string `json:"requesting_actor_id"`
}

// HandleForceRelease handles POST /locks/force-release. Whether the
// requesting actor is allowed to do this is decided upstream; the call
// is executed and recorded as-is.
func (h *HTTPServer) HandleForceRelease(w http.ResponseWriter, r *http.Request) {
	var req ForceReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.locks.ForceRelease(req.ResourceID, req.RequestingActorID); err != nil {
		var notFound *locking.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, notFound.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "force_released"})
}

// HandleStatus handles GET /locks/status?resource_id=
func (h *HTTPServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Query().Get("resource_id")
	if resourceID == "" {
		writeError(w, http.StatusBadRequest, "resource_id is required")
		return
	}

	leases, err := h.locks.QueryStatus(resourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource_id": resourceID,
		"locked":      len(leases) > 0,
		"leases":      leases,
	})
}

// HandleEnsureResource handles PUT /resources/{id}
func (h *HTTPServer) HandleEnsureResource(w http.ResponseWriter, r *http.Request) {
	resourceID := r.PathValue("id")

	resource, err := h.versions.Ensure(resourceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resource)
}

// HandleGetResource handles GET /resources/{id}
func (h *HTTPServer) HandleGetResource(w http.ResponseWriter, r *http.Request) {
	resourceID := r.PathValue("id")

	resource, err := h.versions.Get(resourceID)
	if err != nil {
		var notFound *versioning.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, notFound.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resource)
}

// CommitRequest is the body of POST /resources/commit
type CommitRequest struct {
	ResourceID      string `json:"resource_id"`
	ExpectedVersion int64  `json:"expected_version"`
	Payload         string `json:"payload"`
	ActorID         string `json:"actor_id"`
}

// HandleCommit handles POST /resources/commit. A stale version returns
// 409 with the authoritative current version; the rejected attempt has
// already been recorded by then.
func (h *HTTPServer) HandleCommit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.versions.UpdateWithVersionCheck(req.ResourceID, req.ExpectedVersion, req.Payload, req.ActorID)
	if err != nil {
		var notFound *versioning.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, notFound.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !result.Success {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleHistory handles GET /history?resource_id=&since=
func (h *HTTPServer) HandleHistory(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Query().Get("resource_id")
	if resourceID == "" {
		writeError(w, http.StatusBadRequest, "resource_id is required")
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = &parsed
	}

	events, err := h.history.Query(resourceID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []database.LockEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource_id": resourceID,
		"events":      events,
	})
}

// HandleHealth handles GET /healthz
func (h *HTTPServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := database.Ping(h.db); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
