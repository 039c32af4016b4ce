// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"

	"github.com/onboardhq/sessionlock/internal/config"
	"github.com/onboardhq/sessionlock/internal/database"
)

func setupTestServer(t *testing.T) *httptest.Server {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{}
	cfg.Locking.DefaultTTLSeconds = 60
	cfg.Locking.MaxTTLSeconds = 3600

	httpServer := NewHTTPServer(cfg, db)
	mux := http.NewServeMux()
	httpServer.RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, ts *httptest.Server, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHandleAcquire_AndConflict(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := postJSON(t, ts, "/locks/acquire", AcquireRequest{
		ResourceID: "session-1",
		ActorID:    "employee-1",
		LockType:   database.LockTypeWrite,
		TTLSeconds: 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])
	assert.NotEmpty(t, body["expires_at"])

	resp, body = postJSON(t, ts, "/locks/acquire", AcquireRequest{
		ResourceID: "session-1",
		ActorID:    "manager-1",
		LockType:   database.LockTypeWrite,
		TTLSeconds: 60,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "employee-1", body["holder_id"])
	assert.Equal(t, database.LockTypeWrite, body["lock_type"])
}

func TestHandleAcquire_DefaultTTL(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := postJSON(t, ts, "/locks/acquire", AcquireRequest{
		ResourceID: "session-1",
		ActorID:    "employee-1",
		LockType:   database.LockTypeRead,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])
}

func TestHandleRenewAndRelease(t *testing.T) {
	ts := setupTestServer(t)

	_, body := postJSON(t, ts, "/locks/acquire", AcquireRequest{
		ResourceID: "session-1",
		ActorID:    "employee-1",
		LockType:   database.LockTypeWrite,
		TTLSeconds: 60,
	})
	token := body["token"].(string)

	resp, renewBody := postJSON(t, ts, "/locks/renew", TokenRequest{Token: token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, renewBody["expires_at"])

	resp, _ = postJSON(t, ts, "/locks/release", TokenRequest{Token: token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Released token is gone.
	resp, _ = postJSON(t, ts, "/locks/renew", TokenRequest{Token: token})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleForceRelease(t *testing.T) {
	ts := setupTestServer(t)

	postJSON(t, ts, "/locks/acquire", AcquireRequest{
		ResourceID: "session-1",
		ActorID:    "employee-1",
		LockType:   database.LockTypeWrite,
		TTLSeconds: 60,
	})

	resp, _ := postJSON(t, ts, "/locks/force-release", ForceReleaseRequest{
		ResourceID:        "session-1",
		RequestingActorID: "hr-admin",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, ts, "/locks/force-release", ForceReleaseRequest{
		ResourceID:        "session-1",
		RequestingActorID: "hr-admin",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleStatus(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := getJSON(t, ts, "/locks/status?resource_id=session-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["locked"])

	postJSON(t, ts, "/locks/acquire", AcquireRequest{
		ResourceID: "session-1",
		ActorID:    "employee-1",
		LockType:   database.LockTypeWrite,
		TTLSeconds: 60,
	})

	resp, body = getJSON(t, ts, "/locks/status?resource_id=session-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["locked"])

	leases := body["leases"].([]interface{})
	require.Len(t, leases, 1)
	lease := leases[0].(map[string]interface{})
	assert.Equal(t, "employee-1", lease["holder_id"])
	// Status never exposes lease tokens.
	_, hasToken := lease["token"]
	assert.False(t, hasToken)
}

func TestHandleCommit_SuccessAndConflict(t *testing.T) {
	ts := setupTestServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/resources/session-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, body := postJSON(t, ts, "/resources/commit", CommitRequest{
		ResourceID:      "session-1",
		ExpectedVersion: 1,
		Payload:         `{"field":"a"}`,
		ActorID:         "actor-a",
	})
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, float64(2), body["new_version"])

	resp2, body = postJSON(t, ts, "/resources/commit", CommitRequest{
		ResourceID:      "session-1",
		ExpectedVersion: 1,
		Payload:         `{"field":"b"}`,
		ActorID:         "actor-b",
	})
	require.Equal(t, http.StatusConflict, resp2.StatusCode)
	assert.Equal(t, float64(2), body["current_version"])
	assert.Equal(t, true, body["conflict_recorded"])

	// History carries the conflict event.
	resp3, historyBody := getJSON(t, ts, "/history?resource_id=session-1")
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	events := historyBody["events"].([]interface{})
	require.Len(t, events, 1)
	event := events[0].(map[string]interface{})
	assert.Equal(t, database.ActionConflict, event["action"])
	assert.Equal(t, "actor-b", event["actor_id"])
}

func TestHandleCommit_UnknownResource(t *testing.T) {
	ts := setupTestServer(t)

	resp, _ := postJSON(t, ts, "/resources/commit", CommitRequest{
		ResourceID:      "nope",
		ExpectedVersion: 1,
		Payload:         "x",
		ActorID:         "actor-a",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleHistory_BadSince(t *testing.T) {
	ts := setupTestServer(t)

	resp, _ := getJSON(t, ts, "/history?resource_id=session-1&since=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := getJSON(t, ts, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestHandleAcquire_BadBody(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/locks/acquire", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
