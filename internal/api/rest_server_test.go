package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/claim-engine/internal/auth"
	"github.com/annel0/claim-engine/internal/economy"
	"github.com/annel0/claim-engine/internal/perm"
	"github.com/annel0/claim-engine/internal/planner"
	"github.com/annel0/claim-engine/internal/policy"
	"github.com/annel0/claim-engine/internal/registry"
	"github.com/annel0/claim-engine/internal/storage"
)

func newTestServer(t *testing.T) *RestServer {
	t.Helper()
	reg := registry.NewRegistry()
	cascade := policy.NewCascade(&policy.Snapshot{}, nil)
	pl := planner.New(reg, cascade, economy.NewMemoryVault(), storage.NewMemoryClaimRepo(), nil, "test")
	resolver := perm.NewResolver(cascade)
	return NewRestServer(Config{
		Port:     ":0",
		Registry: reg,
		Planner:  pl,
		Resolver: resolver,
		Tracker:  perm.NewTracker(resolver, reg),
	})
}

func doJSON(t *testing.T, rs *RestServer, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	rs.Router().ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) GenericResponse {
	t.Helper()
	var resp GenericResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func playerToken(t *testing.T, player string) string {
	t.Helper()
	token, err := auth.GenerateJWT(player, false)
	require.NoError(t, err)
	return token
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateJWT("operator", true)
	require.NoError(t, err)
	return token
}

func TestHealthEndpoint(t *testing.T) {
	rs := newTestServer(t)
	w := doJSON(t, rs, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	rs := newTestServer(t)

	// Без токена — 401.
	w := doJSON(t, rs, http.MethodGet, "/api/claims", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// С мусорным токеном — 401.
	w = doJSON(t, rs, http.MethodGet, "/api/claims", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClaimLifecycle(t *testing.T) {
	rs := newTestServer(t)
	alice := playerToken(t, "alice")

	// Создание.
	w := doJSON(t, rs, http.MethodPost, "/api/claims", alice, map[string]interface{}{
		"world": "overworld", "x": 0, "z": 0, "name": "base",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeResponse(t, w)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	claimID := data["id"].(string)
	assert.Equal(t, "alice", data["owner"])

	// Чтение.
	w = doJSON(t, rs, http.MethodGet, "/api/claims/"+claimID, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Список претензий владельца.
	w = doJSON(t, rs, http.MethodGet, "/api/claims", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeResponse(t, w).Data.(map[string]interface{})
	assert.EqualValues(t, 1, list["total"])

	// Конфликт занятости.
	w = doJSON(t, rs, http.MethodPost, "/api/claims", playerToken(t, "bob"), map[string]interface{}{
		"world": "overworld", "x": 0, "z": 0,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Чужой игрок не может удалить претензию.
	w = doJSON(t, rs, http.MethodDelete, "/api/claims/"+claimID, playerToken(t, "bob"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Владелец удаляет.
	w = doJSON(t, rs, http.MethodDelete, "/api/claims/"+claimID, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, rs, http.MethodGet, "/api/claims/"+claimID, alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMembersAndOverridesEndpoints(t *testing.T) {
	rs := newTestServer(t)
	alice := playerToken(t, "alice")

	w := doJSON(t, rs, http.MethodPost, "/api/claims", alice, map[string]interface{}{
		"world": "overworld", "x": 0, "z": 0,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	claimID := decodeResponse(t, w).Data.(map[string]interface{})["id"].(string)

	// Участники.
	w = doJSON(t, rs, http.MethodPost, "/api/claims/"+claimID+"/members", alice, map[string]string{"player": "bob"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Переопределение разрешения.
	w = doJSON(t, rs, http.MethodPut, "/api/claims/"+claimID+"/overrides", alice, map[string]string{
		"action": "Build", "audience": "visitors", "state": "allow",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Неизвестное действие отклоняется.
	w = doJSON(t, rs, http.MethodPut, "/api/claims/"+claimID+"/overrides", alice, map[string]string{
		"action": "Fishing", "audience": "visitors", "state": "allow",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Разрешение с учётом переопределения.
	w = doJSON(t, rs, http.MethodGet, "/api/resolve?world=overworld&x=0&z=0&action=Build&player=stranger", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, true, data["allowed"])

	// Бан побеждает членство.
	w = doJSON(t, rs, http.MethodPost, "/api/claims/"+claimID+"/bans", alice, map[string]string{"player": "bob"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, rs, http.MethodGet, "/api/resolve?world=overworld&x=0&z=0&action=Build&player=bob", alice, nil)
	data = decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, false, data["allowed"])
}

func TestLookupEndpoint(t *testing.T) {
	rs := newTestServer(t)
	alice := playerToken(t, "alice")

	w := doJSON(t, rs, http.MethodGet, "/api/lookup?world=overworld&x=0&z=0", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, false, data["claimed"])

	doJSON(t, rs, http.MethodPost, "/api/claims", alice, map[string]interface{}{
		"world": "overworld", "x": 0, "z": 0,
	})

	w = doJSON(t, rs, http.MethodGet, "/api/lookup?world=overworld&x=0&z=0", alice, nil)
	data = decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, true, data["claimed"])
	assert.Equal(t, "alice", data["owner"])

	// Недостающие параметры — 400.
	w = doJSON(t, rs, http.MethodGet, "/api/lookup?world=overworld", alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	rs := newTestServer(t)
	alice := playerToken(t, "alice")
	admin := adminToken(t)

	// Без флага обхода — 403.
	w := doJSON(t, rs, http.MethodPost, "/api/admin/claims", alice, map[string]interface{}{
		"world": "overworld", "x": 0, "z": 0, "radius": 1,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Администратор создаёт защищённую территорию.
	w = doJSON(t, rs, http.MethodPost, "/api/admin/claims", admin, map[string]interface{}{
		"world": "overworld", "x": 0, "z": 0, "radius": 1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, "*", data["owner"])

	// Передача владельца.
	doJSON(t, rs, http.MethodPost, "/api/claims", alice, map[string]interface{}{
		"world": "overworld", "x": 10, "z": 10,
	})
	w = doJSON(t, rs, http.MethodGet, "/api/claims?owner=alice", admin, nil)
	claims := decodeResponse(t, w).Data.(map[string]interface{})["claims"].([]interface{})
	require.Len(t, claims, 1)
	claimID := claims[0].(map[string]interface{})["id"].(string)

	w = doJSON(t, rs, http.MethodPost, "/api/admin/claims/"+claimID+"/owner", admin, map[string]string{"new_owner": "bob"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Массовое удаление претензий владельца.
	w = doJSON(t, rs, http.MethodDelete, "/api/admin/claims/owner/bob", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	deleted := decodeResponse(t, w).Data.(map[string]interface{})
	assert.EqualValues(t, 1, deleted["deleted"])
}

func TestTrackEndpoints(t *testing.T) {
	rs := newTestServer(t)
	alice := playerToken(t, "alice")

	// Закрытая для посетителей претензия.
	w := doJSON(t, rs, http.MethodPost, "/api/claims", alice, map[string]interface{}{
		"world": "overworld", "x": 5, "z": 5,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	claimID := decodeResponse(t, w).Data.(map[string]interface{})["id"].(string)
	w = doJSON(t, rs, http.MethodPut, "/api/claims/"+claimID+"/overrides", alice, map[string]string{
		"action": "Enter", "audience": "visitors", "state": "deny",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Визитёр получает отказ входа.
	w = doJSON(t, rs, http.MethodPost, "/api/track/move", playerToken(t, "bob"), map[string]interface{}{
		"world": "overworld", "from_x": 0, "from_z": 0, "to_x": 5, "to_z": 5,
	})
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, "rejected_enter", data["outcome"])

	// Владелец проходит и получает сведения о входе.
	w = doJSON(t, rs, http.MethodPost, "/api/track/move", alice, map[string]interface{}{
		"world": "overworld", "from_x": 0, "from_z": 0, "to_x": 5, "to_z": 5,
	})
	data = decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, "allowed", data["outcome"])
	assert.Equal(t, true, data["owner_changed"])

	// Телепортация владельца.
	w = doJSON(t, rs, http.MethodPost, "/api/track/teleport", alice, map[string]interface{}{
		"world": "overworld", "to_x": 5, "to_z": 5,
	})
	data = decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, "allowed", data["outcome"])
}
