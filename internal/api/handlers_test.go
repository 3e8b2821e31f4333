package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/psundaraj/ledgertrail/internal/auth"
	"github.com/psundaraj/ledgertrail/internal/models"
	"github.com/psundaraj/ledgertrail/internal/service"
	"github.com/psundaraj/ledgertrail/internal/store"
)

func newTestRouter(t *testing.T) (*mux.Router, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(time.Second)
	log := zap.NewNop()
	tokens := auth.NewTokenIssuer("test-secret", time.Minute)
	h := NewHandler(st, service.NewTransferEngine(st, log), tokens, log)

	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	h.Routes(r)
	return r, st
}

func do(t *testing.T, r *mux.Router, method, path, token string, body any) *httptest.ResponseRecorder {
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
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// register creates an account and returns its bearer token and id.
func register(t *testing.T, r *mux.Router, email string) (string, int64) {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/api/v1/register", "", map[string]string{
		"email": email, "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode[tokenResponse](t, rec).AccessToken

	rec = do(t, r, http.MethodGet, "/api/v1/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return token, decode[accountResponse](t, rec).ID
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := do(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterAndMe(t *testing.T) {
	r, _ := newTestRouter(t)
	token, _ := register(t, r, "x@example.com")

	rec := do(t, r, http.MethodGet, "/api/v1/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[accountResponse](t, rec)
	assert.Equal(t, "x@example.com", me.Email)
	assert.Equal(t, "100.00", me.Balance)
	assert.NotEmpty(t, me.UUID)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/api/v1/register", "", map[string]string{
		"email": "x@example.com", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/register", "", map[string]string{
		"password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "x@example.com")

	rec := do(t, r, http.MethodPost, "/api/v1/register", "", map[string]string{
		"email": "x@example.com", "password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "x@example.com")

	rec := do(t, r, http.MethodPost, "/api/v1/login", "", map[string]string{
		"email": "x@example.com", "password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[tokenResponse](t, rec).AccessToken)

	rec = do(t, r, http.MethodPost, "/api/v1/login", "", map[string]string{
		"email": "x@example.com", "password": "wrong password",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/login", "", map[string]string{
		"email": "nobody@example.com", "password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	r, _ := newTestRouter(t)
	for _, path := range []string{"/api/v1/me", "/api/v1/history", "/api/v1/audit/verify"} {
		rec := do(t, r, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := do(t, r, http.MethodPost, "/api/v1/transfer", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTransferSuccess(t *testing.T) {
	r, _ := newTestRouter(t)
	tokenX, idX := register(t, r, "x@example.com")
	_, idY := register(t, r, "y@example.com")

	rec := do(t, r, http.MethodPost, "/api/v1/transfer", tokenX, map[string]any{
		"sender_id":           idX,
		"receiver_identifier": idY,
		"amount":              "30",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[transferResponse](t, rec)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, idY, resp.ReceiverID)
	assert.Equal(t, "30.00", resp.Amount)

	rec = do(t, r, http.MethodGet, "/api/v1/me", tokenX, nil)
	assert.Equal(t, "70.00", decode[accountResponse](t, rec).Balance)
}

func TestTransferByEmailIdentifier(t *testing.T) {
	r, _ := newTestRouter(t)
	tokenX, idX := register(t, r, "x@example.com")
	_, idY := register(t, r, "y@example.com")

	rec := do(t, r, http.MethodPost, "/api/v1/transfer", tokenX, map[string]any{
		"sender_id":           idX,
		"receiver_identifier": "y@example.com",
		"amount":              "0.50",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, idY, decode[transferResponse](t, rec).ReceiverID)
}

func TestTransferNumericStringIdentifier(t *testing.T) {
	r, _ := newTestRouter(t)
	tokenX, idX := register(t, r, "x@example.com")
	_, idY := register(t, r, "y@example.com")

	rec := do(t, r, http.MethodPost, "/api/v1/transfer", tokenX, map[string]any{
		"sender_id":           idX,
		"receiver_identifier": fmt.Sprintf("%d", idY),
		"amount":              "1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, idY, decode[transferResponse](t, rec).ReceiverID)
}

func TestTransferForeignSenderForbidden(t *testing.T) {
	r, _ := newTestRouter(t)
	tokenX, _ := register(t, r, "x@example.com")
	_, idY := register(t, r, "y@example.com")

	rec := do(t, r, http.MethodPost, "/api/v1/transfer", tokenX, map[string]any{
		"sender_id":           idY,
		"receiver_identifier": idY,
		"amount":              "1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTransferErrorMapping(t *testing.T) {
	r, _ := newTestRouter(t)
	tokenX, idX := register(t, r, "x@example.com")
	_, idY := register(t, r, "y@example.com")

	cases := []struct {
		name     string
		receiver any
		amount   string
		wantCode int
	}{
		{"negative amount", idY, "-5", http.StatusBadRequest},
		{"insufficient funds", idY, "1000000", http.StatusBadRequest},
		{"self transfer", idX, "5", http.StatusBadRequest},
		{"self transfer by email", "x@example.com", "5", http.StatusBadRequest},
		{"receiver not found", 9999, "5", http.StatusNotFound},
		{"receiver email not found", "nobody@example.com", "5", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/api/v1/transfer", tokenX, map[string]any{
				"sender_id":           idX,
				"receiver_identifier": tc.receiver,
				"amount":              tc.amount,
			})
			assert.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestHistory(t *testing.T) {
	r, _ := newTestRouter(t)
	tokenX, idX := register(t, r, "x@example.com")
	tokenY, idY := register(t, r, "y@example.com")

	rec := do(t, r, http.MethodPost, "/api/v1/transfer", tokenX, map[string]any{
		"sender_id": idX, "receiver_identifier": idY, "amount": "10",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, r, http.MethodPost, "/api/v1/transfer", tokenX, map[string]any{
		"sender_id": idX, "receiver_identifier": idY, "amount": "-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/v1/history", tokenX, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]models.AuditEntry](t, rec)
	require.Len(t, history, 2)
	// Newest first.
	assert.Equal(t, models.StatusFailed, history[0].Status)
	assert.Equal(t, models.StatusSuccess, history[1].Status)

	// The receiver sees only the successful entry (the failure never resolved
	// a receiver).
	rec = do(t, r, http.MethodGet, "/api/v1/history", tokenY, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.AuditEntry](t, rec), 1)
}

func TestVerifyChainEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	tokenX, idX := register(t, r, "x@example.com")
	_, idY := register(t, r, "y@example.com")

	for i := 0; i < 3; i++ {
		rec := do(t, r, http.MethodPost, "/api/v1/transfer", tokenX, map[string]any{
			"sender_id": idX, "receiver_identifier": idY, "amount": "1",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, r, http.MethodGet, "/api/v1/audit/verify", tokenX, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep struct {
		Valid       bool `json:"valid"`
		Total       int  `json:"total"`
		BrokenIndex int  `json:"broken_index"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	assert.True(t, rep.Valid)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, -1, rep.BrokenIndex)
}
