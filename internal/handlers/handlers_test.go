package handlers_test

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finansist-tg-app/internal/db"
	"finansist-tg-app/internal/handlers"
	"finansist-tg-app/internal/ledger"
	"finansist-tg-app/internal/middleware"
)

// newTestServer wires the real router shape over an in-memory store, with
// debug auth enabled. The debug identity (id 123456789) is an admin.
func newTestServer(t *testing.T) (*chi.Mux, *sql.DB) {
	t.Helper()

	conn, err := db.Open("", "", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Bootstrap(conn))

	l := ledger.New(conn)
	h := handlers.New(l, nil)
	auth := &middleware.InitDataAuth{Debug: true, AdminIDs: []int64{123456789}}

	r := chi.NewRouter()
	r.Get("/api/health", h.Health)
	r.Get("/api/certificates", h.ListCertificates)
	r.Get("/api/certificates/{id}", h.GetCertificate)
	r.Get("/api/raffles", h.ListRaffles)
	r.Get("/api/charity", h.ListCharityOptions)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser)
		r.Post("/api/purchases", h.CreatePurchase)
		r.Get("/api/purchases/my", h.MyPurchases)
		r.Post("/api/raffles/{id}/join", h.JoinRaffle)
		r.Post("/api/charity/{id}/vote", h.CastVote)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Post("/api/raffles/{id}/draw", h.DrawRaffle)
		r.Post("/api/purchases/{id}/confirm", h.ConfirmPurchase)
	})
	return r, conn
}

func doJSON(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Init-Data", "debug")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	r, _ := newTestServer(t)
	rec, body := doJSON(t, r, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestListCertificates(t *testing.T) {
	r, _ := newTestServer(t)
	rec, body := doJSON(t, r, http.MethodGet, "/api/certificates", "")
	require.Equal(t, http.StatusOK, rec.Code)

	certs := body["certificates"].([]any)
	require.Len(t, certs, 3)
	first := certs[0].(map[string]any)
	assert.Equal(t, float64(1000), first["price"])
}

func TestGetCertificateNotFound(t *testing.T) {
	r, _ := newTestServer(t)
	rec, body := doJSON(t, r, http.MethodGet, "/api/certificates/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "not found")
}

func TestCreatePurchaseFlow(t *testing.T) {
	r, _ := newTestServer(t)

	rec, body := doJSON(t, r, http.MethodPost, "/api/purchases", `{"certificate_id":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(1000), body["amount"])
	purchaseID := int64(body["id"].(float64))

	// History shows the new purchase
	rec, body = doJSON(t, r, http.MethodGet, "/api/purchases/my", "")
	require.Equal(t, http.StatusOK, rec.Code)
	purchases := body["purchases"].([]any)
	require.Len(t, purchases, 1)

	// Payment confirmation (admin webhook stand-in)
	rec, body = doJSON(t, r, http.MethodPost,
		"/api/purchases/"+itoa(purchaseID)+"/confirm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paid", body["status"])
	assert.NotEmpty(t, body["payment_ref"])
	assert.NotEmpty(t, body["qr_code"])

	// History carries the issued QR code
	rec, body = doJSON(t, r, http.MethodGet, "/api/purchases/my", "")
	require.Equal(t, http.StatusOK, rec.Code)
	paid := body["purchases"].([]any)[0].(map[string]any)
	assert.NotEmpty(t, paid["qr_code"])

	// Second confirmation is rejected
	rec, _ = doJSON(t, r, http.MethodPost,
		"/api/purchases/"+itoa(purchaseID)+"/confirm", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePurchaseValidation(t *testing.T) {
	r, _ := newTestServer(t)

	rec, _ := doJSON(t, r, http.MethodPost, "/api/purchases", `{"certificate_id":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, r, http.MethodPost, "/api/purchases", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, r, http.MethodPost, "/api/purchases", `{"certificate_id":999}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	r, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/purchases", strings.NewReader(`{"certificate_id":1}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJoinRaffleConflict(t *testing.T) {
	r, conn := newTestServer(t)

	res, err := conn.Exec(
		"INSERT INTO raffles (certificate_id, title, status, ends_at) VALUES (1, 'Розыгрыш', 'active', ?)",
		time.Now().Add(time.Hour).UTC().Format("2006-01-02 15:04:05"))
	require.NoError(t, err)
	raffleID, _ := res.LastInsertId()

	rec, body := doJSON(t, r, http.MethodPost, "/api/raffles/"+itoa(raffleID)+"/join", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["entries_count"])

	rec, body = doJSON(t, r, http.MethodPost, "/api/raffles/"+itoa(raffleID)+"/join", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "already joined")
}

func TestDrawRaffle(t *testing.T) {
	r, conn := newTestServer(t)

	res, err := conn.Exec(
		"INSERT INTO raffles (certificate_id, title, status, ends_at) VALUES (1, 'Розыгрыш', 'active', ?)",
		time.Now().Add(time.Hour).UTC().Format("2006-01-02 15:04:05"))
	require.NoError(t, err)
	raffleID, _ := res.LastInsertId()

	rec, _ := doJSON(t, r, http.MethodPost, "/api/raffles/"+itoa(raffleID)+"/join", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, r, http.MethodPost, "/api/raffles/"+itoa(raffleID)+"/draw", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", body["status"])
	assert.Equal(t, true, body["resolved"])
	winner := body["winner"].(map[string]any)
	assert.Equal(t, float64(123456789), winner["telegram_id"])

	// Idempotent: re-draw reports the same winner without resolving again
	rec, body = doJSON(t, r, http.MethodPost, "/api/raffles/"+itoa(raffleID)+"/draw", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["resolved"])
	winner = body["winner"].(map[string]any)
	assert.Equal(t, float64(123456789), winner["telegram_id"])
}

func TestCharityVoteFlow(t *testing.T) {
	r, _ := newTestServer(t)

	rec, body := doJSON(t, r, http.MethodGet, "/api/charity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["total_votes"])

	rec, body = doJSON(t, r, http.MethodPost, "/api/charity/1/vote", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total_votes"])

	options := body["options"].([]any)
	sum := 0.0
	for _, o := range options {
		sum += o.(map[string]any)["percentage"].(float64)
	}
	assert.InDelta(t, 100.0, sum, 0.2)

	// Single vote per user, across all options
	rec, body = doJSON(t, r, http.MethodPost, "/api/charity/2/vote", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "already voted")
}

func TestStorageErrorsAreNotLeaked(t *testing.T) {
	r, conn := newTestServer(t)
	require.NoError(t, conn.Close())

	rec, body := doJSON(t, r, http.MethodGet, "/api/certificates", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", body["error"])
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
