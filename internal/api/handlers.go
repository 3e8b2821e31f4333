package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/psundaraj/ledgertrail/internal/audit"
	"github.com/psundaraj/ledgertrail/internal/auth"
	"github.com/psundaraj/ledgertrail/internal/models"
	"github.com/psundaraj/ledgertrail/internal/service"
	"github.com/psundaraj/ledgertrail/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgertrail_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	transferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgertrail_transfer_duration_seconds",
		Help:    "Latency distribution of transfer attempts",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"outcome"})

	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgertrail_transfers_total",
		Help: "Transfer attempts by outcome",
	}, []string{"outcome"})
)

// New accounts open with 100.00, the same demo balance the seeder uses.
const openingBalance = 10000

type Handler struct {
	store  store.Store
	engine *service.TransferEngine
	tokens *auth.TokenIssuer
	log    *zap.Logger
}

func NewHandler(s store.Store, eng *service.TransferEngine, tokens *auth.TokenIssuer, log *zap.Logger) *Handler {
	return &Handler{store: s, engine: eng, tokens: tokens, log: log}
}

// Routes mounts all endpoints on the given router under /api/v1.
func (h *Handler) Routes(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/register", h.Register).Methods("POST")
	v1.HandleFunc("/login", h.Login).Methods("POST")

	authed := v1.NewRoute().Subrouter()
	authed.Use(h.tokens.Middleware)
	authed.HandleFunc("/me", h.Me).Methods("GET")
	authed.HandleFunc("/history", h.History).Methods("GET")
	authed.HandleFunc("/transfer", h.Transfer).Methods("POST")
	authed.HandleFunc("/audit/verify", h.VerifyChain).Methods("GET")
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Email == "" {
		h.respondError(w, r, http.StatusBadRequest, "Email is required")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		h.respondError(w, r, http.StatusBadRequest, "Password must be 8-128 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.serverError(w, r, err)
		return
	}

	acc, err := h.store.CreateAccount(r.Context(), req.Email, hash, openingBalance)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			h.respondError(w, r, http.StatusBadRequest, "Email already registered")
			return
		}
		h.serverError(w, r, err)
		return
	}

	token, err := h.tokens.Issue(acc.ID)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	acc, err := h.store.GetAccountByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.serverError(w, r, err)
		return
	}
	if acc != nil {
		ok, verr := auth.VerifyPassword(req.Password, acc.PasswordHash)
		if verr == nil && ok {
			token, terr := h.tokens.Issue(acc.ID)
			if terr != nil {
				h.serverError(w, r, terr)
				return
			}
			h.respond(w, r, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
			return
		}
	}
	h.respondError(w, r, http.StatusBadRequest, "Invalid email or password")
}

type accountResponse struct {
	ID      int64  `json:"id"`
	UUID    string `json:"uuid"`
	Email   string `json:"email"`
	Balance string `json:"balance"`
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	acc, err := h.store.GetAccountByID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, r, http.StatusNotFound, "Account not found")
			return
		}
		h.serverError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, accountResponse{
		ID:      acc.ID,
		UUID:    acc.UUID,
		Email:   acc.Email,
		Balance: models.CentsToDecimal(acc.Balance).StringFixed(2),
	})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	entries, err := h.store.HistoryForAccount(r.Context(), accountID)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	h.respond(w, r, http.StatusOK, entries)
}

type transferResponse struct {
	Status        string `json:"status"`
	ReceiverID    int64  `json:"receiver_id"`
	ReceiverEmail string `json:"receiver_email"`
	Amount        string `json:"amount"`
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	accountID, _ := auth.AccountID(r.Context())
	if req.SenderID != accountID {
		h.respondError(w, r, http.StatusForbidden, "You can only transfer from your own account")
		return
	}

	start := time.Now()
	receipt, err := h.engine.ExecuteTransfer(r.Context(), req.SenderID, req.ReceiverIdentifier, req.Amount)
	outcome := outcomeLabel(err)
	transfersTotal.WithLabelValues(outcome).Inc()
	transferDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		h.log.Warn("transfer rejected",
			zap.Int64("sender_id", req.SenderID),
			zap.String("receiver", req.ReceiverIdentifier.String()),
			zap.String("outcome", outcome))
		h.respondError(w, r, transferStatus(err), transferMessage(err))
		return
	}

	h.respond(w, r, http.StatusOK, transferResponse{
		Status:        "success",
		ReceiverID:    receipt.ReceiverID,
		ReceiverEmail: receipt.ReceiverEmail,
		Amount:        models.CentsToDecimal(receipt.Amount).StringFixed(2),
	})
}

func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListAuditEntries(r.Context())
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, audit.Verify(entries))
}

func transferStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrSelfTransfer),
		errors.Is(err, service.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSenderNotFound),
		errors.Is(err, service.ErrReceiverNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// transferMessage keeps internal fault detail out of responses.
func transferMessage(err error) string {
	if errors.Is(err, service.ErrTransferFailed) {
		return "Transfer failed due to server error"
	}
	return err.Error()
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, service.ErrSelfTransfer):
		return "self_transfer"
	case errors.Is(err, service.ErrSenderNotFound):
		return "sender_not_found"
	case errors.Is(err, service.ErrReceiverNotFound):
		return "receiver_not_found"
	case errors.Is(err, service.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, service.ErrLockTimeout):
		return "lock_timeout"
	default:
		return "error"
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code int, payload any) {
	httpRequestsTotal.WithLabelValues(r.Method, endpointLabel(r), strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, code int, message string) {
	h.respond(w, r, code, map[string]string{"error": message})
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("internal error", zap.String("path", r.URL.Path), zap.Error(err))
	h.respondError(w, r, http.StatusInternalServerError, "Internal Server Error")
}

func endpointLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
