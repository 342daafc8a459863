package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/grantflow/intake/internal/admission"
	"github.com/grantflow/intake/internal/domain"
	"github.com/grantflow/intake/internal/orchestrator"
	"github.com/grantflow/intake/internal/tokens"
)

const (
	maxRequestBody = 64 << 10

	// promptOverheadTokens pads the admission estimate for the system
	// prompt and accumulated history the orchestrator will send along
	// with the user's text.
	promptOverheadTokens = 2000
	extractionBudget     = 512
)

// Handler owns the HTTP surface: decode and validate, admit, orchestrate,
// reconcile the cost reservation, shape the response.
type Handler struct {
	orch      *orchestrator.Orchestrator
	admission *admission.Controller
	estimator *tokens.Estimator
	prices    *tokens.PriceTable
	model     string
	maxTokens int
	version   string
	logger    *slog.Logger
}

// NewHandler wires the request handlers.
func NewHandler(orch *orchestrator.Orchestrator, ctrl *admission.Controller, estimator *tokens.Estimator, prices *tokens.PriceTable, model string, maxTokens int, version string, logger *slog.Logger) *Handler {
	return &Handler{
		orch:      orch,
		admission: ctrl,
		estimator: estimator,
		prices:    prices,
		model:     model,
		maxTokens: maxTokens,
		version:   version,
		logger:    logger,
	}
}

// Routes mounts the authenticated API endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/conversations/start", h.handleStart)
		r.Post("/conversations/message", h.handleMessage)
		r.Post("/conversations/generate", h.handleGenerate)
		r.Get("/sessions/{sessionID}", h.handleGetSession)
		r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
	})
}

// HealthHandler serves the unauthenticated liveness endpoint.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

type startRequest struct {
	SessionID   string              `json:"sessionId"`
	UserContext *domain.UserContext `json:"userContext,omitempty"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateSessionID(req.SessionID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateUserContext(req.UserContext); err != nil {
		writeError(w, r, err)
		return
	}
	identity := GetIdentity(r.Context())
	AddLogField(r.Context(), "session_id", req.SessionID)

	reservation, err := h.admission.AdmitMessage(r.Context(), clientAddr(r), identity.Subject, h.estimateCost(""))
	if err != nil {
		writeError(w, r, err)
		return
	}

	uc := domain.UserContext{}
	if req.UserContext != nil {
		uc = *req.UserContext
	}
	res, err := h.orch.Start(r.Context(), identity.Subject, req.SessionID, uc)
	h.reconcile(r.Context(), reservation, callCost(res))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type messageRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateSessionID(req.SessionID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateMessage(req.Message); err != nil {
		writeError(w, r, err)
		return
	}
	identity := GetIdentity(r.Context())
	AddLogField(r.Context(), "session_id", req.SessionID)

	reservation, err := h.admission.AdmitMessage(r.Context(), clientAddr(r), identity.Subject, h.estimateCost(req.Message))
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.orch.ProcessMessage(r.Context(), identity.Subject, req.SessionID, req.Message)
	h.reconcile(r.Context(), reservation, callCost(res))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type generateRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateSessionID(req.SessionID); err != nil {
		writeError(w, r, err)
		return
	}
	identity := GetIdentity(r.Context())
	AddLogField(r.Context(), "session_id", req.SessionID)

	reservation, err := h.admission.AdmitGenerate(r.Context(), clientAddr(r), identity.Subject, h.estimateCost(""))
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.orch.Generate(r.Context(), identity.Subject, req.SessionID)
	actual := 0.0
	if res != nil {
		actual = res.CallCost
	}
	h.reconcile(r.Context(), reservation, actual)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sessionStatus is the read-only view the UI polls.
type sessionStatus struct {
	SessionID    string       `json:"sessionId"`
	Phase        domain.Phase `json:"phase"`
	Completeness int          `json:"completeness"`
	MessageCount int          `json:"messageCount"`
	Cost         float64      `json:"cost"`
	CreatedAt    time.Time    `json:"createdAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := validateSessionID(sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	identity := GetIdentity(r.Context())

	sess, err := h.orch.GetSession(r.Context(), identity.Subject, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStatus{
		SessionID:    sess.ID,
		Phase:        sess.Phase,
		Completeness: sess.Completeness,
		MessageCount: len(sess.Messages),
		Cost:         sess.Cost,
		CreatedAt:    sess.CreatedAt,
		ExpiresAt:    sess.ExpiresAt,
	})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := validateSessionID(sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	identity := GetIdentity(r.Context())

	if err := h.orch.DeleteSession(r.Context(), identity.Subject, sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// estimateCost produces the conservative pre-call spend estimate the
// admission controller reserves against: the user's text plus prompt
// overhead in, the full reply and extraction budgets out.
func (h *Handler) estimateCost(text string) float64 {
	in := h.estimator.EstimateMessages("", text) + promptOverheadTokens
	cost, err := h.prices.Cost(h.model, in, h.maxTokens+extractionBudget)
	if err != nil {
		// Unpriced model: reserve a flat conservative amount.
		return 0.05
	}
	return cost
}

// reconcile replaces the reservation with the actual spend of the turn. It
// runs on a detached context so an aborted request still settles its ledger.
func (h *Handler) reconcile(ctx context.Context, reservation *admission.Reservation, actual float64) {
	if err := reservation.Reconcile(context.WithoutCancel(ctx), actual); err != nil {
		h.logger.Error("reconciling cost reservation", slog.String("error", err.Error()))
	}
}

// callCost reads the turn's actual spend. Failed turns may still carry a
// partial result whose CallCost records spend that already happened;
// reconciling with it keeps that spend in the ledger.
func callCost(res *orchestrator.Result) float64 {
	if res == nil {
		return 0
	}
	return res.CallCost
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.ErrInvalidRequest("Invalid request body.").WithCause(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// clientAddr returns the caller's address for rate-limit keying, without
// the ephemeral port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
