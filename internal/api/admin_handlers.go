package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/example/ec-payments/internal/api/middleware"
	"github.com/example/ec-payments/internal/auth"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/notification"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500
)

// EffectRunner re-runs the outstanding side effects of a paid order.
type EffectRunner interface {
	Run(ctx context.Context, orderID string) error
}

type AdminHandlers struct {
	auth   *auth.AdminAuthenticator
	store  store.OrderStore
	runner EffectRunner
	secure bool
	logger *zap.Logger
}

// NewAdminHandlers wires the operator endpoints. secureCookie sets the Secure
// flag on the session cookie.
func NewAdminHandlers(authenticator *auth.AdminAuthenticator, st store.OrderStore, runner EffectRunner, secureCookie bool, logger *zap.Logger) *AdminHandlers {
	return &AdminHandlers{
		auth:   authenticator,
		store:  st,
		runner: runner,
		secure: secureCookie,
		logger: logger.Named("admin"),
	}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// POST /api/admin/login
func (h *AdminHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, 4<<10, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "email and password are required")
		return
	}

	token, expiresAt, err := h.auth.Login(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			meta := requestMeta(r)
			h.logger.Warn("Admin login failed", zap.String("remote_ip", meta.RemoteIP))
			respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
			return
		}
		h.logger.Error("Admin login error", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessTokenCookie,
		Value:    token,
		Path:     "/api/admin",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
	respondJSON(w, http.StatusOK, LoginResponse{AccessToken: token, ExpiresAt: expiresAt})
}

// GET /api/admin/orders/{id}
func (h *AdminHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			respondError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		h.logger.Error("Failed to load order", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load order")
		return
	}
	respondJSON(w, http.StatusOK, o)
}

type PendingOrder struct {
	ID          string     `json:"id"`
	Gateway     string     `json:"gateway"`
	Status      string     `json:"status"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	Outstanding []string   `json:"outstanding"`
}

// GET /api/admin/side-effects/pending
func (h *AdminHandlers) ListPending(w http.ResponseWriter, r *http.Request) {
	limit := defaultPendingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = min(n, maxPendingLimit)
	}

	orders, err := h.store.ListPendingSideEffects(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list pending side effects", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list orders")
		return
	}

	out := make([]PendingOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, PendingOrder{
			ID:          o.ID,
			Gateway:     o.Gateway,
			Status:      string(o.Status),
			PaidAt:      o.PaidAt,
			Outstanding: o.OutstandingEffects(),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// POST /api/admin/orders/{id}/side-effects/retry
func (h *AdminHandlers) RetrySideEffects(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims, hasClaims := middleware.GetClaims(r.Context())

	runErr := h.runner.Run(r.Context(), id)
	switch {
	case errors.Is(runErr, order.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		return
	case errors.Is(runErr, notification.ErrOrderNotPaid):
		respondError(w, http.StatusConflict, "ORDER_NOT_PAID", "order has not been paid")
		return
	}

	o, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to reload order", zap.String("order_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to reload order")
		return
	}

	fields := []zap.Field{zap.String("order_id", id)}
	if hasClaims {
		fields = append(fields, zap.String("admin", claims.Email))
	}
	outstanding := o.OutstandingEffects()
	status := "complete"
	if runErr != nil || len(outstanding) > 0 {
		status = "incomplete"
		h.logger.Warn("Side-effect retry incomplete", append(fields, zap.Strings("outstanding", outstanding), zap.Error(runErr))...)
	} else {
		h.logger.Info("Side-effect retry complete", fields...)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"orderId":     id,
		"status":      status,
		"outstanding": outstanding,
		"sideEffects": o.SideEffects,
	})
}
