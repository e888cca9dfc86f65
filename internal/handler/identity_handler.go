package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"identity-service/internal/service"
	"identity-service/internal/util"
)

// identityIDHeader carries the caller's identity, set by the session
// gateway in front of this service. Session handling itself is out of
// scope here.
const identityIDHeader = "X-Identity-ID"

type contextKey string

const identityIDKey contextKey = "identity_id"

// IdentityHandler exposes the verification and deletion flows over
// HTTP.
type IdentityHandler struct {
	verification *service.VerificationService
	deletion     *service.DeletionService
	purgeSecret  string
}

func NewIdentityHandler(verification *service.VerificationService, deletion *service.DeletionService, purgeSecret string) *IdentityHandler {
	return &IdentityHandler{
		verification: verification,
		deletion:     deletion,
		purgeSecret:  purgeSecret,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RegisterRoutes registers all identity routes under /api/v1.
func (h *IdentityHandler) RegisterRoutes(router chi.Router) {
	router.Post("/register", h.Register)
	router.Post("/password/recovery/request", h.RequestPasswordRecovery)
	router.Post("/password/recovery/reset", h.ResetPassword)

	router.Group(func(r chi.Router) {
		r.Use(h.requireIdentity)
		r.Post("/verification/request", h.RequestVerification)
		r.Post("/verification/confirm", h.ConfirmVerification)
		r.Post("/phone/change", h.RequestPhoneChange)
		r.Post("/phone/confirm", h.ConfirmPhoneChange)
		r.Get("/providers", h.ListProviders)
		r.Delete("/providers/{provider}", h.UnlinkProvider)
		r.Post("/account/deletion", h.RequestDeletion)
	})
}

// requireIdentity rejects requests without a valid caller identity.
func (h *IdentityHandler) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(identityIDHeader)
		if raw == "" {
			h.respondWithError(w, http.StatusUnauthorized, service.ErrUnauthenticated)
			return
		}
		if _, err := uuid.Parse(raw); err != nil {
			h.respondWithError(w, http.StatusUnauthorized, service.ErrUnauthenticated)
			return
		}
		ctx := context.WithValue(r.Context(), identityIDKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerIdentity(r *http.Request) string {
	id, _ := r.Context().Value(identityIDKey).(string)
	return id
}

type registerRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (h *IdentityHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	identity, err := h.verification.Register(r.Context(), req.Email, req.Phone)
	if err != nil {
		// The identity may exist already with a valid stored code even
		// though delivery failed; surface that id so the client can
		// request a resend.
		if errors.Is(err, service.ErrDeliveryFailure) && identity != nil {
			h.respondWithJSON(w, http.StatusBadGateway, Response{
				Success: false,
				Error:   err.Error(),
				Data:    map[string]string{"identity_id": identity.ID},
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    map[string]string{"identity_id": identity.ID},
	})
}

func (h *IdentityHandler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	err := h.verification.RequestVerification(r.Context(), callerIdentity(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, Response{Success: true})
}

type confirmRequest struct {
	Code string `json:"code"`
}

func (h *IdentityHandler) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	if err := h.verification.ConfirmVerification(r.Context(), callerIdentity(r), req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true})
}

type phoneChangeRequest struct {
	NewPhone string `json:"new_phone"`
}

func (h *IdentityHandler) RequestPhoneChange(w http.ResponseWriter, r *http.Request) {
	var req phoneChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	if err := h.verification.RequestPhoneChange(r.Context(), callerIdentity(r), req.NewPhone); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, Response{Success: true})
}

type phoneConfirmRequest struct {
	Code        string `json:"code"`
	ReportOptIn *bool  `json:"report_opt_in,omitempty"`
}

func (h *IdentityHandler) ConfirmPhoneChange(w http.ResponseWriter, r *http.Request) {
	var req phoneConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	err := h.verification.ConfirmPhoneChange(r.Context(), callerIdentity(r), req.Code, req.ReportOptIn)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true})
}

type recoveryRequest struct {
	Phone string `json:"phone"`
}

func (h *IdentityHandler) RequestPasswordRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	if err := h.verification.RequestPasswordRecovery(r.Context(), req.Phone); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, Response{Success: true})
}

type recoveryResetRequest struct {
	Phone       string `json:"phone"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

func (h *IdentityHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req recoveryResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	if err := h.verification.ResetPassword(r.Context(), req.Phone, req.Code, req.NewPassword); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true})
}

func (h *IdentityHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.verification.ListLinkedProviders(r.Context(), callerIdentity(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"providers": providers},
	})
}

func (h *IdentityHandler) UnlinkProvider(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if provider == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("provider is required"))
		return
	}

	if err := h.verification.UnlinkProvider(r.Context(), callerIdentity(r), provider); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{Success: true})
}

func (h *IdentityHandler) RequestDeletion(w http.ResponseWriter, r *http.Request) {
	scheduledAt, err := h.deletion.RequestDeletion(r.Context(), callerIdentity(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]string{"delete_scheduled_at": scheduledAt.Format(time.RFC3339)},
	})
}

// HandlePurge is the externally scheduled trigger. The secret check is
// constant time; when a secret is configured it must match.
func (h *IdentityHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if h.purgeSecret != "" {
		supplied := r.URL.Query().Get("secret")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.purgeSecret)) != 1 {
			h.respondWithError(w, http.StatusUnauthorized, errors.New("invalid purge secret"))
			return
		}
	}

	count, err := h.deletion.PurgeDue(r.Context(), time.Now().UTC())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]int{"deleted_count": count},
	})
}

func (h *IdentityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *IdentityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error) {
	util.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
	)
	resp := Response{Success: false, Error: err.Error()}
	if rle, ok := service.IsRateLimited(err); ok {
		seconds := int64(rle.RetryAfter / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		resp.Data = map[string]int64{"retry_after_seconds": seconds}
	}
	h.respondWithJSON(w, statusCode, resp)
}

// getStatusCode maps service error kinds onto HTTP statuses. Rate
// limits get their own path so the retry hint rides along.
func (h *IdentityHandler) getStatusCode(err error) int {
	if _, ok := service.IsRateLimited(err); ok {
		return http.StatusTooManyRequests
	}
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrOtpMismatch),
		errors.Is(err, service.ErrOtpExpired),
		errors.Is(err, service.ErrOtpMissing):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDeliveryFailure):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
