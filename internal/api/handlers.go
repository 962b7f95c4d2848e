package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"dlgate/internal/admission"
	"dlgate/internal/identity"
	"dlgate/internal/models"
	"dlgate/internal/ratelimit"

	"github.com/gorilla/mux"
)

// ChallengeCookie carries the sealed interactive challenge between render
// and verify.
const ChallengeCookie = "dlgate_challenge"

// Handlers contains HTTP handlers for the admission API
type Handlers struct {
	service        admission.ServiceInterface
	trustedHeaders []string
	maxBodyBytes   int64
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handlers)

// WithTrustedHeaders names the headers consulted for the client address
// before the peer address.
func WithTrustedHeaders(headers []string) HandlerOption {
	return func(h *Handlers) { h.trustedHeaders = headers }
}

// WithMaxBodyBytes caps JSON request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handlers) { h.maxBodyBytes = n }
}

// NewHandlers creates a new handlers instance
func NewHandlers(service admission.ServiceInterface, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		service:      service,
		maxBodyBytes: 16 << 10,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Check handles admission checks
// POST /api/v1/admission/check
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req models.CheckRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	decision, err := h.service.Check(r.Context(), h.clientAddr(r), &req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeDecision(w, decision)
}

// IssueChallenge binds a puzzle or ticket challenge to the caller
// GET /api/v1/challenge/{family}?resource=
func (h *Handlers) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	family := mux.Vars(r)["family"]
	resource := r.URL.Query().Get("resource")

	response, err := h.service.IssueChallenge(r.Context(), h.clientAddr(r), family, resource)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSONResponse(w, http.StatusOK, response)
}

// RenderInteractive starts an interactive challenge
// GET /api/v1/challenge/interactive/render?resource=
func (h *Handlers) RenderInteractive(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")

	cookie, response, err := h.service.RenderInteractive(h.clientAddr(r), resource)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ChallengeCookie,
		Value:    cookie,
		Path:     "/",
		Expires:  response.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSONResponse(w, http.StatusOK, response)
}

// VerifyInteractive completes an interactive challenge and admits the
// download it was rendered for
// POST /api/v1/challenge/interactive/verify
func (h *Handlers) VerifyInteractive(w http.ResponseWriter, r *http.Request) {
	var req models.InteractiveVerifyRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	// A missing cookie is passed through as empty: the service reports it
	// as a malformed proof, like any other unreadable token.
	var cookie string
	if c, err := r.Cookie(ChallengeCookie); err == nil {
		cookie = c.Value
	}

	decision, err := h.service.VerifyInteractive(r.Context(), h.clientAddr(r), cookie, &req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	// The cookie is single use either way.
	http.SetCookie(w, &http.Cookie{
		Name:     ChallengeCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	h.writeDecision(w, decision)
}

// PutCache stores a filesize resolved by the origin
// PUT /api/v1/cache/{resource_hash}
// Requires the cache bearer token
func (h *Handlers) PutCache(w http.ResponseWriter, r *http.Request) {
	var req models.CachePutRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	response, err := h.service.PutCache(r.Context(), mux.Vars(r)["resource_hash"], &req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusAccepted, response)
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := h.service.Health(r.Context())

	status := http.StatusOK
	if response.Status == models.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, status, response)
}

func (h *Handlers) clientAddr(r *http.Request) string {
	return identity.ClientAddr(r, h.trustedHeaders)
}

// decodeJSON reads a JSON body into dst. It writes the error response and
// returns false when the body is unusable.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		h.writeErrorResponse(w, http.StatusUnsupportedMediaType, models.CodeInvalidRequest, "Content-Type must be application/json")
		return false
	}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErrorResponse(w, http.StatusRequestEntityTooLarge, models.CodeInvalidRequest, "Request body too large")
			return false
		}
		h.writeErrorResponse(w, http.StatusBadRequest, models.CodeInvalidRequest, "Invalid JSON body")
		return false
	}
	return true
}

func (h *Handlers) writeDecision(w http.ResponseWriter, d *admission.Decision) {
	ratelimit.SetHeaders(w, d.Limit)
	if !d.Response.Allowed && d.Response.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(d.Response.RetryAfter, 10))
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSONResponse(w, d.StatusCode, d.Response)
}

// writeServiceError renders err. Anything that is not a *ServiceError is
// logged and reported as an internal error without its message.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var se *admission.ServiceError
	if !errors.As(err, &se) {
		slog.Error("Unhandled service error", "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.CodeInternalError, "Internal server error")
		return
	}

	if se.StatusCode >= http.StatusInternalServerError {
		slog.Warn("Service error", "code", se.Code, "error", se.Err)
	}

	resp := models.NewErrorResponse(se.Message, se.Code)
	if se.RetryAfter > 0 {
		resp.RetryAfter = se.RetryAfter
		w.Header().Set("Retry-After", strconv.FormatInt(se.RetryAfter, 10))
	}
	h.writeJSONResponse(w, se.StatusCode, resp)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing more can be sent.
		slog.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}
