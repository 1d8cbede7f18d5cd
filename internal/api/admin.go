package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/models"
)

const defaultDeliveryLimit = 50

var errBadIdentity = errors.New("invalid identity")

// requireAdmin rejects requests without the configured bearer token. With no
// token configured every request is rejected.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			slog.Warn("Server.requireAdmin: unauthorized admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="outletpipe"`)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.AdminToken == "" {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.opts.AdminToken)) == 1
}

func pathIdentity(r *http.Request) (string, error) {
	identity, err := messaging.CanonicalizePhone(r.PathValue("identity"))
	if err != nil {
		return "", errors.Join(errBadIdentity, err)
	}
	return identity, nil
}

// getSessionHandler handles GET /admin/sessions/{identity}.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := pathIdentity(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	sess, err := s.admin.Session(r.Context(), identity)
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load session", "identity", identity, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// clearSessionHandler handles POST /admin/sessions/{identity}/clear.
func (s *Server) clearSessionHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := pathIdentity(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.admin.Clear(r.Context(), identity); err != nil {
		slog.Error("Server.clearSessionHandler: failed to clear session", "identity", identity, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clear session"))
		return
	}
	slog.Info("Server.clearSessionHandler: session cleared", "identity", identity)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session cleared", map[string]string{"identity": identity}))
}

// deliveriesHandler handles GET /admin/deliveries/{identity}?limit=N.
func (s *Server) deliveriesHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := pathIdentity(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	limit := defaultDeliveryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.deliveries.ListDeliveries(r.Context(), identity, limit)
	if err != nil {
		slog.Error("Server.deliveriesHandler: failed to list deliveries", "identity", identity, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list deliveries"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// putActorHandler handles PUT /admin/actors/{code}. The body carries role,
// outlet and optionally phone and name.
func (s *Server) putActorHandler(w http.ResponseWriter, r *http.Request) {
	var a models.Actor
	if !decodeJSONBody(w, r, &a) {
		return
	}
	a.Code = strings.TrimSpace(r.PathValue("code"))
	if err := validateActor(&a); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if err := s.opts.Directory.SaveActor(r.Context(), a); err != nil {
		slog.Error("Server.putActorHandler: failed to save actor", "code", a.Code, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save actor"))
		return
	}
	slog.Info("Server.putActorHandler: actor saved", "code", a.Code, "role", a.Role, "outlet", a.Outlet)
	writeJSONResponse(w, http.StatusOK, models.Success(a))
}

func validateActor(a *models.Actor) error {
	if a.Code == "" {
		return errors.New("code is required")
	}
	if !models.IsValidRole(a.Role) || a.Role == models.RoleUnauthenticated {
		return fmt.Errorf("%w: %q", models.ErrInvalidRole, a.Role)
	}
	if strings.TrimSpace(a.Outlet) == "" {
		return models.ErrOutletRequired
	}
	if a.Phone != "" {
		phone, err := messaging.CanonicalizePhone(a.Phone)
		if err != nil {
			return errors.Join(errBadIdentity, err)
		}
		a.Phone = phone
	}
	return nil
}
