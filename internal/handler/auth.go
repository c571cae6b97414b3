package handler

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const authRealm = `Basic realm="examlink gradebook", charset="UTF-8"`

// requireTeacher guards gradebook routes with HTTP basic auth checked
// against the stored bcrypt hash. The username is ignored.
func (h *Handler) requireTeacher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || password == "" {
			h.unauthorized(w, r)
			return
		}

		hash, err := h.store.TeacherPasswordHash()
		if err != nil {
			slog.Error("failed to read teacher password", "error", err)
			h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
			return
		}
		if hash == "" {
			slog.Warn("gradebook request but no teacher password is set")
			h.unauthorized(w, r)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
			slog.Warn("teacher password mismatch", "remote", r.RemoteAddr)
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", authRealm)
	h.writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized", nil)
}
