package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"viewguard/internal/notify"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

var errBodyTooLarge = errors.New("api: request body too large")

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	return body, nil
}

// decode reads the body, validates it against schema and unmarshals it into
// out. On failure it has already written the response.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, out any, invalidMsg string) bool {
	body, err := s.readBody(w, r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return false
		}
		writeError(w, http.StatusBadRequest, invalidMsg)
		return false
	}
	if err := s.schemas.Decode(schema, body, out); err != nil {
		s.logger.Debug("request rejected by schema", "schema", schema, "error", err)
		writeError(w, http.StatusBadRequest, invalidMsg)
		return false
	}
	return true
}

func (s *Server) setViewerCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     notify.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.CookieMaxAge / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearViewerCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     notify.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

// parseTime accepts RFC 3339 timestamps and falls back to now.
func (s *Server) parseTime(v string) time.Time {
	if v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	return s.now().UTC()
}
