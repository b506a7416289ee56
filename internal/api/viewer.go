package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"viewguard/internal/document"
	"viewguard/internal/eventbus"
	"viewguard/internal/logging"
	"viewguard/internal/presence"
	"viewguard/internal/schemavalidation"
	"viewguard/internal/session"
	"viewguard/internal/store"
	"viewguard/internal/violation"
)

// Defaults for the viewer profile created at redemption.
const (
	DefaultViewerName  = "Confidential Viewer"
	DefaultViewerEmail = "unknown@secured"
	revokedByViewer    = "Session revoked by viewer."
	lockedFallback     = "Document locked"
)

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)
	if wait := s.otpFailures.RetryAfter(ip); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "Too many attempts.")
		return
	}
	if !s.otpLimiter.Allow(ip) {
		writeError(w, http.StatusTooManyRequests, "Too many attempts.")
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if !s.decode(w, r, schemavalidation.OTP, &body, "Access code required") {
		return
	}

	log := logging.FromContext(r.Context(), s.logger)
	now := s.now().UTC()
	doc, err := s.store.FindDocumentByOTP(body.Code)
	if err == nil && !doc.Permissions.ExpiryDate.IsZero() && now.After(doc.Permissions.ExpiryDate) {
		err = store.ErrInvalidOTP
	}
	if errors.Is(err, store.ErrInvalidOTP) {
		s.metrics.OTPRejectedTotal.Inc()
		if s.otpFailures.RecordFailure(ip) {
			log.Warn("access code lockout", "ip", ip)
		}
		writeError(w, http.StatusNotFound, "Invalid or expired code")
		return
	}
	if err != nil {
		log.Error("access code lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if doc.Locked {
		writeJSON(w, http.StatusLocked, map[string]string{"error": "Document locked", "reason": doc.LockedReason})
		return
	}
	s.otpFailures.RecordSuccess(ip)

	agent := r.UserAgent()
	if agent == "" {
		agent = "unknown-device"
	}
	platform := r.Header.Get("Sec-CH-UA-Platform")
	if platform == "" {
		platform = agent
	}
	viewer := document.ViewerProfile{
		ViewerID: "viewer-" + uuid.NewString()[:8],
		Name:     DefaultViewerName,
		Email:    DefaultViewerEmail,
		Device: document.Device{
			ID:        uuid.NewString(),
			Label:     agent,
			Platform:  platform,
			IPAddress: ip,
			CreatedAt: now,
		},
	}
	rec := &store.SessionRecord{
		Session:    session.NewStatus(doc, viewer.ViewerID, session.TamperKey(s.cfg.TamperSecret), now),
		DocumentID: doc.DocumentID,
		Viewer:     viewer,
	}
	if err := s.store.CreateSession(rec); err != nil {
		log.Error("create session failed", "document_id", doc.DocumentID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.metrics.OTPRedemptionsTotal.Inc()
	s.bus.Emit(eventbus.New(eventbus.OTPVerified, map[string]any{
		"documentId": doc.DocumentID,
		"viewerId":   viewer.ViewerID,
	}))
	log.Info("access code redeemed", "document_id", doc.DocumentID, "viewer_id", viewer.ViewerID)

	s.setViewerCookie(w, rec.Token)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"documentId":      doc.DocumentID,
		"requireIdentity": doc.IdentityRequirement.Required,
		"session":         rec.Session,
	})
}

// telemetry is the part of an envelope's data the sinks act on.
type telemetry struct {
	Event      string         `json:"event"`
	Context    map[string]any `json:"context"`
	SessionID  string         `json:"sessionId"`
	TamperHash string         `json:"tamperHash"`
	Violation  *struct {
		ID          string `json:"id"`
		Code        string `json:"code"`
		Description string `json:"description"`
		CreatedAt   string `json:"createdAt"`
	} `json:"violation"`
	Evidence *session.Evidence `json:"evidence"`
}

// readEnvelope decodes {type, data, createdAt}. A body without data is
// treated as the data itself.
func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) (map[string]any, *telemetry, bool) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	body, err := s.readBody(w, r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large.")
		} else {
			writeError(w, http.StatusBadRequest, "Invalid payload.")
		}
		return nil, nil, false
	}
	if err := s.schemas.Decode(schemavalidation.Envelope, body, &env); err != nil {
		s.logger.Debug("envelope rejected", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid payload.")
		return nil, nil, false
	}
	raw := []byte(env.Data)
	if len(raw) == 0 || string(raw) == "null" {
		raw = body
	}

	var data map[string]any
	var t telemetry
	if err := json.Unmarshal(raw, &data); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload.")
		return nil, nil, false
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload.")
		return nil, nil, false
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, &t, true
}

// sinkError maps persistence failures of the telemetry sinks.
func (s *Server) sinkError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusUnauthorized, "Session not found")
		return
	}
	logging.FromContext(r.Context(), s.logger).Error("telemetry sink failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func (s *Server) handleViolation(w http.ResponseWriter, r *http.Request) {
	data, t, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	if t.Violation != nil {
		if _, err := violation.ParseCode(t.Violation.Code); err != nil {
			writeError(w, http.StatusBadRequest, "Unknown violation code.")
			return
		}
	}
	if token := s.viewerToken(r); token != "" && t.Violation != nil {
		v := presence.Violation{
			ID:          t.Violation.ID,
			Code:        t.Violation.Code,
			Description: t.Violation.Description,
			CreatedAt:   s.parseTime(t.Violation.CreatedAt),
		}
		if v.Description == "" {
			v.Description = violation.Describe(violation.Code(v.Code))
		}
		if t.Evidence != nil {
			v.Photo = t.Evidence.Photo
			v.Location = t.Evidence.Location
		}
		if err := s.recorder.RecordViolation(token, v); err != nil {
			s.sinkError(w, r, err)
			return
		}
	}
	if t.Violation != nil {
		s.metrics.ViolationsTotal.Inc()
	}

	s.bus.Emit(eventbus.New(eventbus.Violation, data))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "VIOLATION_RECORDED",
		"receivedAt": s.now().UTC(),
		"payload":    data,
	})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	data, t, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	if token := s.viewerToken(r); token != "" {
		if err := s.recorder.AppendLog(token, t.Event, t.Context); err != nil {
			s.sinkError(w, r, err)
			return
		}
	}

	s.bus.Emit(eventbus.New(eventbus.SessionHeartbeat, data))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "LOGGED",
		"receivedAt": s.now().UTC(),
		"payload":    data,
	})
}

// handleHeartbeat records a liveness proof. A tamper hash that does not
// match the one issued at redemption is recorded as SESSION_TAMPER.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	data, t, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	token := s.viewerToken(r)
	if token != "" {
		rec, err := s.store.GetSession(token)
		if err != nil {
			s.sinkError(w, r, err)
			return
		}
		if !rec.Session.Active {
			writeError(w, http.StatusUnauthorized, "Session revoked")
			return
		}
		if t.TamperHash != "" && t.TamperHash != rec.Session.TamperHash {
			s.recordTamper(w, r, token, rec)
			return
		}
		if err := s.recorder.AppendLog(token, string(session.EventHeartbeat), map[string]any{"sessionId": t.SessionID}); err != nil {
			s.sinkError(w, r, err)
			return
		}
	}

	s.bus.Emit(eventbus.New(eventbus.SessionHeartbeat, data))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ALIVE",
		"receivedAt": s.now().UTC(),
		"payload":    data,
	})
}

func (s *Server) recordTamper(w http.ResponseWriter, r *http.Request, token string, rec *store.SessionRecord) {
	ev := violation.New(violation.SessionTamper, s.now().UTC())
	err := s.recorder.RecordViolation(token, presence.Violation{
		ID:          ev.ID,
		Code:        string(ev.Code),
		Description: ev.Description,
		CreatedAt:   ev.CreatedAt,
	})
	if err != nil {
		s.sinkError(w, r, err)
		return
	}
	s.metrics.ViolationsTotal.Inc()
	s.bus.Emit(eventbus.New(eventbus.Violation, map[string]any{
		"documentId": rec.DocumentID,
		"viewerId":   rec.Session.ViewerID,
		"violation":  ev,
	}))
	logging.FromContext(r.Context(), s.logger).Warn("tamper hash mismatch",
		"document_id", rec.DocumentID, "viewer_id", rec.Session.ViewerID)
	writeError(w, http.StatusConflict, "Tamper hash mismatch.")
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var c presence.Capture
	if !s.decode(w, r, schemavalidation.Presence, &c, "documentId required") {
		return
	}
	token := s.viewerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing session")
		return
	}
	if err := s.recorder.RecordPresence(token, c); err != nil {
		s.sinkError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	token := s.viewerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing session")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if raw, err := s.readBody(w, r); err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	if body.Reason == "" {
		body.Reason = revokedByViewer
	}

	rec, err := s.store.MarkInactive(token, body.Reason)
	if errors.Is(err, store.ErrSessionNotFound) {
		s.clearViewerCookie(w)
		writeError(w, http.StatusUnauthorized, "Session not found")
		return
	}
	if err != nil {
		s.sinkError(w, r, err)
		return
	}

	s.metrics.RevocationsTotal.Inc()
	s.bus.Emit(eventbus.New(eventbus.SessionRevoked, map[string]any{
		"documentId": rec.DocumentID,
		"viewerId":   rec.Session.ViewerID,
		"reason":     body.Reason,
	}))
	logging.FromContext(r.Context(), s.logger).Info("session revoked",
		"document_id", rec.DocumentID, "viewer_id", rec.Session.ViewerID, "reason", body.Reason)
	s.clearViewerCookie(w)
	writeOK(w)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	token := s.viewerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing session")
		return
	}
	var in presence.IdentityInput
	if !s.decode(w, r, schemavalidation.Identity, &in, "Invalid identity payload.") {
		return
	}

	_, err := s.recorder.CaptureIdentity(token, in)
	switch {
	case err == nil:
		writeOK(w)
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, store.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "Document not found")
	case errors.Is(err, presence.ErrIdentityIncomplete):
		writeError(w, http.StatusBadRequest, "Name and phone are required.")
	case errors.Is(err, presence.ErrNameMismatch):
		writeError(w, http.StatusForbidden, "Provided name does not match the expected viewer.")
	case errors.Is(err, presence.ErrPhoneMismatch):
		writeError(w, http.StatusForbidden, "Provided phone does not match the expected viewer.")
	case errors.Is(err, presence.ErrPhotoRequired):
		writeError(w, http.StatusBadRequest, "Photo capture required.")
	default:
		s.sinkError(w, r, err)
	}
}

type lockBody struct {
	Reason    string `json:"reason"`
	Violation *struct {
		ID          string `json:"id"`
		Code        string `json:"code"`
		Description string `json:"description"`
		CreatedAt   string `json:"createdAt"`
		EvidenceURL string `json:"evidenceUrl"`
	} `json:"violation"`
	Evidence map[string]any `json:"evidence"`
	Context  map[string]any `json:"context"`
}

// evidencePhoto picks the violation's evidence URL, then evidence.photo,
// then context.evidencePhoto.
func (b *lockBody) evidencePhoto() string {
	if b.Violation != nil && b.Violation.EvidenceURL != "" {
		return b.Violation.EvidenceURL
	}
	if p, ok := b.Evidence["photo"].(string); ok && p != "" {
		return p
	}
	if p, ok := b.Context["evidencePhoto"].(string); ok {
		return p
	}
	return ""
}

// handleLock locks the document for every viewer. Viewers call it on a
// revoking violation; the violation is then also recorded in their
// history.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body lockBody
	if !s.decode(w, r, schemavalidation.Lock, &body, "Invalid lock payload.") {
		return
	}
	if body.Violation != nil && body.Violation.Code != "" {
		if _, err := violation.ParseCode(body.Violation.Code); err != nil {
			writeError(w, http.StatusBadRequest, "Unknown violation code.")
			return
		}
	}
	reason := body.Reason
	if reason == "" {
		reason = lockedFallback
	}

	log := logging.FromContext(r.Context(), s.logger)
	if _, err := s.store.LockDocument(id, reason, s.now().UTC()); err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "Document not found")
			return
		}
		log.Error("lock document failed", "document_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.RefreshLockedGauge()
	s.bus.Emit(eventbus.New(eventbus.DocumentLocked, map[string]any{
		"documentId": id,
		"reason":     reason,
	}))
	log.Info("document locked", "document_id", id, "reason", reason)

	token := s.viewerToken(r)
	if token != "" && body.Violation != nil && body.Violation.ID != "" && body.Violation.Code != "" {
		desc := body.Violation.Description
		if desc == "" {
			desc = body.Reason
		}
		if desc == "" {
			desc = lockedFallback
		}
		err := s.recorder.RecordViolation(token, presence.Violation{
			ID:          body.Violation.ID,
			Code:        body.Violation.Code,
			Description: desc,
			CreatedAt:   s.parseTime(body.Violation.CreatedAt),
			Photo:       body.evidencePhoto(),
		})
		if err != nil {
			log.Warn("record lock violation failed", "document_id", id, "error", err)
		}
	}
	writeOK(w)
}
