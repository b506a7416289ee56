package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"viewguard/internal/document"
	"viewguard/internal/eventbus"
	"viewguard/internal/logging"
	"viewguard/internal/schemavalidation"
	"viewguard/internal/store"
)

const defaultOwner = "owner-root"

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.UnlockDocument(id); err != nil {
		s.documentError(w, r, id, err)
		return
	}
	s.RefreshLockedGauge()
	s.bus.Emit(eventbus.New(eventbus.DocumentUnlocked, map[string]any{"documentId": id}))
	logging.FromContext(r.Context(), s.logger).Info("document unlocked", "document_id", id)
	writeOK(w)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments()
	if err != nil {
		s.documentError(w, r, "", err)
		return
	}
	if docs == nil {
		docs = []document.SecureDocument{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := s.store.GetDocument(id)
	if err != nil {
		s.documentError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

type createDocumentBody struct {
	Title               string                       `json:"title"`
	Description         string                       `json:"description"`
	OwnerID             string                       `json:"ownerId"`
	OTP                 string                       `json:"otp"`
	Classification      string                       `json:"classification"`
	Permissions         document.Permissions         `json:"permissions"`
	Policies            document.Policies            `json:"policies"`
	IdentityRequirement document.IdentityRequirement `json:"identityRequirement"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body createDocumentBody
	if !s.decode(w, r, schemavalidation.Document, &body, "Title and OTP are required.") {
		return
	}
	if body.OwnerID == "" {
		body.OwnerID = defaultOwner
	}
	if body.Permissions.SecurityLevel == "" {
		body.Permissions.SecurityLevel = document.LevelHigh
	}

	doc := &document.SecureDocument{
		OwnerID:             body.OwnerID,
		Title:               body.Title,
		Description:         body.Description,
		Classification:      body.Classification,
		Permissions:         body.Permissions,
		Policies:            body.Policies,
		IdentityRequirement: body.IdentityRequirement,
		CreatedAt:           s.now().UTC(),
	}
	if err := s.store.CreateDocument(doc, body.OTP); err != nil {
		if errors.Is(err, store.ErrInvalidOTP) {
			writeError(w, http.StatusBadRequest, "Title and OTP are required.")
			return
		}
		s.documentError(w, r, "", err)
		return
	}

	s.bus.Emit(eventbus.New(eventbus.DocumentCreated, map[string]any{
		"documentId": doc.DocumentID,
		"title":      doc.Title,
	}))
	logging.FromContext(r.Context(), s.logger).Info("document created", "document_id", doc.DocumentID)
	writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteDocument(id); err != nil {
		s.documentError(w, r, id, err)
		return
	}
	s.RefreshLockedGauge()
	s.bus.Emit(eventbus.New(eventbus.DocumentDeleted, map[string]any{"documentId": id}))
	logging.FromContext(r.Context(), s.logger).Info("document deleted", "document_id", id)
	writeOK(w)
}

func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request) {
	readers, err := s.store.ListReaders()
	if err != nil {
		s.documentError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readers": readers})
}

func (s *Server) documentError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, store.ErrDocumentNotFound) {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	logging.FromContext(r.Context(), s.logger).Error("document operation failed", "document_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
