package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"viewguard/internal/document"
)

const documentColumns = `document_id, owner_id, title, description, classification, permissions,
	policies, identity_requirement, locked, locked_reason, locked_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func normalizeOTP(otp string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(otp)))
}

// CreateDocument stores doc with the bcrypt hash of its access code. Missing
// ids, timestamps and classification are filled in on doc.
func (s *Store) CreateDocument(doc *document.SecureDocument, otp string) error {
	if strings.TrimSpace(otp) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidOTP)
	}
	if doc.DocumentID == "" {
		doc.DocumentID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.Classification == "" {
		doc.Classification = document.Confidential
	}

	hash, err := bcrypt.GenerateFromPassword(normalizeOTP(otp), s.cost)
	if err != nil {
		return fmt.Errorf("hash access code: %w", err)
	}
	perms, err := marshalJSON(doc.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	policies, err := marshalJSON(doc.Policies)
	if err != nil {
		return fmt.Errorf("encode policies: %w", err)
	}
	identity, err := marshalJSON(doc.IdentityRequirement)
	if err != nil {
		return fmt.Errorf("encode identity requirement: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO documents (document_id, owner_id, title, description, classification, permissions,
			policies, identity_requirement, otp_hash, locked, locked_reason, locked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.DocumentID, doc.OwnerID, doc.Title, doc.Description, doc.Classification, perms,
		policies, identity, hash, boolInt(doc.Locked), doc.LockedReason, nullableNanos(doc.LockedAt), nanos(doc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func scanDocument(row rowScanner) (*document.SecureDocument, error) {
	var (
		doc                     document.SecureDocument
		description, lockReason sql.NullString
		perms, policies, ident  string
		locked                  int
		lockedAt                sql.NullInt64
		createdAt               int64
	)
	if err := row.Scan(&doc.DocumentID, &doc.OwnerID, &doc.Title, &description, &doc.Classification, &perms,
		&policies, &ident, &locked, &lockReason, &lockedAt, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &doc.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(policies), &doc.Policies); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	if err := json.Unmarshal([]byte(ident), &doc.IdentityRequirement); err != nil {
		return nil, fmt.Errorf("decode identity requirement: %w", err)
	}
	doc.Description = description.String
	doc.Locked = locked != 0
	doc.LockedReason = lockReason.String
	doc.LockedAt = timePtr(lockedAt)
	doc.CreatedAt = fromNanos(createdAt)
	return &doc, nil
}

// GetDocument loads a document by id.
func (s *Store) GetDocument(id string) (*document.SecureDocument, error) {
	doc, err := scanDocument(s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE document_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns every document, newest first.
func (s *Store) ListDocuments() ([]document.SecureDocument, error) {
	rows, err := s.db.Query(`SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []document.SecureDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and, by cascade, its sessions.
func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE document_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// FindDocumentByOTP returns the document whose access code matches otp,
// compared case-insensitively.
func (s *Store) FindDocumentByOTP(otp string) (*document.SecureDocument, error) {
	code := normalizeOTP(otp)
	if len(code) == 0 {
		return nil, ErrInvalidOTP
	}

	rows, err := s.db.Query(`SELECT document_id, otp_hash FROM documents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("scan access codes: %w", err)
	}
	var match string
	for rows.Next() {
		var id string
		var hash []byte
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan access code: %w", err)
		}
		if bcrypt.CompareHashAndPassword(hash, code) == nil {
			match = id
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if match == "" {
		return nil, ErrInvalidOTP
	}
	return s.GetDocument(match)
}

// LockDocument blocks further redemptions of id.
func (s *Store) LockDocument(id, reason string, now time.Time) (*document.SecureDocument, error) {
	unlock := s.locks.Lock("doc:" + id)
	defer unlock()

	res, err := s.db.Exec(`UPDATE documents SET locked = 1, locked_reason = ?, locked_at = ? WHERE document_id = ?`,
		reason, nanos(now), id)
	if err != nil {
		return nil, fmt.Errorf("lock document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrDocumentNotFound
	}
	return s.GetDocument(id)
}

// UnlockDocument clears a lock.
func (s *Store) UnlockDocument(id string) (*document.SecureDocument, error) {
	unlock := s.locks.Lock("doc:" + id)
	defer unlock()

	res, err := s.db.Exec(`UPDATE documents SET locked = 0, locked_reason = NULL, locked_at = NULL WHERE document_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("unlock document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrDocumentNotFound
	}
	return s.GetDocument(id)
}
