package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"viewguard/internal/session"
)

const sessionColumns = `token, session_id, document_id, viewer_id, viewer, started_at, expires_at, active,
	heartbeat_ms, focus_lost, tamper_hash, identity_verified, identity_name, identity_phone, identity_photo,
	identity_verified_at, revoked_reason, last_location`

// NewToken returns an opaque viewer token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateSession stores a freshly redeemed session.
func (s *Store) CreateSession(rec *SessionRecord) error {
	if rec.Token == "" {
		rec.Token = NewToken()
	}
	viewer, err := marshalJSON(rec.Viewer)
	if err != nil {
		return fmt.Errorf("encode viewer: %w", err)
	}
	st := rec.Session
	_, err = s.db.Exec(`
		INSERT INTO sessions (token, session_id, document_id, viewer_id, viewer, started_at, expires_at, active,
			heartbeat_ms, focus_lost, tamper_hash, identity_verified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Token, st.ID, rec.DocumentID, st.ViewerID, viewer, nanos(st.StartedAt), nanos(st.ExpiresAt), boolInt(st.Active),
		st.HeartbeatMs, boolInt(st.FocusLost), st.TamperHash, boolInt(st.IdentityVerified),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec                      SessionRecord
		viewer                   string
		started, expires         int64
		active, focus, verified  int
		name, phone, reason, loc sql.NullString
		photo                    []byte
		verifiedAt               sql.NullInt64
	)
	st := &rec.Session
	if err := row.Scan(&rec.Token, &st.ID, &rec.DocumentID, &st.ViewerID, &viewer, &started, &expires, &active,
		&st.HeartbeatMs, &focus, &st.TamperHash, &verified, &name, &phone, &photo,
		&verifiedAt, &reason, &loc); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(viewer), &rec.Viewer); err != nil {
		return nil, fmt.Errorf("decode viewer: %w", err)
	}
	st.DocumentID = rec.DocumentID
	st.StartedAt = fromNanos(started)
	st.ExpiresAt = fromNanos(expires)
	st.Active = active != 0
	st.FocusLost = focus != 0
	st.IdentityVerified = verified != 0
	rec.RevokedReason = reason.String

	if verified != 0 || name.Valid || phone.Valid || len(photo) > 0 {
		p, err := s.decompress(photo)
		if err != nil {
			return nil, err
		}
		st.ViewerIdentity = &session.Identity{
			Name:       name.String,
			Phone:      phone.String,
			Photo:      p,
			VerifiedAt: timePtr(verifiedAt),
		}
	}
	if loc.Valid && loc.String != "" {
		var l session.Location
		if err := json.Unmarshal([]byte(loc.String), &l); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
		rec.History.LastLocation = &l
	}
	return &rec, nil
}

// GetSession loads the record for token with its full history.
func (s *Store) GetSession(token string) (*SessionRecord, error) {
	return s.getSession(s.db, token, MaxLogEntries, MaxViolationEntries)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func (s *Store) getSession(q querier, token string, logLimit, violationLimit int) (*SessionRecord, error) {
	rec, err := s.scanSession(q.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if rec.History.Logs, err = s.logs(q, token, logLimit); err != nil {
		return nil, err
	}
	if rec.History.Violations, err = s.violations(q, token, violationLimit); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) logs(q querier, token string, limit int) ([]LogEntry, error) {
	rows, err := q.Query(`SELECT id, event, context, created_at FROM session_logs
		WHERE token = ? ORDER BY seq DESC LIMIT ?`, token, limit)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	out := []LogEntry{}
	for rows.Next() {
		var e LogEntry
		var ctx sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.Event, &ctx, &created); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if ctx.Valid && ctx.String != "" {
			if err := json.Unmarshal([]byte(ctx.String), &e.Context); err != nil {
				return nil, fmt.Errorf("decode log context: %w", err)
			}
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) violations(q querier, token string, limit int) ([]ViolationEntry, error) {
	rows, err := q.Query(`SELECT id, code, message, occurred_at, photo FROM session_violations
		WHERE token = ? ORDER BY seq DESC LIMIT ?`, token, limit)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	out := []ViolationEntry{}
	for rows.Next() {
		var e ViolationEntry
		var occurred int64
		var photo []byte
		if err := rows.Scan(&e.ID, &e.Code, &e.Message, &occurred, &photo); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		if e.Photo, err = s.decompress(photo); err != nil {
			return nil, err
		}
		e.OccurredAt = fromNanos(occurred)
		out = append(out, e)
	}
	return out, rows.Err()
}

// mutate runs fn in a transaction while holding the token's lock. It fails
// with ErrSessionNotFound when the token is unknown.
func (s *Store) mutate(token string, fn func(tx *sql.Tx) error) error {
	unlock := s.locks.Lock(token)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM sessions WHERE token = ?`, token).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkInactive revokes the session. It returns the updated record.
func (s *Store) MarkInactive(token, reason string) (*SessionRecord, error) {
	err := s.mutate(token, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE sessions SET active = 0, revoked_reason = ? WHERE token = ?`, reason, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetSession(token)
}

// AppendLog records an activity log entry, keeping the newest MaxLogEntries.
func (s *Store) AppendLog(token string, e LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var ctx sql.NullString
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("encode log context: %w", err)
		}
		ctx = sql.NullString{String: string(b), Valid: true}
	}

	return s.mutate(token, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO session_logs (id, token, event, context, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.ID, token, e.Event, ctx, nanos(e.CreatedAt)); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
		_, err := tx.Exec(`DELETE FROM session_logs WHERE token = ? AND seq NOT IN (
			SELECT seq FROM session_logs WHERE token = ? ORDER BY seq DESC LIMIT ?)`, token, token, MaxLogEntries)
		return err
	})
}

// RecordViolation stores a violation, keeping the newest
// MaxViolationEntries. A non-nil loc also updates the last location.
func (s *Store) RecordViolation(token string, e ViolationEntry, loc *session.Location) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	photo := s.compress(e.Photo)

	return s.mutate(token, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO session_violations (id, token, code, message, occurred_at, photo) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, token, e.Code, e.Message, nanos(e.OccurredAt), photo); err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM session_violations WHERE token = ? AND seq NOT IN (
			SELECT seq FROM session_violations WHERE token = ? ORDER BY seq DESC LIMIT ?)`, token, token, MaxViolationEntries); err != nil {
			return err
		}
		return setLocation(tx, token, loc)
	})
}

// RecordPresence updates the last known location when loc is set.
func (s *Store) RecordPresence(token string, loc *session.Location) error {
	return s.mutate(token, func(tx *sql.Tx) error {
		return setLocation(tx, token, loc)
	})
}

func setLocation(tx *sql.Tx, token string, loc *session.Location) error {
	if loc == nil {
		return nil
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	_, err = tx.Exec(`UPDATE sessions SET last_location = ? WHERE token = ?`, string(b), token)
	return err
}

// AttachIdentity marks the session identity-verified.
func (s *Store) AttachIdentity(token string, id session.Identity) (*SessionRecord, error) {
	if id.VerifiedAt == nil {
		now := time.Now().UTC()
		id.VerifiedAt = &now
	}
	photo := s.compress(id.Photo)

	err := s.mutate(token, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE sessions SET identity_verified = 1, identity_name = ?, identity_phone = ?,
			identity_photo = ?, identity_verified_at = ? WHERE token = ?`,
			id.Name, id.Phone, photo, nanos(*id.VerifiedAt), token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetSession(token)
}

// ListReaders returns identity-verified readers, most recently verified
// first, each with a short preview of their history.
func (s *Store) ListReaders() ([]ReaderSnapshot, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions WHERE identity_verified = 1`)
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	var recs []*SessionRecord
	for rows.Next() {
		rec, err := s.scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reader: %w", err)
		}
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ReaderSnapshot, 0, len(recs))
	for _, rec := range recs {
		snap := ReaderSnapshot{
			DocumentID:    rec.DocumentID,
			DocumentTitle: "Unknown",
			ViewerID:      rec.Session.ViewerID,
			LastLocation:  rec.History.LastLocation,
			Active:        rec.Session.Active,
		}
		if doc, err := s.GetDocument(rec.DocumentID); err == nil {
			snap.DocumentTitle = doc.Title
			snap.Locked = doc.Locked
		}
		if id := rec.Session.ViewerIdentity; id != nil {
			snap.Name, snap.Phone, snap.Photo, snap.VerifiedAt = id.Name, id.Phone, id.Photo, id.VerifiedAt
		}
		if snap.Logs, err = s.logs(s.db, rec.Token, ReaderPreview); err != nil {
			return nil, err
		}
		if snap.Violations, err = s.violations(s.db, rec.Token, ReaderPreview); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].VerifiedAt, out[j].VerifiedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	return out, nil
}
