package presence

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"viewguard/internal/document"
	"viewguard/internal/eventbus"
	"viewguard/internal/session"
	"viewguard/internal/store"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recordedEvents) handle(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedEvents) ofType(t eventbus.Type) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func setup(t *testing.T, req document.IdentityRequirement) (*Recorder, *store.Store, *recordedEvents, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "presence.db"), store.Options{BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	doc := &document.SecureDocument{Title: "Board pack", IdentityRequirement: req}
	require.NoError(t, st.CreateDocument(doc, "code"))
	rec := &store.SessionRecord{
		Session:    session.NewStatus(doc, "viewer-1", nil, time.Now()),
		DocumentID: doc.DocumentID,
	}
	require.NoError(t, st.CreateSession(rec))

	bus := eventbus.NewBus(nil)
	events := &recordedEvents{}
	bus.Subscribe(events.handle)
	return NewRecorder(st, bus, nil), st, events, rec.Token
}

func TestCheckIdentity(t *testing.T) {
	photo := "data:image/png;base64,AA"
	tests := []struct {
		name string
		req  document.IdentityRequirement
		in   IdentityInput
		err  error
	}{
		{"optional without details", document.IdentityRequirement{}, IdentityInput{Photo: photo}, nil},
		{"required missing phone", document.IdentityRequirement{Required: true}, IdentityInput{Name: "Ada", Photo: photo}, ErrIdentityIncomplete},
		{"required blank name", document.IdentityRequirement{Required: true}, IdentityInput{Name: "  ", Phone: "1", Photo: photo}, ErrIdentityIncomplete},
		{"name matches ignoring case", document.IdentityRequirement{EnforceMatch: true, ExpectedName: " Ada Lovelace "}, IdentityInput{Name: "ada lovelace", Photo: photo}, nil},
		{"name mismatch", document.IdentityRequirement{EnforceMatch: true, ExpectedName: "Ada"}, IdentityInput{Name: "Grace", Photo: photo}, ErrNameMismatch},
		{"phone digits match", document.IdentityRequirement{EnforceMatch: true, ExpectedPhone: "+1 (555) 010-0"}, IdentityInput{Phone: "15550100", Photo: photo}, nil},
		{"phone mismatch", document.IdentityRequirement{EnforceMatch: true, ExpectedPhone: "555"}, IdentityInput{Phone: "556", Photo: photo}, ErrPhoneMismatch},
		{"match not enforced", document.IdentityRequirement{ExpectedName: "Ada"}, IdentityInput{Name: "Grace", Photo: photo}, nil},
		{"photo not a data url", document.IdentityRequirement{}, IdentityInput{Photo: "https://example.com/a.png"}, ErrPhotoRequired},
		{"photo missing", document.IdentityRequirement{}, IdentityInput{}, ErrPhotoRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := CheckIdentity(tt.req, tt.in)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.in.Photo, id.Photo)
		})
	}
}

func TestCaptureIdentity(t *testing.T) {
	r, st, events, token := setup(t, document.IdentityRequirement{Required: true, EnforceMatch: true, ExpectedName: "Ada"})

	_, err := r.CaptureIdentity(token, IdentityInput{Name: "Grace", Phone: "1", Photo: "data:x"})
	assert.ErrorIs(t, err, ErrNameMismatch)
	assert.Empty(t, events.ofType(eventbus.ViewerIdentityCaptured))

	rec, err := r.CaptureIdentity(token, IdentityInput{Name: " ada ", Phone: "+1 555", Photo: "data:x"})
	require.NoError(t, err)
	assert.True(t, rec.Session.IdentityVerified)
	require.NotNil(t, rec.Session.ViewerIdentity)
	assert.Equal(t, "ada", rec.Session.ViewerIdentity.Name)
	assert.NotNil(t, rec.Session.ViewerIdentity.VerifiedAt)

	captured := events.ofType(eventbus.ViewerIdentityCaptured)
	require.Len(t, captured, 1)
	assert.Equal(t, rec.DocumentID, captured[0].Payload["documentId"])
	assert.Equal(t, "viewer-1", captured[0].Payload["viewerId"])

	readers, err := st.ListReaders()
	require.NoError(t, err)
	assert.Len(t, readers, 1)

	_, err = r.CaptureIdentity("missing", IdentityInput{Photo: "data:x"})
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestRecordPresence(t *testing.T) {
	r, st, events, token := setup(t, document.IdentityRequirement{})

	require.NoError(t, r.RecordPresence(token, Capture{DocumentID: "doc", Photo: "data:p", FrameHash: "abc"}))
	loc := &session.Location{Lat: 10, Lon: 20}
	require.NoError(t, r.RecordPresence(token, Capture{DocumentID: "doc", Location: loc, Reason: ReasonGeolocation}))

	captured := events.ofType(eventbus.PresenceCaptured)
	require.Len(t, captured, 2)
	assert.Equal(t, DefaultReason, captured[0].Payload["reason"])
	assert.Equal(t, "abc", captured[0].Payload["frameHash"])
	assert.Equal(t, ReasonGeolocation, captured[1].Payload["reason"])
	assert.Nil(t, captured[1].Payload["photo"])

	rec, err := st.GetSession(token)
	require.NoError(t, err)
	require.NotNil(t, rec.History.LastLocation)
	assert.Equal(t, 10.0, rec.History.LastLocation.Lat)
	assert.False(t, rec.History.LastLocation.CapturedAt.IsZero())

	assert.ErrorIs(t, r.RecordPresence("missing", Capture{}), store.ErrSessionNotFound)
}

func TestRecordViolationAndLog(t *testing.T) {
	r, st, _, token := setup(t, document.IdentityRequirement{})

	require.NoError(t, r.RecordViolation(token, Violation{
		ID:          "v1",
		Code:        "FOCUS_LOSS",
		Description: "Viewer lost focus on the secure window.",
		Photo:       "data:evidence",
		Location:    &session.Location{Lat: 1, Lon: 1},
	}))
	require.NoError(t, r.AppendLog(token, "", map[string]any{"k": "v"}))

	rec, err := st.GetSession(token)
	require.NoError(t, err)
	require.Len(t, rec.History.Violations, 1)
	assert.Equal(t, "data:evidence", rec.History.Violations[0].Photo)
	assert.Equal(t, "Viewer lost focus on the secure window.", rec.History.Violations[0].Message)
	require.Len(t, rec.History.Logs, 1)
	assert.Equal(t, "UNKNOWN", rec.History.Logs[0].Event)
	assert.NotNil(t, rec.History.LastLocation)
}
