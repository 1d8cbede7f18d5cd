package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero returns nil for the zero time so it is stored as NULL.
func nilIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const sessionColumns = `identity, role, actor_code, outlet, state, cursor_json, history_json, last_inbound_at, created_at, updated_at, version`

// scanSession scans a Session selected with sessionColumns.
func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var role, state string
	var actorCode, outlet sql.NullString
	var cursorJSON, historyJSON []byte
	err := row.Scan(&s.Identity, &role, &actorCode, &outlet, &state, &cursorJSON, &historyJSON,
		&s.LastInboundAt, &s.CreatedAt, &s.UpdatedAt, &s.Version)
	if err != nil {
		return nil, err
	}
	s.Role = models.Role(role)
	s.State = models.StateType(state)
	s.ActorCode = actorCode.String
	s.Outlet = outlet.String
	if len(cursorJSON) > 0 {
		if err := json.Unmarshal(cursorJSON, &s.Cursor); err != nil {
			return nil, fmt.Errorf("failed to decode cursor for %s: %w", s.Identity, err)
		}
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &s.History); err != nil {
			return nil, fmt.Errorf("failed to decode history for %s: %w", s.Identity, err)
		}
	}
	return &s, nil
}

// encodeSessionJSON returns the cursor and history columns as JSON text.
func encodeSessionJSON(s *models.Session) (string, string, error) {
	cursorJSON, err := json.Marshal(s.Cursor)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	history := s.History
	if history == nil {
		history = []models.Turn{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode history: %w", err)
	}
	return string(cursorJSON), string(historyJSON), nil
}

const deliveryColumns = `id, recipient, kind, context_tag, payload_digest, attempt, status, provider_status, provider_message_id, error, created_at, completed_at`

// scanDelivery scans a DeliveryLogEntry selected with deliveryColumns.
func scanDelivery(row rowScanner) (models.DeliveryLogEntry, error) {
	var e models.DeliveryLogEntry
	var kind, status string
	var contextTag, providerStatus, providerMessageID, errText sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.To, &kind, &contextTag, &e.PayloadDigest, &e.Attempt, &status,
		&providerStatus, &providerMessageID, &errText, &e.CreatedAt, &completedAt)
	if err != nil {
		return e, fmt.Errorf("scan delivery failed: %w", err)
	}
	e.Kind = models.MessageKind(kind)
	e.Status = models.DeliveryStatus(status)
	e.ContextTag = contextTag.String
	e.ProviderStatus = providerStatus.String
	e.ProviderMessageID = providerMessageID.String
	e.Error = errText.String
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

const recordColumns = `id, kind, identity, actor_code, outlet, payload, created_at`

func scanRecord(row rowScanner) (models.BusinessRecord, error) {
	var r models.BusinessRecord
	var kind string
	var actorCode, outlet sql.NullString
	err := row.Scan(&r.ID, &kind, &r.Identity, &actorCode, &outlet, &r.Payload, &r.CreatedAt)
	if err != nil {
		return r, fmt.Errorf("scan record failed: %w", err)
	}
	r.Kind = models.RecordKind(kind)
	r.ActorCode = actorCode.String
	r.Outlet = outlet.String
	return r, nil
}

const actorColumns = `code, role, outlet, phone, name, created_at`

func scanActor(row rowScanner) (models.Actor, error) {
	var a models.Actor
	var role string
	var phone, name sql.NullString
	if err := row.Scan(&a.Code, &role, &a.Outlet, &phone, &name, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Role = models.Role(role)
	a.Phone = phone.String
	a.Name = name.String
	return a, nil
}

// stampDelivery fills the generated fields of a new delivery entry.
func stampDelivery(e *models.DeliveryLogEntry, newID func() string) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.DeliveryAttempted
	}
}
