// Package models defines state management structures for OutletPipe sessions.
package models

import (
	"fmt"
	"time"
)

// StateType represents a specific state within the conversation state machine.
type StateType string

// State constants for the conversation flow.
const (
	StateUnauthenticated StateType = "UNAUTHENTICATED"
	StateMenu            StateType = "MENU"
	StateAwaitingSubstep StateType = "AWAITING_SUBSTEP" // disambiguated by Cursor.FormKind
	StateLoggedOut       StateType = "LOGGED_OUT"
)

// IsValidState checks if the given state is part of the state machine.
func IsValidState(s StateType) bool {
	switch s {
	case StateUnauthenticated, StateMenu, StateAwaitingSubstep, StateLoggedOut:
		return true
	default:
		return false
	}
}

// FormKind identifies the multi-step form an AWAITING_SUBSTEP session is filling.
type FormKind string

const (
	FormNone           FormKind = ""
	FormClosingConfirm FormKind = "closing_confirm"
	FormDepositConfirm FormKind = "deposit_confirm"
	FormSupplyConfirm  FormKind = "supply_confirm"
)

// ClosingForm holds a stock closing awaiting confirmation.
type ClosingForm struct {
	Product  string  `json:"product"`
	Quantity float64 `json:"quantity"`
	Waste    float64 `json:"waste,omitempty"`
}

// DepositForm holds a cash deposit awaiting confirmation.
type DepositForm struct {
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference,omitempty"`
}

// SupplyForm holds a supply delivery awaiting confirmation.
type SupplyForm struct {
	Product  string  `json:"product"`
	Quantity float64 `json:"quantity"`
	Outlet   string  `json:"outlet,omitempty"`
}

// Cursor is the partial form data for the current sub-step. Exactly the form
// named by FormKind is set; a zero Cursor means no form is in progress.
type Cursor struct {
	FormKind FormKind     `json:"formKind,omitempty"`
	Closing  *ClosingForm `json:"closing,omitempty"`
	Deposit  *DepositForm `json:"deposit,omitempty"`
	Supply   *SupplyForm  `json:"supply,omitempty"`
}

// IsZero reports whether no form is in progress.
func (c Cursor) IsZero() bool {
	return c.FormKind == FormNone && c.Closing == nil && c.Deposit == nil && c.Supply == nil
}

// Validate checks that the populated form matches FormKind.
func (c Cursor) Validate() error {
	set := 0
	if c.Closing != nil {
		set++
	}
	if c.Deposit != nil {
		set++
	}
	if c.Supply != nil {
		set++
	}
	switch c.FormKind {
	case FormNone:
		if set != 0 {
			return ErrInvalidCursor
		}
	case FormClosingConfirm:
		if set != 1 || c.Closing == nil {
			return ErrInvalidCursor
		}
	case FormDepositConfirm:
		if set != 1 || c.Deposit == nil {
			return ErrInvalidCursor
		}
	case FormSupplyConfirm:
		if set != 1 || c.Supply == nil {
			return ErrInvalidCursor
		}
	default:
		return fmt.Errorf("%w: unknown form kind %q", ErrInvalidCursor, c.FormKind)
	}
	return nil
}

// Turn is one line of conversation history handed to the generator.
type Turn struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// DefaultHistoryLimit bounds the turns kept on a session.
const DefaultHistoryLimit = 20

// Session is the per-identity conversational state.
type Session struct {
	Identity      string    `json:"identity"`
	Role          Role      `json:"role"`
	ActorCode     string    `json:"actor_code,omitempty"`
	Outlet        string    `json:"outlet,omitempty"`
	State         StateType `json:"state"`
	Cursor        Cursor    `json:"cursor"`
	History       []Turn    `json:"history,omitempty"`
	LastInboundAt time.Time `json:"last_inbound_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Version       int64     `json:"version"`
}

// NewSession returns a fresh unauthenticated session for identity.
func NewSession(identity string, now time.Time) *Session {
	return &Session{
		Identity:  identity,
		Role:      RoleUnauthenticated,
		State:     StateUnauthenticated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasCredentials reports whether a role is attached to the session.
func (s *Session) HasCredentials() bool {
	return s.Role != "" && s.Role != RoleUnauthenticated
}

// ClearCredentials detaches role, actor code and outlet.
func (s *Session) ClearCredentials() {
	s.Role = RoleUnauthenticated
	s.ActorCode = ""
	s.Outlet = ""
}

// AppendTurn adds a history line, dropping the oldest beyond limit.
func (s *Session) AppendTurn(role, text string, at time.Time, limit int) {
	if text == "" {
		return
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.History = append(s.History, Turn{Role: role, Text: text, At: at})
	if over := len(s.History) - limit; over > 0 {
		s.History = append([]Turn(nil), s.History[over:]...)
	}
}

// Validate checks session invariants before persistence.
func (s *Session) Validate() error {
	if s.Identity == "" {
		return ErrEmptyRecipient
	}
	if !IsValidRole(s.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, s.Role)
	}
	if !IsValidState(s.State) {
		return fmt.Errorf("%w: %q", ErrInvalidState, s.State)
	}
	if s.HasCredentials() && s.Outlet == "" {
		return ErrOutletRequired
	}
	if err := s.Cursor.Validate(); err != nil {
		return err
	}
	if s.State != StateAwaitingSubstep && !s.Cursor.IsZero() {
		return fmt.Errorf("%w: cursor set outside AWAITING_SUBSTEP", ErrInvalidCursor)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Cursor.Closing != nil {
		v := *s.Cursor.Closing
		c.Cursor.Closing = &v
	}
	if s.Cursor.Deposit != nil {
		v := *s.Cursor.Deposit
		c.Cursor.Deposit = &v
	}
	if s.Cursor.Supply != nil {
		v := *s.Cursor.Supply
		c.Cursor.Supply = &v
	}
	c.History = append([]Turn(nil), s.History...)
	return &c
}
