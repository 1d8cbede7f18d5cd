// Package models defines the core data structures for OutletPipe.
//
// It includes sessions, intent envelopes, inbound events, outbound messages and the
// delivery audit records shared across modules.
package models

import "time"

// Role is the closed set of actor roles an identity can hold.
type Role string

const (
	// RoleUnauthenticated is the role of an identity with no credentials attached.
	RoleUnauthenticated Role = "unauthenticated"
	// RoleAttendant records closings and deposits for an outlet.
	RoleAttendant Role = "attendant"
	// RoleSupervisor reviews outlet activity and receives escalations.
	RoleSupervisor Role = "supervisor"
	// RoleSupplier records supply deliveries to outlets.
	RoleSupplier Role = "supplier"
)

// IsValidRole checks if the given role is part of the closed role set.
func IsValidRole(r Role) bool {
	switch r {
	case RoleUnauthenticated, RoleAttendant, RoleSupervisor, RoleSupplier:
		return true
	default:
		return false
	}
}

// Actor is a directory entry that an identity can authenticate as.
type Actor struct {
	Code      string    `json:"code"`
	Role      Role      `json:"role"`
	Outlet    string    `json:"outlet"`
	Phone     string    `json:"phone,omitempty"` // canonical identity the code is bound to, empty for unbound codes
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InboundType classifies an inbound chat event.
type InboundType string

const (
	InboundText        InboundType = "text"
	InboundButton      InboundType = "button"
	InboundUnsupported InboundType = "unsupported"
)

// InboundEvent is a single user message received from the transport.
type InboundEvent struct {
	MessageID  string      `json:"messageId"`
	From       string      `json:"from"`
	Type       InboundType `json:"type"`
	Text       string      `json:"text,omitempty"`
	ButtonID   string      `json:"buttonId,omitempty"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// Validate checks the fields every inbound event must carry.
func (e *InboundEvent) Validate() error {
	if e.MessageID == "" {
		return ErrEmptyMessageID
	}
	if e.From == "" {
		return ErrEmptyRecipient
	}
	return nil
}

// RecordKind names the business record a confirmed form produces.
type RecordKind string

const (
	RecordClosing RecordKind = "closing"
	RecordDeposit RecordKind = "deposit"
	RecordSupply  RecordKind = "supply"
)

// BusinessRecord is the value committed when a user confirms a pending form.
type BusinessRecord struct {
	ID        string     `json:"id"` // derived from the confirming inbound message id
	Kind      RecordKind `json:"kind"`
	Identity  string     `json:"identity"`
	ActorCode string     `json:"actor_code"`
	Outlet    string     `json:"outlet"`
	Payload   []byte     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// EnvelopeAudit is the redacted trace of an envelope the validator saw.
type EnvelopeAudit struct {
	Identity  string    `json:"identity"`
	MessageID string    `json:"message_id"`
	Intent    string    `json:"intent,omitempty"`
	Valid     bool      `json:"valid"`
	Reason    string    `json:"reason,omitempty"`
	Redacted  []byte    `json:"redacted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRetry indicates the caller should redeliver the request later.
	APIStatusRetry APIStatus = "retry"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{response: APIResponse{}}
}

func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Retry creates a response telling the transport to redeliver, with the partial results so far.
func Retry(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusRetry).WithMessage(message).WithResult(result).Build()
}
