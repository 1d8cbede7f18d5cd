// Package models defines intent and envelope types shared by the validator, generator and controller.
package models

// Intent is the closed vocabulary of actions an envelope may request.
type Intent string

const (
	IntentShowMenu        Intent = "show-menu"
	IntentRecordClosing   Intent = "record-closing"
	IntentRecordDeposit   Intent = "record-deposit"
	IntentRecordSupply    Intent = "record-supply"
	IntentConfirm         Intent = "confirm"
	IntentCancel          Intent = "cancel"
	IntentReviewSummary   Intent = "review-summary"
	IntentEscalateToHuman Intent = "escalate-to-human"
	IntentLogout          Intent = "logout"
)

// AllIntents lists the vocabulary in a stable order.
var AllIntents = []Intent{
	IntentShowMenu,
	IntentRecordClosing,
	IntentRecordDeposit,
	IntentRecordSupply,
	IntentConfirm,
	IntentCancel,
	IntentReviewSummary,
	IntentEscalateToHuman,
	IntentLogout,
}

// IsValidIntent checks if the given intent is part of the vocabulary.
func IsValidIntent(i Intent) bool {
	for _, known := range AllIntents {
		if i == known {
			return true
		}
	}
	return false
}

// EnvelopeArgs holds the typed arguments of every intent. Only the fields that
// belong to Envelope.Intent are populated after validation.
type EnvelopeArgs struct {
	Product   string  `json:"product,omitempty"`
	Quantity  float64 `json:"quantity,omitempty"`
	Waste     float64 `json:"waste,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Reference string  `json:"reference,omitempty"`
	Outlet    string  `json:"outlet,omitempty"`
	Confirmed bool    `json:"confirmed,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Envelope is a validated structured action emitted alongside display text.
type Envelope struct {
	Intent        Intent       `json:"intent"`
	Args          EnvelopeArgs `json:"args"`
	Buttons       []string     `json:"buttons,omitempty"`
	NextStateHint StateType    `json:"nextStateHint,omitempty"` // advisory only
}
