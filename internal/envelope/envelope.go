// Package envelope validates the structured intent envelope ("OOC") the
// generator emits alongside its display text.
//
// Validation is pure: it never performs I/O and never mutates state. An
// envelope that fails any check is rejected as a whole.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

// DefaultMaxButtons is the transport's maximum number of quick-reply options.
const DefaultMaxButtons = 3

// Rejection reasons reported in InvalidError.Reason.
const (
	ReasonMissing        = "missing"
	ReasonMalformed      = "malformed"
	ReasonUnknownKey     = "unknown_key"
	ReasonUnknownIntent  = "unknown_intent"
	ReasonMissingArg     = "missing_arg"
	ReasonBadArg         = "bad_arg"
	ReasonTooManyButtons = "too_many_buttons"
	ReasonBadButton      = "bad_button"
	ReasonBadStateHint   = "bad_state_hint"
)

// InvalidError describes why an envelope was rejected.
type InvalidError struct {
	Reason  string
	Details string
}

func (e *InvalidError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("invalid envelope: %s", e.Reason)
	}
	return fmt.Sprintf("invalid envelope: %s: %s", e.Reason, e.Details)
}

// Unwrap lets errors.Is match models.ErrInvalidEnvelope.
func (e *InvalidError) Unwrap() error {
	return models.ErrInvalidEnvelope
}

func invalid(reason, format string, args ...interface{}) *InvalidError {
	return &InvalidError{Reason: reason, Details: fmt.Sprintf(format, args...)}
}

// Policy controls how strictly envelopes are checked.
type Policy struct {
	// Required rejects generator output that carries no envelope.
	Required bool
	// Strict rejects unknown top-level and argument keys.
	Strict bool
	// MaxButtons bounds the quick-reply list.
	MaxButtons int
}

// DefaultPolicy is the production policy.
func DefaultPolicy() Policy {
	return Policy{Required: true, Strict: true, MaxButtons: DefaultMaxButtons}
}

// Option configures a Validator.
type Option func(*Policy)

// WithRequired sets whether a missing envelope is an error.
func WithRequired(required bool) Option {
	return func(p *Policy) { p.Required = required }
}

// WithStrict sets whether unknown keys are rejected.
func WithStrict(strict bool) Option {
	return func(p *Policy) { p.Strict = strict }
}

// WithMaxButtons sets the quick-reply bound.
func WithMaxButtons(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.MaxButtons = n
		}
	}
}

// Validator checks raw envelopes against a Policy.
type Validator struct {
	policy Policy
}

// NewValidator creates a Validator starting from DefaultPolicy.
func NewValidator(opts ...Option) *Validator {
	p := DefaultPolicy()
	for _, opt := range opts {
		opt(&p)
	}
	return &Validator{policy: p}
}

// Policy returns the active policy.
func (v *Validator) Policy() Policy {
	return v.policy
}

type argKind int

const (
	argNumber argKind = iota
	argBool
	argText
)

type argRule struct {
	name     string
	kind     argKind
	required bool
	// numbers
	min          float64
	exclusiveMin bool
	// text
	maxLen  int
	pattern *regexp.Regexp // nil means any printable text
}

var (
	productPattern   = regexp.MustCompile(`^[\p{L}\p{N} ._/-]+$`)
	referencePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	outletPattern    = regexp.MustCompile(`^[\p{L}\p{N} ._-]+$`)
	buttonPattern    = regexp.MustCompile(`^[a-z0-9_:-]{1,64}$`)
)

var intentRules = map[models.Intent][]argRule{
	models.IntentShowMenu: nil,
	models.IntentRecordClosing: {
		{name: "product", kind: argText, required: true, maxLen: 64, pattern: productPattern},
		{name: "quantity", kind: argNumber, required: true, min: 0, exclusiveMin: true},
		{name: "waste", kind: argNumber, min: 0},
	},
	models.IntentRecordDeposit: {
		{name: "amount", kind: argNumber, required: true, min: 0, exclusiveMin: true},
		{name: "reference", kind: argText, maxLen: 64, pattern: referencePattern},
	},
	models.IntentRecordSupply: {
		{name: "product", kind: argText, required: true, maxLen: 64, pattern: productPattern},
		{name: "quantity", kind: argNumber, required: true, min: 0, exclusiveMin: true},
		{name: "outlet", kind: argText, maxLen: 64, pattern: outletPattern},
	},
	models.IntentConfirm: {
		{name: "confirmed", kind: argBool, required: true},
	},
	models.IntentCancel: nil,
	models.IntentReviewSummary: {
		{name: "outlet", kind: argText, maxLen: 64, pattern: outletPattern},
	},
	models.IntentEscalateToHuman: {
		{name: "reason", kind: argText, required: true, maxLen: 280},
	},
	models.IntentLogout: nil,
}

var topLevelKeys = map[string]bool{"intent": true, "args": true, "buttons": true, "nextStateHint": true}

// Validate parses and checks raw. It returns (nil, nil) only when raw is empty
// and the policy tolerates a missing envelope.
func (v *Validator) Validate(raw []byte) (*models.Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if v.policy.Required {
			return nil, &InvalidError{Reason: ReasonMissing}
		}
		return nil, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return nil, invalid(ReasonMalformed, "envelope is not a JSON object")
	}
	if v.policy.Strict {
		for k := range top {
			if !topLevelKeys[k] {
				return nil, invalid(ReasonUnknownKey, "%q", k)
			}
		}
	}

	var intentName string
	if err := json.Unmarshal(top["intent"], &intentName); err != nil || intentName == "" {
		return nil, invalid(ReasonUnknownIntent, "intent must be a non-empty string")
	}
	intent := models.Intent(intentName)
	rules, ok := intentRules[intent]
	if !ok {
		return nil, invalid(ReasonUnknownIntent, "%q", intentName)
	}

	env := &models.Envelope{Intent: intent}
	if err := v.validateArgs(top["args"], rules, &env.Args); err != nil {
		return nil, err
	}
	if err := v.validateButtons(top["buttons"], env); err != nil {
		return nil, err
	}
	if hint, ok := top["nextStateHint"]; ok && !isJSONNull(hint) {
		var s string
		if err := json.Unmarshal(hint, &s); err != nil || !models.IsValidState(models.StateType(s)) {
			return nil, invalid(ReasonBadStateHint, "nextStateHint must name a known state")
		}
		env.NextStateHint = models.StateType(s)
	}
	return env, nil
}

func (v *Validator) validateArgs(raw json.RawMessage, rules []argRule, out *models.EnvelopeArgs) error {
	args := map[string]json.RawMessage{}
	if len(raw) > 0 && !isJSONNull(raw) {
		if err := json.Unmarshal(raw, &args); err != nil {
			return invalid(ReasonMalformed, "args must be a JSON object")
		}
	}

	known := make(map[string]bool, len(rules))
	for _, r := range rules {
		known[r.name] = true
		val, present := args[r.name]
		if !present || isJSONNull(val) {
			if r.required {
				return invalid(ReasonMissingArg, "%s", r.name)
			}
			continue
		}
		if err := applyArg(r, val, out); err != nil {
			return err
		}
	}
	if v.policy.Strict {
		for k := range args {
			if !known[k] {
				return invalid(ReasonUnknownKey, "args.%s", k)
			}
		}
	}
	return nil
}

func applyArg(r argRule, val json.RawMessage, out *models.EnvelopeArgs) error {
	switch r.kind {
	case argNumber:
		var f float64
		if err := json.Unmarshal(val, &f); err != nil {
			return invalid(ReasonBadArg, "%s must be a number", r.name)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return invalid(ReasonBadArg, "%s must be finite", r.name)
		}
		if f < r.min || (r.exclusiveMin && f == r.min) {
			return invalid(ReasonBadArg, "%s out of range", r.name)
		}
		setNumber(r.name, f, out)
	case argBool:
		var b bool
		if err := json.Unmarshal(val, &b); err != nil {
			return invalid(ReasonBadArg, "%s must be a boolean", r.name)
		}
		if r.name == "confirmed" {
			out.Confirmed = b
		}
	case argText:
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return invalid(ReasonBadArg, "%s must be a string", r.name)
		}
		s = strings.TrimSpace(s)
		if s == "" || utf8.RuneCountInString(s) > r.maxLen {
			return invalid(ReasonBadArg, "%s length out of range", r.name)
		}
		if r.pattern != nil && !r.pattern.MatchString(s) {
			return invalid(ReasonBadArg, "%s has invalid characters", r.name)
		}
		if r.pattern == nil && !isPrintable(s) {
			return invalid(ReasonBadArg, "%s has control characters", r.name)
		}
		setText(r.name, s, out)
	}
	return nil
}

func setNumber(name string, f float64, out *models.EnvelopeArgs) {
	switch name {
	case "quantity":
		out.Quantity = f
	case "waste":
		out.Waste = f
	case "amount":
		out.Amount = f
	}
}

func setText(name, s string, out *models.EnvelopeArgs) {
	switch name {
	case "product":
		out.Product = s
	case "reference":
		out.Reference = s
	case "outlet":
		out.Outlet = s
	case "reason":
		out.Reason = s
	}
}

func (v *Validator) validateButtons(raw json.RawMessage, env *models.Envelope) error {
	if len(raw) == 0 || isJSONNull(raw) {
		return nil
	}
	var buttons []string
	if err := json.Unmarshal(raw, &buttons); err != nil {
		return invalid(ReasonBadButton, "buttons must be an array of strings")
	}
	if len(buttons) > v.policy.MaxButtons {
		return invalid(ReasonTooManyButtons, "%d > %d", len(buttons), v.policy.MaxButtons)
	}
	for _, b := range buttons {
		if !buttonPattern.MatchString(b) {
			return invalid(ReasonBadButton, "%q", b)
		}
	}
	env.Buttons = buttons
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isPrintable(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Synthetic builds the raw envelope for a deterministic quick-reply so that
// button taps go through the same validator as generator output.
func Synthetic(intent models.Intent, args map[string]interface{}) []byte {
	payload := map[string]interface{}{"intent": intent}
	if len(args) > 0 {
		payload["args"] = args
	}
	b, _ := json.Marshal(payload)
	return b
}
