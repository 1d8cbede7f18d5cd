package envelope

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	// M-Pesa style transaction codes.
	paymentCodePattern = regexp.MustCompile(`\b[A-Z0-9]{10}\b`)
	receiptHints       = []string{"ksh", "confirmed", "mpesa", "m-pesa", "paybill", "till"}
)

const receiptKeep = 12

// Redact returns a copy of raw safe for the audit log. Payment references keep
// their last four characters and free text that looks like a payment receipt
// is truncated. Input that is not JSON is replaced by a length marker.
func Redact(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		b, _ := json.Marshal(map[string]interface{}{"unparseable": true, "length": len(raw)})
		return b
	}
	doc = redactValue("", doc)
	b, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return b
}

func redactValue(key string, v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			t[k] = redactValue(k, child)
		}
		return t
	case []interface{}:
		for i, child := range t {
			t[i] = redactValue(key, child)
		}
		return t
	case string:
		if key == "reference" {
			return maskKeepLast(t, 4)
		}
		return redactText(t)
	default:
		return v
	}
}

func redactText(s string) string {
	lower := strings.ToLower(s)
	for _, hint := range receiptHints {
		if strings.Contains(lower, hint) {
			cut := s
			if len([]rune(cut)) > receiptKeep {
				cut = string([]rune(cut)[:receiptKeep])
			}
			return paymentCodePattern.ReplaceAllStringFunc(cut, func(code string) string { return maskKeepLast(code, 0) }) + "...[redacted]"
		}
	}
	return paymentCodePattern.ReplaceAllStringFunc(s, func(code string) string { return maskKeepLast(code, 4) })
}

func maskKeepLast(s string, keep int) string {
	r := []rune(s)
	if keep >= len(r) {
		keep = 0
	}
	return strings.Repeat("*", len(r)-keep) + string(r[len(r)-keep:])
}
