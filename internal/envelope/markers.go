package envelope

import (
	"regexp"
	"strings"
)

// Legacy generators embedded the envelope inside the display text, either as
// <<OOC {...} OOC>> or as a ```ooc fenced block. These helpers only exist to
// read that format and to make sure none of it reaches a user.

var (
	inlineMarker = regexp.MustCompile(`(?s)<<\s*OOC\s*(\{.*?\})\s*OOC\s*>>`)
	fenceMarker  = regexp.MustCompile("(?s)```\\s*ooc\\s*\\n(.*?)```")
	strayMarker  = regexp.MustCompile("(?i)<<\\s*OOC|OOC\\s*>>|```\\s*ooc")
	blankRuns    = regexp.MustCompile(`\n{3,}`)
)

// ExtractMarkers pulls the first legacy envelope out of text. It returns the
// text with every marker removed, the envelope bytes and whether one was found.
func ExtractMarkers(text string) (string, []byte, bool) {
	var raw []byte
	if m := inlineMarker.FindStringSubmatch(text); m != nil {
		raw = []byte(strings.TrimSpace(m[1]))
	} else if m := fenceMarker.FindStringSubmatch(text); m != nil {
		raw = []byte(strings.TrimSpace(m[1]))
	}
	return StripMarkers(text), raw, raw != nil
}

// StripMarkers removes all protocol syntax from display text.
func StripMarkers(text string) string {
	out := inlineMarker.ReplaceAllString(text, "")
	out = fenceMarker.ReplaceAllString(out, "")
	out = strayMarker.ReplaceAllString(out, "")
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// ContainsMarkers reports whether text still carries any protocol syntax.
func ContainsMarkers(text string) bool {
	return inlineMarker.MatchString(text) || fenceMarker.MatchString(text) || strayMarker.MatchString(text)
}
