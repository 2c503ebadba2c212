package linebuf

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// SpinnerGlyphs are the braille frames the chat tool animates with.
const SpinnerGlyphs = "⠋⠙⠹⠸⠼⠦⠴⠇⠧⠏"

// CursorShowMarker is what remains of the "show cursor" sequence once its
// escape byte has been stripped. Real content follows it on spinner lines.
const CursorShowMarker = "[?25h"

var (
	controlChars = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]")
	whitespace   = regexp.MustCompile(`\s+`)

	// spinnerPatterns is matched against a cleaned line.
	spinnerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^[` + SpinnerGlyphs + `]\s+(Thinking|Loading|Initializing|Connecting)`),
		regexp.MustCompile(`^[` + SpinnerGlyphs + `]\s*$`),
		regexp.MustCompile(`^[` + SpinnerGlyphs + `].*[` + SpinnerGlyphs + `]`),
		regexp.MustCompile(`(?i)Thinking\.\.\.`),
		regexp.MustCompile(`(?i)^[` + SpinnerGlyphs + `].*Thinking`),
	}

	spinnerGlyph   = regexp.MustCompile(`[` + SpinnerGlyphs + `]`)
	thinkingText   = regexp.MustCompile(`(?i)Thinking\.\.\.`)
	cursorResidue  = regexp.MustCompile(`^(\s|\[\?25[lh])*$`)
	escapeSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
)

// CleanLine strips escape sequences and control characters, collapses
// whitespace and trims.
func CleanLine(line string) string {
	s := ansi.Strip(line)
	s = strings.ReplaceAll(s, "\r", "")
	s = controlChars.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// IsSpinnerLine reports whether a cleaned line is spinner animation,
// possibly with content glued to it.
func IsSpinnerLine(line string) bool {
	s := strings.TrimSpace(escapeSequence.ReplaceAllString(line, ""))
	for _, p := range spinnerPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ExtractSpinnerContent returns the substantive text of a spinner line,
// or "" when the line is pure animation.
func ExtractSpinnerContent(line string) string {
	s := escapeSequence.ReplaceAllString(line, "")
	s = spinnerGlyph.ReplaceAllString(s, "")
	s = thinkingText.ReplaceAllString(s, "")

	// Classify has already removed whole escape sequences, so this only sees
	// the marker when the ESC byte was lost, e.g. split off by a pty read.
	if i := strings.LastIndex(s, CursorShowMarker); i >= 0 {
		if rest := strings.TrimSpace(s[i+len(CursorShowMarker):]); rest != "" {
			return rest
		}
	}

	s = strings.TrimSpace(s)
	if s == "" || cursorResidue.MatchString(s) {
		return ""
	}
	return s
}

// Classify turns one raw line into the text to emit. ok is false for
// blank lines and pure spinner animation.
func Classify(raw string) (line string, ok bool) {
	clean := CleanLine(raw)
	if clean == "" {
		return "", false
	}
	if IsSpinnerLine(clean) {
		content := ExtractSpinnerContent(clean)
		return content, content != ""
	}
	return clean, true
}
