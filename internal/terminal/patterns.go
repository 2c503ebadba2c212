package terminal

import (
	"regexp"
	"strings"

	"qchat-relay/internal/linebuf"
)

// Markers the chat tool prints around interactive prompts.
const (
	PromptMarker    = ">"
	ApprovalMarker  = "[y/n/t]"
	SelectionMarker = "❯"
	QuestionMarker  = "?"
	QuestionArrow   = "›"
)

// Key sequences written to the child to drive a selection menu.
const (
	KeyUp    = "\x1b[A"
	KeyDown  = "\x1b[B"
	KeyEnter = "\r"
)

// ApprovalChoices are the single-letter answers an approval prompt accepts.
var ApprovalChoices = []string{"y", "n", "t"}

// DefaultBotPhrases mark content as assistant output regardless of length.
var DefaultBotPhrases = []string{
	"I'm Amazon Q",
	"I am Amazon Q",
	"AI assistant",
	"Amazon Web Services",
	"I have access",
	"I can help",
	"built by Amazon",
}

// DefaultSelectionPhrases introduce a selection menu even without a
// question mark on the same line.
var DefaultSelectionPhrases = []string{
	"Select a model for this chat session",
}

// Lines containing any of these are never taken as a prompt.
var promptFalsePositives = []string{"🤖", "○", "disabled", "chatting with"}

var (
	spinnerClass = `[` + linebuf.SpinnerGlyphs + `]`

	// spinnerThinking recognises the tool's "working" animation in a raw line.
	spinnerThinking = regexp.MustCompile(`(?i)` + spinnerClass + `.*?thinking`)

	// animationLine matches a cleaned line holding nothing but the word and
	// its dots. Dots inside a sentence are prose, not animation.
	animationLine = regexp.MustCompile(`(?i)^(?:\.{2,}|…)?\s*thinking(?:\.{0,3}|…)\s*$`)

	spinnerWithWord = regexp.MustCompile(`(?i)` + spinnerClass + `\s*thinking\.{0,3}`)
	spinnerOnly     = regexp.MustCompile(spinnerClass + `\s*`)

	// Sequences that move the cursor or toggle modes; they carry no text.
	cursorControl = regexp.MustCompile(`\x1b\[\??[0-9;]*[ABCDGHJKhlsu]|\x1b?\[\?(?:25|2004)[hl]`)
	// cursorPosition follows the tool's input prompt.
	cursorPosition = regexp.MustCompile(`\x1b\[[0-9]*[CG]`)
	// cascadingEcho is a prompt echoed inside another prompt.
	cascadingEcho = regexp.MustCompile(`>\s*\w+>\s*\w+`)
	slashCommand  = regexp.MustCompile(`^/[a-z]+`)
	quotes        = regexp.MustCompile(`^["']|["']$`)
)

func isThinking(raw, text string) bool {
	return spinnerThinking.MatchString(raw) || animationLine.MatchString(text)
}

// stripThinking removes the animation from text and returns what is left.
func stripThinking(text string) string {
	s := spinnerWithWord.ReplaceAllString(text, "")
	s = spinnerOnly.ReplaceAllString(s, "")
	s = strings.TrimSpace(strings.ReplaceAll(s, "…", ""))
	if animationLine.MatchString(s) {
		return ""
	}
	return s
}

func stripQuotes(s string) string {
	return strings.TrimSpace(quotes.ReplaceAllString(strings.TrimSpace(s), ""))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func compilePhrases(phrases []string) *regexp.Regexp {
	if len(phrases) == 0 {
		return nil
	}
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
}
