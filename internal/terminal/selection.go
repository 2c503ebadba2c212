package terminal

import (
	"strings"
)

// Option is one entry of a selection menu.
type Option struct {
	Text     string `json:"text"`
	Selected bool   `json:"selected"`
}

// Selection is a multiple-choice menu awaiting an answer.
type Selection struct {
	Question      string   `json:"question"`
	Options       []Option `json:"options"`
	SelectedIndex int      `json:"selectedIndex"`
}

// Approval is a pending accept/decline/trust question.
type Approval struct {
	Question string   `json:"question"`
	Choices  []string `json:"choices"`
}

// ParseSelection extracts a menu from plain-text lines. The question is the
// last line before the highlighted option that carries a question mark or
// one of phrases; options are the non-blank lines following it up to the
// next blank line.
func ParseSelection(lines []string, phrases []string) (Selection, bool) {
	marker := -1
	for i, l := range lines {
		if strings.Contains(l, SelectionMarker) {
			marker = i
			break
		}
	}
	if marker < 0 {
		return Selection{}, false
	}

	question := -1
	for i := marker; i >= 0; i-- {
		l := lines[i]
		if i < marker && strings.Contains(l, SelectionMarker) {
			continue
		}
		if strings.Contains(l, QuestionMarker) || containsAny(l, phrases) {
			question = i
			break
		}
	}
	if question < 0 {
		return Selection{}, false
	}

	sel := Selection{Question: cleanQuestion(lines[question])}
	// The question and the highlighted option can share a line.
	start := question + 1
	if question == marker {
		if text := optionText(lines[question][strings.Index(lines[question], SelectionMarker):]); text != "" {
			sel.Question = cleanQuestion(lines[question][:strings.Index(lines[question], SelectionMarker)])
			sel.Options = append(sel.Options, Option{Text: text, Selected: true})
		}
	}
	for _, l := range lines[start:] {
		if strings.TrimSpace(l) == "" {
			if len(sel.Options) > 0 {
				break
			}
			continue
		}
		sel.Options = append(sel.Options, Option{
			Text:     optionText(l),
			Selected: strings.Contains(l, SelectionMarker),
		})
	}

	sel.SelectedIndex = -1
	for i, o := range sel.Options {
		if o.Selected {
			sel.SelectedIndex = i
			break
		}
	}
	if sel.SelectedIndex < 0 {
		return Selection{}, false
	}
	return sel, true
}

// Keys returns the inputs that move the highlight from the current option
// to index and confirm it.
func (s Selection) Keys(index int) []string {
	var keys []string
	key := KeyDown
	moves := index - s.SelectedIndex
	if moves < 0 {
		key = KeyUp
		moves = -moves
	}
	for i := 0; i < moves; i++ {
		keys = append(keys, key)
	}
	return append(keys, KeyEnter)
}

func optionText(l string) string {
	return strings.TrimSpace(strings.Replace(l, SelectionMarker, "", 1))
}

func cleanQuestion(l string) string {
	return strings.TrimSpace(strings.ReplaceAll(l, QuestionArrow, ""))
}
