// Package render turns a block's accumulated terminal text into flat styled
// runs and HTML markup. Rendering always starts from a clean style, so the
// same buffer always renders the same way.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Style is the SGR state in effect for a run. Empty colors mean the
// terminal default.
type Style struct {
	Foreground string
	Background string
	Bold       bool
}

// IsZero reports whether s is the default style.
func (s Style) IsZero() bool { return s == Style{} }

// CSS renders s as an inline style attribute value.
func (s Style) CSS() string {
	var parts []string
	if s.Foreground != "" {
		parts = append(parts, "color: "+s.Foreground)
	}
	if s.Background != "" {
		parts = append(parts, "background-color: "+s.Background)
	}
	if s.Bold {
		parts = append(parts, "font-weight: bold")
	}
	return strings.Join(parts, "; ")
}

// Run is a stretch of text under one style.
type Run struct {
	Text  string
	Style Style
}

// Cursor-control residue that arrives with its escape byte already consumed
// by an earlier read.
var residue = regexp.MustCompile(`\x1b?\[\?(?:25|2004)[hl]`)

var basicColors = map[int]string{
	30: "#000000", 31: "#cd0000", 32: "#00cd00", 33: "#cdcd00",
	34: "#0000ee", 35: "#cd00cd", 36: "#00cdcd", 37: "#e5e5e5",
	90: "#7f7f7f", 91: "#ff0000", 92: "#00ff00", 93: "#ffff00",
	94: "#5c5cff", 95: "#ff00ff", 96: "#00ffff", 97: "#ffffff",
}

// The 256-color palette's first sixteen entries.
var systemColors = [16]string{
	"#000000", "#800000", "#008000", "#808000", "#000080", "#800080", "#008080", "#c0c0c0",
	"#808080", "#ff0000", "#00ff00", "#ffff00", "#0000ff", "#ff00ff", "#00ffff", "#ffffff",
}

// Palette256 returns the hex color for an xterm 256-color index, or "" when
// n is out of range.
func Palette256(n int) string {
	switch {
	case n < 0 || n > 255:
		return ""
	case n < 16:
		return systemColors[n]
	case n < 232:
		n -= 16
		level := func(v int) int {
			if v == 0 {
				return 0
			}
			return 55 + v*40
		}
		return fmt.Sprintf("#%02x%02x%02x", level(n/36), level(n%36/6), level(n%6))
	default:
		g := 8 + (n-232)*10
		return fmt.Sprintf("#%02x%02x%02x", g, g, g)
	}
}

// Runs splits buf into styled runs. Adjacent text under the same style is
// merged; SGR sequences update the style; every other escape or control
// sequence is dropped.
func Runs(buf string) []Run {
	buf = residue.ReplaceAllString(buf, "")

	var (
		runs  []Run
		cur   Style
		text  strings.Builder
		state byte
	)
	flush := func() {
		if text.Len() == 0 {
			return
		}
		if n := len(runs); n > 0 && runs[n-1].Style == cur {
			runs[n-1].Text += text.String()
		} else {
			runs = append(runs, Run{Text: text.String(), Style: cur})
		}
		text.Reset()
	}

	for len(buf) > 0 {
		seq, width, n, newState := ansi.DecodeSequence(buf, state, nil)
		state = newState
		buf = buf[n:]

		if width > 0 {
			text.WriteString(seq)
			continue
		}
		switch {
		case seq == "\n" || seq == "\t":
			text.WriteString(seq)
		case isSGR(seq):
			next := applySGR(cur, seq[2:len(seq)-1])
			if next != cur {
				flush()
				cur = next
			}
		}
	}
	flush()
	return runs
}

func isSGR(seq string) bool {
	return len(seq) >= 3 && strings.HasPrefix(seq, "\x1b[") && seq[len(seq)-1] == 'm'
}

// applySGR folds one parameter list into s. Unsupported codes are ignored.
func applySGR(s Style, params string) Style {
	if params == "" {
		return Style{}
	}
	fields := strings.Split(params, ";")
	codes := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			v = -1
		}
		codes[i] = v
	}

	for i := 0; i < len(codes); i++ {
		c := codes[i]
		switch {
		case c == 0:
			s = Style{}
		case c == 1:
			s.Bold = true
		case c == 22:
			s.Bold = false
		case c == 39:
			s.Foreground = ""
		case c == 49:
			s.Background = ""
		case basicColors[c] != "":
			s.Foreground = basicColors[c]
		case (c >= 40 && c <= 47) || (c >= 100 && c <= 107):
			s.Background = basicColors[c-10]
		case c == 38 || c == 48:
			color, used := extendedColor(codes[i+1:])
			i += used
			if color == "" {
				continue
			}
			if c == 38 {
				s.Foreground = color
			} else {
				s.Background = color
			}
		}
	}
	return s
}

// extendedColor decodes the arguments following 38 or 48 and reports how
// many parameters it consumed.
func extendedColor(args []int) (string, int) {
	if len(args) == 0 {
		return "", 0
	}
	switch args[0] {
	case 5:
		if len(args) < 2 {
			return "", len(args)
		}
		return Palette256(args[1]), 2
	case 2:
		if len(args) < 4 {
			return "", len(args)
		}
		r, g, b := args[1], args[2], args[3]
		if r < 0 || r > 255 || g < 0 || g > 255 || b < 0 || b > 255 {
			return "", 4
		}
		return fmt.Sprintf("#%02x%02x%02x", r, g, b), 4
	}
	return "", 1
}

// Markup renders buf as flat HTML: one span per styled run, leading spaces
// kept as &nbsp; and newlines as <br>.
func Markup(buf string) string {
	var (
		out       strings.Builder
		lineStart = true
	)
	for _, r := range Runs(buf) {
		css := r.Style.CSS()
		if css != "" {
			out.WriteString(`<span style="`)
			out.WriteString(css)
			out.WriteString(`">`)
		}
		lineStart = writeText(&out, r.Text, lineStart)
		if css != "" {
			out.WriteString("</span>")
		}
	}
	return out.String()
}

func writeText(out *strings.Builder, text string, lineStart bool) bool {
	for len(text) > 0 {
		i := strings.IndexByte(text, '\n')
		line := text
		if i >= 0 {
			line = text[:i]
		}
		if lineStart {
			trimmed := strings.TrimLeft(line, " ")
			out.WriteString(strings.Repeat("&nbsp;", len(line)-len(trimmed)))
			if trimmed != "" {
				lineStart = false
			}
			line = trimmed
		}
		out.WriteString(html.EscapeString(line))
		if i < 0 {
			break
		}
		out.WriteString("<br>")
		lineStart = true
		text = text[i+1:]
	}
	return lineStart
}

// Plain returns the visible text of buf without any styling.
func Plain(buf string) string {
	var b strings.Builder
	for _, r := range Runs(buf) {
		b.WriteString(r.Text)
	}
	return b.String()
}
