package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"qchat-relay/internal/client"
	"qchat-relay/internal/protocol"
	"qchat-relay/internal/render"
	"qchat-relay/internal/terminal"
)

var (
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ec9b0"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f14c4c"))
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e5e510"))
	tabStyle    = lipgloss.NewStyle().Padding(0, 1)
	activeTab   = tabStyle.Reverse(true)
	unreadBadge = lipgloss.NewStyle().Foreground(lipgloss.Color("#f14c4c"))
)

// view prints the active session's finalized blocks and prompts. Output
// for other sessions only shows up as unread counts.
type view struct {
	mu  sync.Mutex
	out io.Writer
	mux *client.Multiplexer
}

func (v *view) SessionEvent(id string, ev terminal.Event, active bool) {
	if !active {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Kind {
	case terminal.EventBlockFinalized:
		fmt.Fprintln(v.out, styleBlock(*ev.Block))
	case terminal.EventThinkingShown:
		fmt.Fprintln(v.out, systemStyle.Render("thinking..."))
	case terminal.EventApprovalRequested:
		fmt.Fprintln(v.out, promptStyle.Render(ev.Approval.Question+" [y/n/t]  (answer with /approve y|n|t)"))
	case terminal.EventSelectionRequested:
		fmt.Fprintln(v.out, promptStyle.Render(ev.Selection.Question))
		for i, o := range ev.Selection.Options {
			marker := "  "
			if o.Selected {
				marker = "❯ "
			}
			fmt.Fprintf(v.out, "%s%d) %s\n", marker, i, o.Text)
		}
		fmt.Fprintln(v.out, systemStyle.Render("(choose with /select N)"))
	case terminal.EventInputRequested:
		fmt.Fprint(v.out, promptStyle.Render("> "))
	}
}

func (v *view) Filesystem(_ string, res protocol.FilesystemResult) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch res.Type {
	case protocol.FSBrowse:
		fmt.Fprintln(v.out, systemStyle.Render(res.WorkingDir+"/"+res.Path))
		for _, f := range res.Files {
			name := f.Name
			if f.Type == protocol.EntryDirectory {
				name += "/"
			}
			fmt.Fprintf(v.out, "  %-40s %10d  %s\n", name, f.Size, f.Modified)
		}
	case protocol.FSFile:
		fmt.Fprintln(v.out, systemStyle.Render(fmt.Sprintf("%s (%d bytes)", res.Path, res.Size)))
		fmt.Fprintln(v.out, res.Content)
	case protocol.FSChanged:
		fmt.Fprintln(v.out, systemStyle.Render("files changed in "+res.WorkingDir))
	case protocol.FSError:
		fmt.Fprintln(v.out, errorStyle.Render(res.Code+": "+res.Message))
	}
}

func (v *view) SessionsChanged(string) {
	if v.mux == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, tabs(v.mux.Sessions()))
}

func tabs(sessions []client.Info) string {
	parts := make([]string, 0, len(sessions))
	for _, s := range sessions {
		label := s.Name
		if s.Unread > 0 {
			label += unreadBadge.Render(fmt.Sprintf(" (%d)", s.Unread))
		}
		if s.Active {
			parts = append(parts, activeTab.Render(label))
		} else {
			parts = append(parts, tabStyle.Render(label))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func styleBlock(b terminal.Block) string {
	switch b.Type {
	case terminal.BlockUser:
		return userStyle.Render(b.Text())
	case terminal.BlockSystem:
		return systemStyle.Render(b.Text())
	case terminal.BlockError:
		return errorStyle.Render(b.Text())
	default:
		return styleRuns(render.Runs(b.Raw))
	}
}

// styleRuns re-applies the child's own colors to bot output.
func styleRuns(runs []render.Run) string {
	var sb strings.Builder
	for _, r := range runs {
		if r.Style.IsZero() {
			sb.WriteString(r.Text)
			continue
		}
		st := lipgloss.NewStyle().Bold(r.Style.Bold)
		if r.Style.Foreground != "" {
			st = st.Foreground(lipgloss.Color(r.Style.Foreground))
		}
		if r.Style.Background != "" {
			st = st.Background(lipgloss.Color(r.Style.Background))
		}
		sb.WriteString(st.Render(r.Text))
	}
	return sb.String()
}
