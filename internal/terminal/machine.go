// Package terminal classifies the chat tool's output for one session into
// renderable blocks and tracks which interaction, if any, the session is
// waiting on.
package terminal

import (
	"fmt"
	"regexp"
	"strings"

	"qchat-relay/internal/protocol"
	"qchat-relay/internal/render"
)

// BlockType classifies a block of output.
type BlockType string

const (
	BlockSystem BlockType = "system"
	BlockUser   BlockType = "user"
	BlockBot    BlockType = "bot"
	BlockError  BlockType = "error"
	// BlockEcho marks the tool repeating the user's own input. Such content
	// is never rendered.
	BlockEcho BlockType = "echo"
)

// State is where a session's conversation stands.
type State string

const (
	StateIdle              State = "idle"
	StateRunning           State = "running"
	StateAwaitingOutput    State = "awaiting-output"
	StateAwaitingInput     State = "awaiting-input"
	StateAwaitingSelection State = "awaiting-selection"
	StateAwaitingApproval  State = "awaiting-approval"
	StateStopped           State = "stopped"
	StateErrored           State = "errored"
)

// Terminal reports whether no further interaction is possible.
func (s State) Terminal() bool { return s == StateStopped || s == StateErrored }

// Block is one classified run of output.
type Block struct {
	ID     int       `json:"id"`
	Type   BlockType `json:"type"`
	Raw    string    `json:"raw"`
	Markup string    `json:"markup"`
	Final  bool      `json:"final"`
}

// Text returns the block's visible text.
func (b Block) Text() string { return render.Plain(b.Raw) }

// EventKind names what changed.
type EventKind string

const (
	EventBlockOpened        EventKind = "block-opened"
	EventBlockUpdated       EventKind = "block-updated"
	EventBlockFinalized     EventKind = "block-finalized"
	EventThinkingShown      EventKind = "thinking-shown"
	EventThinkingHidden     EventKind = "thinking-hidden"
	EventInputRequested     EventKind = "input-requested"
	EventSelectionRequested EventKind = "selection-requested"
	EventApprovalRequested  EventKind = "approval-requested"
	EventStateChanged       EventKind = "state-changed"
)

// Event is one observable change produced by the machine.
type Event struct {
	Kind      EventKind
	Block     *Block
	Selection *Selection
	Approval  *Approval
	State     State
}

// Config holds the classification heuristics.
type Config struct {
	// LongContent is the length above which content is always bot output.
	LongContent int
	// ThinkingRemainder is how much text must survive removing the thinking
	// animation from a line before it is shown as content.
	ThinkingRemainder int
	BotPhrases        []string
	SelectionPhrases  []string
}

func (c *Config) applyDefaults() {
	if c.LongContent <= 0 {
		c.LongContent = 50
	}
	if c.ThinkingRemainder <= 0 {
		c.ThinkingRemainder = 20
	}
	if c.BotPhrases == nil {
		c.BotPhrases = DefaultBotPhrases
	}
	if c.SelectionPhrases == nil {
		c.SelectionPhrases = DefaultSelectionPhrases
	}
}

// Machine is the per-session classifier. It is not safe for concurrent use;
// callers feed one session's messages in arrival order.
type Machine struct {
	cfg        Config
	botPhrases *regexp.Regexp

	state    State
	current  *Block
	nextID   int
	partial  string
	lastSent string
	thinking bool

	selection   *Selection
	selectionOK bool // more options may still arrive
	approval    *Approval

	// recent holds the last lines seen, across block boundaries, for menu
	// detection.
	recent []string

	// classify is replaceable in tests.
	classify func(text string) BlockType
}

// New creates a machine in the idle state.
func New(cfg Config) *Machine {
	cfg.applyDefaults()
	m := &Machine{
		cfg:        cfg,
		botPhrases: compilePhrases(cfg.BotPhrases),
		state:      StateIdle,
	}
	m.classify = m.detectType
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Current returns a copy of the open block, if any.
func (m *Machine) Current() *Block {
	if m.current == nil {
		return nil
	}
	b := *m.current
	return &b
}

// PendingSelection returns the menu awaiting an answer, if any.
func (m *Machine) PendingSelection() *Selection { return m.selection }

// PendingApproval returns the approval awaiting an answer, if any.
func (m *Machine) PendingApproval() *Approval { return m.approval }

// Thinking reports whether the thinking indicator is shown.
func (m *Machine) Thinking() bool { return m.thinking }

// LastSent returns the last free-text input submitted.
func (m *Machine) LastSent() string { return m.lastSent }

// Started records that the remote process is running.
func (m *Machine) Started(workingDir string) []Event {
	var ev events
	m.setState(&ev, StateRunning)
	m.notice(&ev, BlockSystem, "Session started in "+workingDir)
	return ev
}

// Stopped records that the remote process has gone away.
func (m *Machine) Stopped(status protocol.Status) []Event {
	var ev events
	m.flushPartial(&ev)
	m.hideThinking(&ev)
	m.clearPending()

	msg := "Session stopped"
	if status.Type == protocol.StatusExit {
		switch {
		case status.Signal != "":
			msg = "Process exited on " + status.Signal
		case status.Code != nil:
			msg = fmt.Sprintf("Process exited with code %d", *status.Code)
		default:
			msg = "Process exited"
		}
	}
	m.notice(&ev, BlockSystem, msg)
	m.setState(&ev, StateStopped)
	return ev
}

// Failed records an error reported for the session. An error before the
// session ever started is terminal; later ones leave the state alone.
func (m *Machine) Failed(message string) []Event {
	var ev events
	m.hideThinking(&ev)
	m.notice(&ev, BlockError, message)
	if m.state == StateIdle {
		m.setState(&ev, StateErrored)
	}
	return ev
}

// Notice appends a finalized block of the given type outside the normal
// classification.
func (m *Machine) Notice(t BlockType, text string) []Event {
	var ev events
	m.notice(&ev, t, text)
	return ev
}

// SubmitInput records free text typed by the user. It returns the input to
// send and the optimistic echo of it. Blank input yields nothing.
func (m *Machine) SubmitInput(text string) ([]protocol.Input, []Event) {
	trimmed := trimBlankLines(text)
	if strings.TrimSpace(trimmed) == "" {
		return nil, nil
	}
	var ev events
	m.lastSent = strings.TrimSpace(trimmed)
	m.clearPending()
	m.hideThinking(&ev)
	m.notice(&ev, BlockUser, "> "+stripQuotes(m.lastSent))
	m.setState(&ev, StateAwaitingOutput)
	return []protocol.Input{{Data: trimmed}}, ev
}

// RespondApproval answers the pending approval with y, n or t.
func (m *Machine) RespondApproval(letter string) ([]protocol.Input, []Event, error) {
	if m.approval == nil {
		return nil, nil, fmt.Errorf("no approval pending")
	}
	letter = strings.ToLower(strings.TrimSpace(letter))
	valid := false
	for _, c := range m.approval.Choices {
		if c == letter {
			valid = true
		}
	}
	if !valid {
		return nil, nil, fmt.Errorf("invalid approval response %q", letter)
	}

	var ev events
	m.approval = nil
	m.setState(&ev, StateAwaitingOutput)
	return []protocol.Input{{Data: letter}}, ev, nil
}

// RespondSelection picks option index of the pending menu by moving the
// highlight there and confirming.
func (m *Machine) RespondSelection(index int) ([]protocol.Input, []Event, error) {
	if m.selection == nil {
		return nil, nil, fmt.Errorf("no selection pending")
	}
	if index < 0 || index >= len(m.selection.Options) {
		return nil, nil, fmt.Errorf("option %d out of range (have %d)", index, len(m.selection.Options))
	}

	keys := m.selection.Keys(index)
	inputs := make([]protocol.Input, len(keys))
	for i, k := range keys {
		inputs[i] = protocol.Input{Data: k, Raw: true}
	}

	var ev events
	m.selection = nil
	m.selectionOK = false
	m.setState(&ev, StateAwaitingOutput)
	return inputs, ev, nil
}

// FeedBatch processes a batch of complete lines as delivered by the relay.
func (m *Machine) FeedBatch(content string) []Event {
	return m.Feed(content + "\n")
}

// Feed processes a chunk of terminal output. A trailing partial line is kept
// until its newline arrives but is still checked for prompts. Everything in
// the chunk up to an approval marker becomes the approval question. If
// classification fails the chunk is shown as a plain system block instead.
func (m *Machine) Feed(chunk string) (out []Event) {
	var ev events
	saved := m.save()
	defer func() {
		if r := recover(); r != nil {
			m.restore(saved)
			text := render.Plain(m.partial + chunk)
			m.partial = ""
			ev = nil
			m.notice(&ev, BlockSystem, text)
			out = ev
		}
	}()

	data := m.partial + chunk
	m.partial = ""
	for {
		i := strings.Index(data, ApprovalMarker)
		if i < 0 {
			break
		}
		question := m.approvalContext(data[:i])
		data = data[i+len(ApprovalMarker):]
		if j := strings.IndexByte(data, '\n'); j >= 0 {
			data = data[j+1:]
		} else {
			data = ""
		}
		m.requestApproval(&ev, question)
	}

	lines := strings.Split(data, "\n")
	m.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		m.processLine(&ev, line)
	}
	m.detectPrompts(&ev, chunk)
	return ev
}

// approvalContext turns the output preceding an approval marker into the
// question text, leaving out animation and echoed input.
func (m *Machine) approvalContext(before string) string {
	var lines []string
	for _, line := range strings.Split(before, "\n") {
		raw := cursorControl.ReplaceAllString(strings.ReplaceAll(line, "\r", ""), "")
		text := strings.TrimSpace(render.Plain(raw))
		if isThinking(line, text) {
			text = stripThinking(text)
			if len(text) <= m.cfg.ThinkingRemainder {
				continue
			}
		}
		if text == "" || text == PromptMarker || m.isEcho(text) {
			continue
		}
		lines = append(lines, text)
	}
	return strings.Join(lines, "\n")
}

// snapshot is the classification state Feed rolls back to on failure.
type snapshot struct {
	current     *Block
	nextID      int
	partial     string
	state       State
	thinking    bool
	selection   *Selection
	selectionOK bool
	approval    *Approval
	recent      []string
}

func (m *Machine) save() snapshot {
	s := snapshot{
		nextID:      m.nextID,
		partial:     m.partial,
		state:       m.state,
		thinking:    m.thinking,
		selectionOK: m.selectionOK,
		approval:    m.approval,
		recent:      append([]string(nil), m.recent...),
	}
	if m.current != nil {
		b := *m.current
		s.current = &b
	}
	if m.selection != nil {
		sel := *m.selection
		sel.Options = append([]Option(nil), sel.Options...)
		s.selection = &sel
	}
	return s
}

func (m *Machine) restore(s snapshot) {
	m.current = s.current
	m.nextID = s.nextID
	m.partial = s.partial
	m.state = s.state
	m.thinking = s.thinking
	m.selection = s.selection
	m.selectionOK = s.selectionOK
	m.approval = s.approval
	m.recent = s.recent
}

type events []Event

func (ev *events) add(e Event) { *ev = append(*ev, e) }

func (m *Machine) processLine(ev *events, line string) {
	raw := cursorControl.ReplaceAllString(strings.ReplaceAll(line, "\r", ""), "")
	text := strings.TrimSpace(render.Plain(raw))

	if m.state == StateAwaitingSelection && m.selectionOK {
		m.extendSelection(ev, text)
		return
	}

	if isThinking(line, text) {
		rest := stripThinking(text)
		if len(rest) <= m.cfg.ThinkingRemainder {
			m.showThinking(ev)
			return
		}
		if rest != text {
			raw, text = rest, rest
		}
	}
	if text != "" {
		m.hideThinking(ev)
	}

	m.remember(text)
	if text == "" {
		if m.current != nil {
			m.append(ev, "")
		}
		return
	}
	if text == PromptMarker {
		m.requestInput(ev)
		return
	}

	t := m.classify(text)
	if t == BlockEcho {
		return
	}
	if m.current == nil || m.current.Type != t {
		m.finalize(ev)
		m.open(ev, t)
	}
	m.append(ev, raw)
}

// detectType classifies non-blank content.
func (m *Machine) detectType(text string) BlockType {
	if m.isEcho(text) {
		return BlockEcho
	}
	clean := stripQuotes(text)
	if len(clean) > m.cfg.LongContent {
		return BlockBot
	}
	if m.botPhrases != nil && m.botPhrases.MatchString(clean) {
		return BlockBot
	}
	if m.lastSent != "" {
		// Replies to slash commands and to free text alike.
		return BlockBot
	}
	return BlockSystem
}

func (m *Machine) isEcho(text string) bool {
	if m.lastSent != "" && text == PromptMarker+" "+stripQuotes(m.lastSent) {
		return true
	}
	if strings.HasPrefix(text, PromptMarker) && strings.Count(text, PromptMarker) > 1 {
		return true
	}
	return cascadingEcho.MatchString(text)
}

// detectPrompts inspects the open block and the pending partial line after
// a chunk has been processed.
func (m *Machine) detectPrompts(ev *events, chunk string) {
	if m.state.Terminal() || m.state == StateAwaitingApproval {
		return
	}

	partial := strings.TrimSpace(render.Plain(cursorControl.ReplaceAllString(m.partial, "")))

	if m.state != StateAwaitingSelection && m.looksLikeSelection(strings.Join(m.recent, "\n")) {
		if sel, ok := ParseSelection(m.recent, m.cfg.SelectionPhrases); ok {
			m.recent = nil
			m.finalize(ev)
			m.requestSelection(ev, sel)
			return
		}
	}

	if m.state == StateAwaitingInput || m.state == StateAwaitingSelection {
		return
	}
	if partial == PromptMarker {
		m.partial = ""
		m.requestInput(ev)
		return
	}
	if strings.HasSuffix(partial, PromptMarker) && cursorPosition.MatchString(chunk) && !containsAny(partial, promptFalsePositives) {
		m.requestInput(ev)
	}
}

func (m *Machine) looksLikeSelection(text string) bool {
	if !strings.Contains(text, SelectionMarker) {
		return false
	}
	return strings.Contains(text, QuestionMarker) || containsAny(text, m.cfg.SelectionPhrases)
}

// extendSelection adds options that arrive after the menu was first shown.
func (m *Machine) extendSelection(ev *events, text string) {
	if text == "" {
		m.selectionOK = false
		return
	}
	opt := Option{Text: optionText(text), Selected: strings.Contains(text, SelectionMarker)}
	m.selection.Options = append(m.selection.Options, opt)
	if opt.Selected {
		for i := range m.selection.Options {
			m.selection.Options[i].Selected = i == len(m.selection.Options)-1
		}
		m.selection.SelectedIndex = len(m.selection.Options) - 1
	}
	sel := *m.selection
	ev.add(Event{Kind: EventSelectionRequested, Selection: &sel})
}

func (m *Machine) requestInput(ev *events) {
	if m.state == StateAwaitingInput {
		return
	}
	m.finalize(ev)
	m.hideThinking(ev)
	m.clearPending()
	m.setState(ev, StateAwaitingInput)
	ev.add(Event{Kind: EventInputRequested})
}

func (m *Machine) requestSelection(ev *events, sel Selection) {
	m.hideThinking(ev)
	m.approval = nil
	m.selection = &sel
	m.selectionOK = true
	m.setState(ev, StateAwaitingSelection)
	cp := sel
	ev.add(Event{Kind: EventSelectionRequested, Selection: &cp})
}

func (m *Machine) requestApproval(ev *events, question string) {
	question = strings.TrimSpace(question)
	if question == "" && m.current != nil {
		question = strings.TrimSpace(m.current.Text())
	}
	m.finalize(ev)
	m.hideThinking(ev)
	m.selection = nil
	m.selectionOK = false
	m.approval = &Approval{Question: question, Choices: append([]string(nil), ApprovalChoices...)}
	m.setState(ev, StateAwaitingApproval)
	a := *m.approval
	ev.add(Event{Kind: EventApprovalRequested, Approval: &a})
}

const recentLines = 32

func (m *Machine) remember(text string) {
	m.recent = append(m.recent, text)
	if len(m.recent) > recentLines {
		m.recent = m.recent[len(m.recent)-recentLines:]
	}
}

func (m *Machine) clearPending() {
	m.recent = nil
	m.selection = nil
	m.selectionOK = false
	m.approval = nil
}

func (m *Machine) showThinking(ev *events) {
	if m.thinking {
		return
	}
	m.thinking = true
	ev.add(Event{Kind: EventThinkingShown})
}

func (m *Machine) hideThinking(ev *events) {
	if !m.thinking {
		return
	}
	m.thinking = false
	ev.add(Event{Kind: EventThinkingHidden})
}

func (m *Machine) setState(ev *events, s State) {
	if m.state == s {
		return
	}
	m.state = s
	ev.add(Event{Kind: EventStateChanged, State: s})
}

func (m *Machine) open(ev *events, t BlockType) {
	m.nextID++
	m.current = &Block{ID: m.nextID, Type: t}
	b := *m.current
	ev.add(Event{Kind: EventBlockOpened, Block: &b})
}

func (m *Machine) append(ev *events, raw string) {
	if m.current == nil {
		m.open(ev, BlockSystem)
	}
	if m.current.Raw != "" {
		m.current.Raw += "\n"
	}
	m.current.Raw += raw
	m.current.Markup = render.Markup(m.current.Raw)
	b := *m.current
	ev.add(Event{Kind: EventBlockUpdated, Block: &b})
}

// finalize closes the open block, dropping trailing blank lines.
func (m *Machine) finalize(ev *events) {
	if m.current == nil {
		return
	}
	b := m.current
	m.current = nil
	b.Raw = trimTrailingBlank(b.Raw)
	if strings.TrimSpace(render.Plain(b.Raw)) == "" {
		return
	}
	b.Markup = render.Markup(b.Raw)
	b.Final = true
	ev.add(Event{Kind: EventBlockFinalized, Block: b})
}

func (m *Machine) notice(ev *events, t BlockType, text string) {
	m.finalize(ev)
	m.open(ev, t)
	m.append(ev, text)
	m.finalize(ev)
}

// flushPartial shows a trailing partial line that will never be completed.
func (m *Machine) flushPartial(ev *events) {
	if m.partial == "" {
		return
	}
	p := m.partial
	m.partial = ""
	m.processLine(ev, p)
}

func trimTrailingBlank(s string) string {
	lines := strings.Split(s, "\n")
	for len(lines) > 0 && strings.TrimSpace(render.Plain(lines[len(lines)-1])) == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// trimBlankLines drops blank lines at both ends of multi-line input.
func trimBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}
