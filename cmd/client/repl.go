package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"qchat-relay/internal/client"
)

const helpText = `commands:
  /new [name]           create a session
  /start [dir]          start the active session's process
  /stop                 stop the active session's process
  /close                stop and forget the active session
  /switch <n>           make session n (from /list) active
  /list                 list sessions
  /approve y|n|t        answer a pending approval
  /select <n>           answer a pending selection menu
  /ls [path]            browse the working directory
  /cat <path>           show a file from the working directory
  /quit                 exit
anything else is sent to the active session`

var errQuit = errors.New("quit")

// command is one parsed line.
type command struct {
	name string
	arg  string
}

// parseLine splits a slash command from its argument. Plain text becomes
// a "send" command carrying the whole line.
func parseLine(line string) command {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return command{name: "send", arg: strings.TrimPrefix(line, "/")}
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

type repl struct {
	mux *client.Multiplexer
	out io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := r.exec(ctx, parseLine(scanner.Text())); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(r.out, errorStyle.Render(err.Error()))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

func (r *repl) exec(ctx context.Context, c command) error {
	active := r.mux.Active()
	needActive := func() error {
		if active == "" {
			return errors.New("no session; create one with /new")
		}
		return nil
	}

	switch c.name {
	case "send":
		if err := needActive(); err != nil {
			return err
		}
		return r.mux.Send(ctx, active, c.arg)
	case "new":
		info := r.mux.CreateSession(c.arg)
		return r.mux.Switch(info.ID)
	case "start":
		if err := needActive(); err != nil {
			return err
		}
		return r.mux.Start(ctx, active, c.arg)
	case "stop":
		if err := needActive(); err != nil {
			return err
		}
		return r.mux.Stop(ctx, active)
	case "close":
		if err := needActive(); err != nil {
			return err
		}
		return r.mux.Close(ctx, active)
	case "switch":
		id, err := r.sessionAt(c.arg)
		if err != nil {
			return err
		}
		if err := r.mux.Switch(id); err != nil {
			return err
		}
		for _, b := range r.mux.History(id) {
			fmt.Fprintln(r.out, styleBlock(b))
		}
		return nil
	case "list":
		for i, s := range r.mux.Sessions() {
			marker := " "
			if s.Active {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %d  %-12s %-18s unread=%d  %s\n", marker, i, s.Name, s.State, s.Unread, s.WorkingDir)
		}
		return nil
	case "approve":
		if err := needActive(); err != nil {
			return err
		}
		return r.mux.Approve(ctx, active, strings.ToLower(c.arg))
	case "select":
		if err := needActive(); err != nil {
			return err
		}
		n, err := strconv.Atoi(c.arg)
		if err != nil {
			return fmt.Errorf("select: %w", err)
		}
		return r.mux.Select(ctx, active, n)
	case "ls":
		if err := needActive(); err != nil {
			return err
		}
		return r.mux.Browse(ctx, active, c.arg)
	case "cat":
		if err := needActive(); err != nil {
			return err
		}
		if c.arg == "" {
			return errors.New("cat: path required")
		}
		return r.mux.Read(ctx, active, c.arg)
	case "help":
		fmt.Fprintln(r.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command /%s (try /help)", c.name)
	}
}

func (r *repl) sessionAt(arg string) (string, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return "", fmt.Errorf("switch: %w", err)
	}
	sessions := r.mux.Sessions()
	if n < 0 || n >= len(sessions) {
		return "", fmt.Errorf("switch: no session %d", n)
	}
	return sessions[n].ID, nil
}
