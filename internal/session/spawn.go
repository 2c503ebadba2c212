package session

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Spec describes the process to start for a session.
type Spec struct {
	Argv []string
	Dir  string
	Env  []string
}

// Child is a started process with its stdio wired up.
type Child struct {
	Cmd     *exec.Cmd
	Stdin   io.WriteCloser
	Outputs []io.Reader

	// closers are released once the process has been reaped.
	closers []io.Closer
}

func (c *Child) release() {
	for _, cl := range c.closers {
		cl.Close()
	}
}

// Spawner starts session processes.
type Spawner interface {
	Spawn(spec Spec) (*Child, error)
}

// PipeSpawner connects the child through plain pipes. The child runs in
// its own process group so it can be signalled as a unit.
type PipeSpawner struct{}

func (PipeSpawner) Spawn(spec Spec) (*Child, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	return &Child{
		Cmd:     cmd,
		Stdin:   stdin,
		Outputs: []io.Reader{stdout, stderr},
	}, nil
}

// PTYSpawner gives the child a pseudo-terminal so interactive programs
// behave as they would for a human. pty.Start makes the child a session
// leader, which also puts it in its own process group.
type PTYSpawner struct {
	Rows uint16
	Cols uint16
}

func (p PTYSpawner) Spawn(spec Spec) (*Child, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	size := &pty.Winsize{Rows: p.Rows, Cols: p.Cols}
	if size.Rows == 0 {
		size.Rows = 40
	}
	if size.Cols == 0 {
		size.Cols = 120
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start %s in pty: %w", spec.Argv[0], err)
	}

	return &Child{
		Cmd:     cmd,
		Stdin:   nopCloser{ptmx},
		Outputs: []io.Reader{ptmx},
		closers: []io.Closer{ptmx},
	}, nil
}

// nopCloser keeps the registry from closing the pty master through the
// stdin handle while the reader is still draining it.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
