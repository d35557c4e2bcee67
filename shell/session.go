package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrExit ends the read-eval-print loop cleanly.
var ErrExit = errors.New("exit")

type Command func(args []string, s *Session) error

// Session is the interactive shell a remote peer can be attached to. Its
// reader and writer are swappable so the same command loop serves either the
// local terminal or a socket.
type Session struct {
	in  *bufio.Reader
	out io.Writer

	localIn  *bufio.Reader
	localOut io.Writer

	wd       string
	commands map[string]Command
	marks    []string
}

func NewSession(r io.Reader, w io.Writer) *Session {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}

	in := bufio.NewReader(r)
	s := &Session{
		in:       in,
		out:      w,
		localIn:  in,
		localOut: w,
		wd:       wd,
		commands: make(map[string]Command),
	}
	s.registerBuiltins()
	return s
}

func (s *Session) Register(name string, cmd Command) {
	s.commands[strings.ToLower(name)] = cmd
}

// SwapIO redirects the session to the given streams and returns the function
// that restores the previous pair. The reader must be the connection's own
// buffered reader so that line reads and protocol reads share one buffer.
func (s *Session) SwapIO(in *bufio.Reader, out io.Writer) func() {
	prevIn, prevOut := s.in, s.out
	s.in, s.out = in, out
	return func() {
		s.in, s.out = prevIn, prevOut
	}
}

func (s *Session) Out() io.Writer { return s.out }

// LocalOut always refers to the local terminal, even while attached. Transfer
// diagnostics go here so they never leak into the protocol stream.
func (s *Session) LocalOut() io.Writer { return s.localOut }

// LocalIn always refers to the local keyboard, even while attached.
func (s *Session) LocalIn() *bufio.Reader { return s.localIn }

func (s *Session) ReadLine() (string, error) {
	line, err := s.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) WriteLine(text string) {
	fmt.Fprintln(s.out, text)
}

func (s *Session) Writef(format string, a ...any) {
	fmt.Fprintf(s.out, format, a...)
}

func (s *Session) Workdir() string { return s.wd }

func (s *Session) Chdir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	s.wd = path
	return nil
}

// SetMarks replaces the table of numbered paths produced by the last listing.
func (s *Session) SetMarks(paths []string) {
	s.marks = paths
}

// Mark returns the path stored under the 1-based integer id.
func (s *Session) Mark(id int) (string, bool) {
	if id < 1 || id > len(s.marks) {
		return "", false
	}
	return s.marks[id-1], true
}

// ResolvePath turns a user-supplied argument into an absolute path: a bare
// integer dereferences the marks table, ~ expands to the home directory, and
// relative paths resolve against the session working directory.
func (s *Session) ResolvePath(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("empty path")
	}

	if id, err := strconv.Atoi(arg); err == nil {
		path, ok := s.Mark(id)
		if !ok {
			return "", fmt.Errorf("no marked path with id %d", id)
		}
		return path, nil
	}

	if arg == "~" || strings.HasPrefix(arg, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot expand ~: %w", err)
		}
		if arg == "~" {
			return home, nil
		}
		return filepath.Join(home, arg[2:]), nil
	}

	if filepath.IsAbs(arg) {
		return filepath.Clean(arg), nil
	}
	return filepath.Join(s.wd, arg), nil
}

// Run drives the read-eval-print loop until the input ends or a command
// returns ErrExit. While attached to a remote peer this same loop executes
// the commands the peer types.
func (s *Session) Run() error {
	for {
		fmt.Fprint(s.out, "myshell> ")

		line, err := s.ReadLine()
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		name := strings.ToLower(fields[0])

		cmd, ok := s.commands[name]
		if !ok {
			s.Writef("%s: unknown command\n", name)
			continue
		}

		if err := cmd(fields[1:], s); err != nil {
			if errors.Is(err, ErrExit) {
				return nil
			}
			s.Writef("%s: %v\n", name, err)
		}
	}
}
