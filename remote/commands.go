package remote

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	log "github.com/schollz/logger"
	"golang.org/x/term"

	"github.com/mariobobic/myshell/shell"
)

// RegisterCommands wires the networking commands into the session. They are
// plain session commands, so whichever side owns the REPL at the time can
// invoke them.
func RegisterCommands(s *shell.Session, m *Manager) {
	s.Register("host", m.HostCommand)
	s.Register("connect", m.ConnectCommand)
	s.Register("download", m.DownloadCommand)
	s.Register("upload", m.UploadCommand)
}

// DownloadCommand runs on the serving side and streams the named path into
// the session output, where the driving peer's reader picks up the transfer
// markers and stores the entries.
func (m *Manager) DownloadCommand(args []string, s *shell.Session) error {
	c := m.active
	if c == nil {
		return ErrNotConnected
	}
	if len(args) != 1 {
		return errors.New("usage: download <path>")
	}

	path, err := s.ResolvePath(args[0])
	if err != nil {
		return err
	}
	entries, err := collectEntries(path)
	if err != nil {
		return err
	}

	log.Debugf("download %s: %d entries", path, len(entries))
	failed, err := c.SendEntries(entries)
	if err != nil {
		return err
	}
	s.Writef("Download finished: %d entries, %d failed.\n", len(entries), failed)
	return nil
}

// UploadCommand runs on the serving side. The path names a file on the
// driving peer's machine, so the command asks that peer to send it: a hint
// line flips the peer's reader into the sender role, then this side stays in
// the command, receiving entries, until the announced count is done. Staying
// here keeps prompt bytes out of the acknowledgement stream.
func (m *Manager) UploadCommand(args []string, s *shell.Session) error {
	c := m.active
	if c == nil {
		return ErrNotConnected
	}
	if len(args) != 1 {
		return errors.New("usage: upload <path>")
	}

	if _, err := fmt.Fprintf(s.Out(), "%s %s\n", UPLOAD_REQUEST, args[0]); err != nil {
		return connWrap(err)
	}

	field, err := c.readField()
	if err != nil {
		return err
	}
	count, err := strconv.Atoi(field)
	if err != nil || count < 0 {
		c.writeSignal(false)
		return fmt.Errorf("invalid entry count %q from peer", field)
	}
	if err := c.writeSignal(true); err != nil {
		return err
	}
	if count == 0 {
		s.Writef("Upload finished: nothing to receive.\n")
		return nil
	}

	failed := 0
	for i := 0; i < count; i++ {
		if err := c.awaitTransferStart(); err != nil {
			return err
		}
		if err := c.receiveEntry(); err != nil {
			if errors.Is(err, ErrConnectionEnded) {
				return err
			}
			failed++
		}
	}
	s.Writef("Upload finished: %d entries, %d failed.\n", count, failed)
	return nil
}

// promptPassword reads the shared transfer password without echoing it when
// a terminal is attached. Inside a remote session there is no terminal on
// this end, so the prompt falls back to a plain line read.
func promptPassword(s *shell.Session) (string, error) {
	fmt.Fprint(s.LocalOut(), "Password: ")
	if isatty.IsTerminal(os.Stdin.Fd()) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(s.LocalOut())
		if err != nil {
			return "", fmt.Errorf("unable to read password: %w", err)
		}
		return string(raw), nil
	}

	line, err := s.ReadLine()
	if err != nil {
		return "", fmt.Errorf("unable to read password: %w", err)
	}
	return line, nil
}
