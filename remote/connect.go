package remote

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	log "github.com/schollz/logger"

	"github.com/mariobobic/myshell/shell"
)

// ConnectCommand dials a hosting peer and drives it: typed lines are
// forwarded verbatim and executed remotely, while a background reader pumps
// the peer's output to the local display, watching for transfer markers.
// With -r the dialing side serves instead, mirroring host -r.
func (m *Manager) ConnectCommand(args []string, s *shell.Session) error {
	if m.active != nil {
		return ErrAlreadyConnected
	}

	opts, err := parseConnectArgs(args)
	if err != nil {
		return err
	}
	if opts.password == "" {
		opts.password, err = promptPassword(s)
		if err != nil {
			return err
		}
	}

	addr := net.JoinHostPort(opts.host, strconv.Itoa(opts.port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	c, err := m.newConnection(conn, opts.password, "", s)
	if err != nil {
		conn.Close()
		return err
	}
	fmt.Fprintf(s.LocalOut(), "Connected to %s. Type 'exit' to end the session.\n", conn.RemoteAddr())

	if opts.reverse {
		return m.serve(c, s)
	}
	return m.drive(c, s)
}

// drive runs the client role: the foreground loop forwards keystrokes, the
// background goroutine reads peer output. No state is shared between them
// beyond the socket and the read-only key material; typing "exit" closes the
// socket, which is what unblocks the reader's pending read.
func (m *Manager) drive(c *Connection, s *shell.Session) error {
	guard, err := m.attach(c, s, false)
	if err != nil {
		c.Conn.Close()
		return err
	}
	defer guard.Release()

	done := make(chan struct{})
	go m.readLoop(c, s, done)

	in := s.LocalIn()
	for {
		select {
		case <-done:
			// peer is gone; stop forwarding
			close(c.CancelCh)
			c.Conn.Close()
			return nil
		default:
		}

		line, err := in.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\r\n")

		if _, err := c.Conn.Write([]byte(line + "\n")); err != nil {
			break
		}
		if strings.TrimSpace(line) == "exit" {
			break
		}
	}

	close(c.CancelCh)
	c.Conn.Close()
	<-done
	fmt.Fprintln(s.LocalOut(), "Session closed.")
	return nil
}

// readLoop is the transfer-aware reader: ordinary output is echoed verbatim,
// a transfer marker switches it into the receiver role for exactly one
// entry, and an upload request hands the sender role to this side.
func (m *Manager) readLoop(c *Connection, s *shell.Session, done chan struct{}) {
	defer close(done)

	buf := make([]byte, FIELD_BUFFER_SIZE)
	for {
		n, err := c.R.Read(buf)
		if err != nil {
			select {
			case <-c.CancelCh:
			default:
				fmt.Fprintln(s.LocalOut(), "Connection ended.")
			}
			return
		}
		chunk := buf[:n]

		// a marker split across reads is topped up byte by byte until it is
		// either complete or provably ordinary text
		for couldBeHint(chunk) {
			b, err := c.R.ReadByte()
			if err != nil {
				s.LocalOut().Write(chunk)
				return
			}
			chunk = append(chunk, b)
		}

		if IsTransferStart(chunk) {
			if err := c.receiveEntry(); err != nil && errors.Is(err, ErrConnectionEnded) {
				fmt.Fprintln(s.LocalOut(), "Connection ended.")
				return
			}
			continue
		}

		if bytes.HasPrefix(chunk, []byte(UPLOAD_REQUEST)) {
			request := string(chunk[len(UPLOAD_REQUEST):])
			if !strings.Contains(request, "\n") {
				rest, err := c.R.ReadString('\n')
				if err != nil {
					fmt.Fprintln(s.LocalOut(), "Connection ended.")
					return
				}
				request += rest
			}
			if err := m.sendRequested(c, s, strings.TrimSpace(request)); err != nil {
				fmt.Fprintln(s.LocalOut(), "Connection ended.")
				return
			}
			continue
		}

		s.LocalOut().Write(chunk)
	}
}

// sendRequested runs the sender role on the driving side after the serving
// peer asked for an upload: resolve the path locally, announce the entry
// count, then stream every entry.
func (m *Manager) sendRequested(c *Connection, s *shell.Session, arg string) error {
	var entries []entry
	path, err := s.ResolvePath(arg)
	if err == nil {
		entries, err = collectEntries(path)
	}
	if err != nil {
		fmt.Fprintf(s.LocalOut(), "upload %s: %v\n", arg, err)
		if werr := c.writeField("0"); werr != nil {
			return werr
		}
		_, rerr := c.readSignal()
		return rerr
	}

	log.Debugf("upload request for %s: %d entries", path, len(entries))
	if err := c.writeField(strconv.Itoa(len(entries))); err != nil {
		return err
	}
	if ok, err := c.readSignal(); err != nil || !ok {
		return err
	}

	failed, err := c.SendEntries(entries)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.LocalOut(), "Upload finished: %d entries sent, %d failed.\n", len(entries)-failed, failed)
	return nil
}

type connectOptions struct {
	host     string
	port     int
	password string
	reverse  bool
}

func parseConnectArgs(args []string) (connectOptions, error) {
	var opts connectOptions
	if len(args) < 2 {
		return opts, errors.New("usage: connect <host> <port> [-pass <password>] [-r]")
	}
	opts.host = args[0]

	port, err := strconv.Atoi(args[1])
	if err != nil || port < 1 || port > 65535 {
		return opts, fmt.Errorf("invalid port %q", args[1])
	}
	opts.port = port

	for i := 2; i < len(args); i++ {
		switch args[i] {
		case "-pass", "--pass":
			if i+1 >= len(args) {
				return opts, errors.New("--pass requires a value")
			}
			i++
			opts.password = args[i]
		case "-r", "--reverse":
			opts.reverse = true
		default:
			return opts, fmt.Errorf("unknown option %q", args[i])
		}
	}
	return opts, nil
}
