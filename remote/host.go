package remote

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mariobobic/myshell/shell"
)

// HostCommand binds a listening socket, accepts exactly one peer, and serves
// it: the session's own streams are redirected to the socket so that the
// commands the peer types execute locally, their output streaming back.
// With -r the roles flip and the accepting side drives the session instead.
func (m *Manager) HostCommand(args []string, s *shell.Session) error {
	if m.active != nil {
		return ErrAlreadyConnected
	}

	opts, err := parseHostArgs(args)
	if err != nil {
		return err
	}
	if opts.password == "" {
		opts.password, err = promptPassword(s)
		if err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(m.cfg.HostBind, strconv.Itoa(opts.port)))
	if err != nil {
		return fmt.Errorf("unable to listen on port %d: %w", opts.port, err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	s.Writef("Hosting on port %d\n", port)
	s.Writef("Local address:  %s\n", orUnknown(lanAddress()))
	s.Writef("Public address: %s\n", orUnknown(publicAddress()))
	s.WriteLine("Waiting for a peer to connect...")

	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept failed: %w", err)
	}
	s.Writef("Peer connected from %s\n", conn.RemoteAddr())

	c, err := m.newConnection(conn, opts.password, opts.downloadDir, s)
	if err != nil {
		conn.Close()
		return err
	}

	if opts.reverse {
		return m.drive(c, s)
	}
	return m.serve(c, s)
}

// serve attaches the connection to the session and re-enters the command
// loop, so the peer's lines dispatch exactly like local ones. Detach is tied
// to the guard and happens on every exit path.
func (m *Manager) serve(c *Connection, s *shell.Session) error {
	guard, err := m.attach(c, s, true)
	if err != nil {
		c.Conn.Close()
		return err
	}
	defer guard.Release()
	defer c.Conn.Close()

	err = s.Run()
	if err != nil {
		if isConnectionError(err) {
			fmt.Fprintln(s.LocalOut(), "Connection ended.")
			return nil
		}
		return err
	}
	fmt.Fprintln(s.LocalOut(), "Peer disconnected.")
	return nil
}

type hostOptions struct {
	port        int
	password    string
	reverse     bool
	downloadDir string
}

func parseHostArgs(args []string) (hostOptions, error) {
	var opts hostOptions
	if len(args) == 0 {
		return opts, errors.New("usage: host <port> [-pass <password>] [-r] [-dl <path>]")
	}

	port, err := strconv.Atoi(args[0])
	if err != nil || port < 0 || port > 65535 {
		return opts, fmt.Errorf("invalid port %q", args[0])
	}
	opts.port = port

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-pass", "--pass":
			if i+1 >= len(args) {
				return opts, errors.New("--pass requires a value")
			}
			i++
			opts.password = args[i]
		case "-dl", "--download-path":
			if i+1 >= len(args) {
				return opts, errors.New("--download-path requires a value")
			}
			i++
			opts.downloadDir = args[i]
		case "-r", "--reverse":
			opts.reverse = true
		default:
			return opts, fmt.Errorf("unknown option %q", args[i])
		}
	}
	return opts, nil
}

func orUnknown(addr string) string {
	if addr == "" {
		return "unknown"
	}
	return addr
}

// lanAddress finds the outbound interface address without sending anything.
func lanAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// publicAddress asks an external service for the public address. Best
// effort; hosting proceeds without it.
func publicAddress() string {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}
