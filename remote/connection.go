package remote

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/mariobobic/myshell/config"
	"github.com/mariobobic/myshell/crypt"
	"github.com/mariobobic/myshell/shell"
)

var (
	ErrNotConnected     = errors.New("not connected to a remote shell")
	ErrAlreadyConnected = errors.New("a remote connection is already active")

	// ErrConnectionEnded marks reset/closed/broken-pipe class failures that
	// terminate the whole session, as opposed to a single failed transfer.
	ErrConnectionEnded = errors.New("connection ended")

	errEntryRejected = errors.New("rejected by peer")
)

// Connection is one active remote session: the socket, its shared buffered
// reader, the key material both ciphers are built from, and the directory
// received files land in.
type Connection struct {
	Conn net.Conn
	R    *bufio.Reader

	Key []byte
	IV  []byte

	DownloadDir string
	ChunkSize   int

	// Local is the local terminal writer. Transfer diagnostics and progress
	// go here, never onto the wire.
	Local io.Writer

	CancelCh chan struct{}
}

func (c *Connection) newCipher(mode crypt.Mode) (*crypt.BlockCipher, error) {
	return crypt.NewBlockCipherWithKey(c.Key, c.IV, mode)
}

// Manager owns the single active Connection per shell and the remote command
// set operating on it.
type Manager struct {
	cfg    *config.Config
	active *Connection
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// Active returns the current connection, or nil.
func (m *Manager) Active() *Connection { return m.active }

// Shutdown closes the active connection, unblocking any pending reads on it.
func (m *Manager) Shutdown() {
	if m.active != nil {
		m.active.Conn.Close()
	}
}

func (m *Manager) newConnection(conn net.Conn, password string, downloadDir string, s *shell.Session) (*Connection, error) {
	key, iv, err := keyMaterial(password, m.cfg)
	if err != nil {
		return nil, err
	}
	if downloadDir == "" {
		downloadDir = m.cfg.DownloadPath
	}
	return &Connection{
		Conn:        conn,
		R:           bufio.NewReader(conn),
		Key:         key,
		IV:          iv,
		DownloadDir: downloadDir,
		ChunkSize:   m.cfg.ChunkSize,
		Local:       s.LocalOut(),
		CancelCh:    make(chan struct{}),
	}, nil
}

func keyMaterial(password string, cfg *config.Config) (key []byte, iv []byte, err error) {
	switch cfg.KDF {
	case "", config.KDF_LEGACY:
		return crypt.LegacyKey(crypt.HashPassword(password, cfg.Salt))
	case config.KDF_PBKDF2:
		key, iv = crypt.PBKDF2Key(password, cfg.Salt)
		return key, iv, nil
	}
	return nil, nil, fmt.Errorf("unknown key derivation %q", cfg.KDF)
}

// Guard is the only handle that can detach an attached connection. Release
// restores the session streams and clears the active connection; it is safe
// to call more than once.
type Guard struct {
	m        *Manager
	restore  func()
	released bool
}

func (m *Manager) attach(c *Connection, s *shell.Session, swapIO bool) (*Guard, error) {
	if m.active != nil {
		return nil, ErrAlreadyConnected
	}
	m.active = c

	restore := func() {}
	if swapIO {
		restore = s.SwapIO(c.R, c.Conn)
	}
	return &Guard{m: m, restore: restore}, nil
}

func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.restore()
	g.m.active = nil
}

// isConnectionError reports whether err belongs to the class of failures
// that terminate the session rather than a single entry.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func connWrap(err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return ErrConnectionEnded
	}
	return err
}
