package remote

import (
	"bytes"
	"strings"
)

// The wire format is a text/binary hybrid over one raw TCP stream. A fixed
// marker written into the otherwise free-form text output announces that a
// binary transfer follows; every subsequent step is acknowledged with a
// single signal byte before the sender proceeds.
const (
	TRANSFER_START = "__DOWNLOAD_START"
	UPLOAD_REQUEST = "__UPLOAD_START"

	FIELD_BUFFER_SIZE = 1024
)

const (
	signalFail byte = 0
	signalOK   byte = 1
)

const (
	KIND_FILE      byte = 0
	KIND_DIRECTORY byte = 1
)

// IsTransferStart reports whether the leading bytes of a read chunk announce
// a binary transfer. This is the single seam containing the marker-sniffing
// ambiguity of the legacy wire format.
func IsTransferStart(buf []byte) bool {
	return bytes.HasPrefix(buf, []byte(TRANSFER_START))
}

// couldBeHint reports whether buf is a strict prefix of one of the markers,
// i.e. a hint that may have been split across reads.
func couldBeHint(buf []byte) bool {
	if len(buf) == 0 || len(buf) >= len(TRANSFER_START) {
		return false
	}
	return bytes.HasPrefix([]byte(TRANSFER_START), buf) || bytes.HasPrefix([]byte(UPLOAD_REQUEST), buf)
}

func (c *Connection) writeSignal(ok bool) error {
	signal := signalFail
	if ok {
		signal = signalOK
	}
	_, err := c.Conn.Write([]byte{signal})
	return connWrap(err)
}

func (c *Connection) readSignal() (bool, error) {
	b, err := c.R.ReadByte()
	if err != nil {
		return false, connWrap(err)
	}
	return b == signalOK, nil
}

// expectOK waits for the peer's acknowledgment of the previous step. A fail
// signal rejects the current entry; the state machine never advances past an
// unacknowledged step.
func (c *Connection) expectOK() error {
	ok, err := c.readSignal()
	if err != nil {
		return err
	}
	if !ok {
		return errEntryRejected
	}
	return nil
}

// writeField sends a text payload (a relative name, a decimal size) as raw
// bytes. The surrounding acknowledgments keep fields from running together.
func (c *Connection) writeField(s string) error {
	_, err := c.Conn.Write([]byte(s))
	return connWrap(err)
}

// readField reads one text payload. The buffer may be larger than the
// payload, so trailing NUL and space bytes are trimmed.
func (c *Connection) readField() (string, error) {
	buf := make([]byte, FIELD_BUFFER_SIZE)
	n, err := c.R.Read(buf)
	if err != nil {
		return "", connWrap(err)
	}
	return strings.TrimRight(string(buf[:n]), "\x00 "), nil
}
