package remote

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/schollz/logger"

	"github.com/mariobobic/myshell/crypt"
	"github.com/mariobobic/myshell/progress"
)

// entry is the per-file descriptor exchanged at the start of each transfer:
// a slash-separated name relative to the transfer root, the kind, and for
// files the plaintext size the announced ciphertext length derives from.
type entry struct {
	rel  string
	abs  string
	dir  bool
	size int64
}

// collectEntries stats a path and, for directories, walks it depth-first in
// pre-order so that every directory is announced before its contents.
func collectEntries(root string) ([]entry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []entry{{rel: filepath.Base(root), abs: root, size: info.Size()}}, nil
	}

	base := filepath.Dir(root)
	var entries []entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		e := entry{rel: filepath.ToSlash(rel), abs: path, dir: d.IsDir()}
		if !e.dir {
			info, err := d.Info()
			if err != nil {
				return err
			}
			e.size = info.Size()
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SendEntries streams every entry through the transfer state machine. A
// failed entry is reported locally and does not stop its siblings; a
// connection-class failure stops the whole batch.
func (c *Connection) SendEntries(entries []entry) (failed int, err error) {
	for _, e := range entries {
		err := c.sendEntry(e)
		switch {
		case err == nil:
		case errors.Is(err, ErrConnectionEnded):
			return failed, err
		default:
			failed++
			fmt.Fprintf(c.Local, "%s: %v\n", e.rel, err)
		}
	}
	return failed, nil
}

// sendEntry drives the sender side for one filesystem entry:
// marker, name, kind, announced ciphertext size, then the encrypted content,
// each step acknowledged by the receiver before the next begins.
func (c *Connection) sendEntry(e entry) error {
	var src *os.File
	if !e.dir {
		f, err := os.Open(e.abs)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	log.Debugf("announcing transfer of %s", e.rel)
	if _, err := c.Conn.Write([]byte(TRANSFER_START)); err != nil {
		return connWrap(err)
	}
	if err := c.expectOK(); err != nil {
		return err
	}

	if err := c.writeField(e.rel); err != nil {
		return err
	}
	if err := c.expectOK(); err != nil {
		return err
	}

	kind := KIND_FILE
	if e.dir {
		kind = KIND_DIRECTORY
	}
	if _, err := c.Conn.Write([]byte{kind}); err != nil {
		return connWrap(err)
	}
	if e.dir {
		// directories carry no content
		return c.expectOK()
	}

	announced := crypt.PaddedSize(e.size)
	if err := c.writeField(strconv.FormatInt(announced, 10)); err != nil {
		return err
	}
	if err := c.expectOK(); err != nil {
		return err
	}

	enc, err := c.newCipher(crypt.Encrypt)
	if err != nil {
		return err
	}

	buf := make([]byte, c.ChunkSize)
	var sent int64
	var readErr error
	for sent < e.size {
		want := int64(len(buf))
		if e.size-sent < want {
			want = e.size - sent
		}
		n, err := io.ReadFull(src, buf[:want])
		if err != nil && readErr == nil {
			readErr = err
		}
		// the announced length must be honored even if the local read came
		// up short, or the receiver would wait on bytes that never arrive
		for i := n; i < int(want); i++ {
			buf[i] = 0
		}
		sent += want
		if out := enc.Update(buf[:want]); len(out) > 0 {
			if _, err := c.Conn.Write(out); err != nil {
				return connWrap(err)
			}
		}
	}

	fin, err := enc.Finalize()
	if err != nil {
		return err
	}
	if _, err := c.Conn.Write(fin); err != nil {
		return connWrap(err)
	}

	if err := c.expectOK(); err != nil {
		return err
	}
	if readErr != nil {
		return fmt.Errorf("reading %s: %w", e.abs, readErr)
	}
	log.Debugf("finished transfer of %s", e.rel)
	return nil
}

// awaitTransferStart reads the transfer marker off the wire. Used by the
// serving side while receiving an upload batch, where the marker arrives
// between entries instead of inside free-form text.
func (c *Connection) awaitTransferStart() error {
	buf := make([]byte, len(TRANSFER_START))
	if _, err := io.ReadFull(c.R, buf); err != nil {
		return connWrap(err)
	}
	if !IsTransferStart(buf) {
		return fmt.Errorf("unexpected bytes on the wire, want transfer marker")
	}
	return nil
}

// receiveEntry drives the receiver side for one entry. The marker has
// already been consumed. Content is decrypted into a temporary name and
// renamed only once the final block's padding validates, so an interrupted
// or mis-keyed transfer never leaves a file that looks complete.
func (c *Connection) receiveEntry() error {
	if err := c.writeSignal(true); err != nil {
		return err
	}

	name, err := c.readField()
	if err != nil {
		return err
	}
	log.Debugf("receiving %s", name)
	if name == "" || strings.HasPrefix(name, "/") || containsDotDot(name) {
		fmt.Fprintf(c.Local, "refusing entry with unsafe name %q\n", name)
		c.writeSignal(false)
		return errEntryRejected
	}
	dest := filepath.Join(c.DownloadDir, filepath.FromSlash(name))
	if err := c.writeSignal(true); err != nil {
		return err
	}

	kind, err := c.R.ReadByte()
	if err != nil {
		return connWrap(err)
	}
	if kind == KIND_DIRECTORY {
		if err := os.MkdirAll(dest, 0755); err != nil {
			fmt.Fprintf(c.Local, "unable to create directory structure %s: %v\n", dest, err)
			c.writeSignal(false)
			return errEntryRejected
		}
		return c.writeSignal(true)
	}

	sizeField, err := c.readField()
	if err != nil {
		return err
	}
	total, err := strconv.ParseInt(sizeField, 10, 64)
	if err != nil || total <= 0 || total%crypt.BLOCK_SIZE != 0 {
		fmt.Fprintf(c.Local, "%s: invalid announced size %q\n", name, sizeField)
		c.writeSignal(false)
		return errEntryRejected
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		fmt.Fprintf(c.Local, "unable to create directory structure %s: %v\n", filepath.Dir(dest), err)
		c.writeSignal(false)
		return errEntryRejected
	}
	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		fmt.Fprintf(c.Local, "unable to create %s: %v\n", part, err)
		c.writeSignal(false)
		return errEntryRejected
	}
	if err := c.writeSignal(true); err != nil {
		out.Close()
		os.Remove(part)
		return err
	}

	dec, err := c.newCipher(crypt.Decrypt)
	if err != nil {
		out.Close()
		os.Remove(part)
		return err
	}

	reporter := progress.NewReporter(total, c.Local, filepath.Base(dest))
	defer reporter.Stop()

	buf := make([]byte, c.ChunkSize)
	var received int64
	var writeErr error
	for received < total {
		want := int64(len(buf))
		if total-received < want {
			// never read past the announced ciphertext length; the bytes
			// after it belong to the text stream again
			want = total - received
		}
		n, err := c.R.Read(buf[:want])
		if n > 0 {
			received += int64(n)
			reporter.Add(n)
			if plain := dec.Update(buf[:n]); len(plain) > 0 && writeErr == nil {
				if _, err := out.Write(plain); err != nil {
					writeErr = err
				}
			}
		}
		if err != nil {
			out.Close()
			os.Remove(part)
			return connWrap(err)
		}
	}

	fin, finErr := dec.Finalize()
	if finErr == nil && writeErr == nil && len(fin) > 0 {
		if _, err := out.Write(fin); err != nil {
			writeErr = err
		}
	}
	closeErr := out.Close()

	if finErr != nil {
		os.Remove(part)
		var padErr *crypt.PaddingError
		if errors.As(finErr, &padErr) {
			fmt.Fprintf(c.Local, "%s: decryption failed, incorrect password?\n", name)
		} else {
			fmt.Fprintf(c.Local, "%s: %v\n", name, finErr)
		}
		c.writeSignal(false)
		return errEntryRejected
	}
	if writeErr != nil || closeErr != nil {
		os.Remove(part)
		if writeErr == nil {
			writeErr = closeErr
		}
		fmt.Fprintf(c.Local, "%s: %v\n", name, writeErr)
		c.writeSignal(false)
		return errEntryRejected
	}

	if err := os.Rename(part, availableName(dest)); err != nil {
		os.Remove(part)
		fmt.Fprintf(c.Local, "%s: %v\n", name, err)
		c.writeSignal(false)
		return errEntryRejected
	}
	reporter.Stop()
	log.Debugf("received %s (%d ciphertext bytes)", name, total)
	return c.writeSignal(true)
}

func containsDotDot(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// availableName returns path itself when free, otherwise the first numbered
// variant that does not collide with an existing file.
func availableName(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}
