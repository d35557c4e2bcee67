package remote

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/mariobobic/myshell/crypt"
)

// newTestPair builds two connected ends sharing the same key material, with
// a watchdog that severs the pipe if a lockstep bug deadlocks the test.
func newTestPair(t *testing.T, downloadDir, password string) (sender, receiver *Connection) {
	t.Helper()
	a, b := net.Pipe()
	sender = testConnection(t, a, "", password)
	receiver = testConnection(t, b, downloadDir, password)

	watchdog := time.AfterFunc(10*time.Second, func() {
		a.Close()
		b.Close()
	})
	t.Cleanup(func() {
		watchdog.Stop()
		a.Close()
		b.Close()
	})
	return sender, receiver
}

func testConnection(t *testing.T, conn net.Conn, downloadDir, password string) *Connection {
	t.Helper()
	key, iv, err := crypt.LegacyKey(crypt.HashPassword(password, "0fRYzuq0"))
	if err != nil {
		t.Fatalf("LegacyKey: %v", err)
	}
	return &Connection{
		Conn:        conn,
		R:           bufio.NewReader(conn),
		Key:         key,
		IV:          iv,
		DownloadDir: downloadDir,
		ChunkSize:   4096,
		Local:       io.Discard,
		CancelCh:    make(chan struct{}),
	}
}

func writeRandomFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return content
}

func TestTransferRoundTrip(t *testing.T) {
	for _, chunk := range []int{1, 7, 1024, 64 * 1024} {
		t.Run(strconv.Itoa(chunk), func(t *testing.T) {
			src := filepath.Join(t.TempDir(), "payload.bin")
			content := writeRandomFile(t, src, 10_000)

			downloadDir := t.TempDir()
			sender, receiver := newTestPair(t, downloadDir, "hunter2")
			sender.ChunkSize = chunk
			receiver.ChunkSize = chunk

			recvErr := make(chan error, 1)
			go func() {
				if err := receiver.awaitTransferStart(); err != nil {
					recvErr <- err
					return
				}
				recvErr <- receiver.receiveEntry()
			}()

			entries, err := collectEntries(src)
			if err != nil {
				t.Fatalf("collectEntries: %v", err)
			}
			failed, err := sender.SendEntries(entries)
			if err != nil {
				t.Fatalf("SendEntries: %v", err)
			}
			if failed != 0 {
				t.Fatalf("SendEntries reported %d failures", failed)
			}
			if err := <-recvErr; err != nil {
				t.Fatalf("receiveEntry: %v", err)
			}

			got, err := os.ReadFile(filepath.Join(downloadDir, "payload.bin"))
			if err != nil {
				t.Fatalf("reading received file: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("received %d bytes that do not match the source", len(got))
			}
		})
	}
}

func TestSenderBlocksWithoutAck(t *testing.T) {
	src := filepath.Join(t.TempDir(), "small.txt")
	writeRandomFile(t, src, 100)

	sender, receiver := newTestPair(t, t.TempDir(), "hunter2")

	sendErr := make(chan error, 1)
	go func() {
		entries, err := collectEntries(src)
		if err != nil {
			sendErr <- err
			return
		}
		sendErr <- sender.sendEntry(entries[0])
	}()

	marker := make([]byte, len(TRANSFER_START))
	if _, err := io.ReadFull(receiver.Conn, marker); err != nil {
		t.Fatalf("reading marker: %v", err)
	}
	if !IsTransferStart(marker) {
		t.Fatalf("first bytes %q are not the transfer marker", marker)
	}

	// no acknowledgment sent: nothing further may arrive
	receiver.Conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	one := make([]byte, 1)
	_, err := receiver.Conn.Read(one)
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("sender advanced past an unacknowledged step: read returned %v", err)
	}

	receiver.Conn.Close()
	if err := <-sendErr; !errors.Is(err, ErrConnectionEnded) {
		t.Fatalf("sendEntry after severed pipe = %v, want ErrConnectionEnded", err)
	}
}

func TestFailedEntryDoesNotAbortBatch(t *testing.T) {
	srcRoot := t.TempDir()
	d := filepath.Join(srcRoot, "d")
	if err := os.MkdirAll(filepath.Join(d, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	aContent := writeRandomFile(t, filepath.Join(d, "a.txt"), 500)
	cContent := writeRandomFile(t, filepath.Join(d, "c.txt"), 500)
	writeRandomFile(t, filepath.Join(d, "sub", "b.txt"), 500)

	downloadDir := t.TempDir()
	// a plain file where the receiver must create d/sub makes that entry and
	// everything under it fail
	if err := os.MkdirAll(filepath.Join(downloadDir, "d"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(downloadDir, "d", "sub"), []byte("in the way"), 0644); err != nil {
		t.Fatal(err)
	}

	sender, receiver := newTestPair(t, downloadDir, "hunter2")

	entries, err := collectEntries(d)
	if err != nil {
		t.Fatalf("collectEntries: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("collectEntries found %d entries, want 5", len(entries))
	}

	recvErr := make(chan error, 1)
	go func() {
		for range entries {
			if err := receiver.awaitTransferStart(); err != nil {
				recvErr <- err
				return
			}
			if err := receiver.receiveEntry(); err != nil && errors.Is(err, ErrConnectionEnded) {
				recvErr <- err
				return
			}
		}
		recvErr <- nil
	}()

	failed, err := sender.SendEntries(entries)
	if err != nil {
		t.Fatalf("SendEntries: %v", err)
	}
	if failed != 2 {
		t.Errorf("SendEntries reported %d failures, want 2 (d/sub and d/sub/b.txt)", failed)
	}
	if err := <-recvErr; err != nil {
		t.Fatalf("receiver: %v", err)
	}

	for name, want := range map[string][]byte{"a.txt": aContent, "c.txt": cContent} {
		got, err := os.ReadFile(filepath.Join(downloadDir, "d", name))
		if err != nil {
			t.Errorf("sibling %s was not delivered: %v", name, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("sibling %s content mismatch", name)
		}
	}
}

func TestWrongPasswordRejectsFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "secret.txt")
	content := writeRandomFile(t, src, 1000)

	rejected := 0
	for _, wrong := range []string{"hunter3", "letmein", "password1"} {
		downloadDir := t.TempDir()
		a, b := net.Pipe()
		sender := testConnection(t, a, "", "hunter2")
		receiver := testConnection(t, b, downloadDir, wrong)
		var local bytes.Buffer
		receiver.Local = &local

		recvErr := make(chan error, 1)
		go func() {
			if err := receiver.awaitTransferStart(); err != nil {
				recvErr <- err
				return
			}
			recvErr <- receiver.receiveEntry()
		}()

		entries, err := collectEntries(src)
		if err != nil {
			t.Fatalf("collectEntries: %v", err)
		}
		if _, err := sender.SendEntries(entries); err != nil {
			t.Fatalf("SendEntries: %v", err)
		}
		err = <-recvErr
		a.Close()
		b.Close()

		if _, statErr := os.Stat(filepath.Join(downloadDir, "secret.txt.part")); statErr == nil {
			t.Errorf("partial file left behind for password %q", wrong)
		}
		if got, readErr := os.ReadFile(filepath.Join(downloadDir, "secret.txt")); readErr == nil && bytes.Equal(got, content) {
			t.Fatalf("plaintext recovered with wrong password %q", wrong)
		}

		if errors.Is(err, errEntryRejected) {
			rejected++
			if !bytes.Contains(local.Bytes(), []byte("password")) {
				t.Errorf("rejection for %q does not mention the password", wrong)
			}
		}
	}

	// CBC padding can validate by chance for a wrong key, so a single
	// accepted garbage file is tolerated
	if rejected < 2 {
		t.Errorf("only %d of 3 wrong passwords were rejected", rejected)
	}
}

func TestUnsafeNameRejected(t *testing.T) {
	for _, name := range []string{"../escape.txt", "d/../../escape.txt", "/etc/passwd"} {
		t.Run(name, func(t *testing.T) {
			downloadDir := t.TempDir()
			sender, receiver := newTestPair(t, downloadDir, "hunter2")

			recvErr := make(chan error, 1)
			go func() {
				if err := receiver.awaitTransferStart(); err != nil {
					recvErr <- err
					return
				}
				recvErr <- receiver.receiveEntry()
			}()

			sendErr := make(chan error, 1)
			go func() {
				sendErr <- sender.sendEntry(entry{rel: name, abs: "unused", dir: true})
			}()

			if err := <-recvErr; !errors.Is(err, errEntryRejected) {
				t.Fatalf("receiveEntry = %v, want errEntryRejected", err)
			}
			if err := <-sendErr; !errors.Is(err, errEntryRejected) {
				t.Fatalf("sendEntry = %v, want errEntryRejected", err)
			}
		})
	}
}

func TestDisconnectMidTransfer(t *testing.T) {
	src := filepath.Join(t.TempDir(), "doomed.bin")
	writeRandomFile(t, src, 5000)

	sender, receiver := newTestPair(t, t.TempDir(), "hunter2")

	go func() {
		if err := receiver.awaitTransferStart(); err != nil {
			return
		}
		receiver.writeSignal(true)
		receiver.readField()
		receiver.Conn.Close()
	}()

	entries, err := collectEntries(src)
	if err != nil {
		t.Fatalf("collectEntries: %v", err)
	}
	if _, err := sender.SendEntries(entries); !errors.Is(err, ErrConnectionEnded) {
		t.Fatalf("SendEntries after disconnect = %v, want ErrConnectionEnded", err)
	}
}

func TestCollectEntries(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "project", "docs"), 0755); err != nil {
		t.Fatal(err)
	}
	writeRandomFile(t, filepath.Join(root, "project", "readme.md"), 10)
	writeRandomFile(t, filepath.Join(root, "project", "docs", "guide.md"), 20)

	entries, err := collectEntries(filepath.Join(root, "project"))
	if err != nil {
		t.Fatalf("collectEntries: %v", err)
	}

	var rels []string
	for _, e := range entries {
		rels = append(rels, e.rel)
	}
	want := []string{"project", "project/docs", "project/docs/guide.md", "project/readme.md"}
	if len(rels) != len(want) {
		t.Fatalf("collectEntries = %v, want %v", rels, want)
	}
	for i := range want {
		if rels[i] != want[i] {
			t.Fatalf("collectEntries = %v, want %v", rels, want)
		}
	}

	single, err := collectEntries(filepath.Join(root, "project", "readme.md"))
	if err != nil {
		t.Fatalf("collectEntries(file): %v", err)
	}
	if len(single) != 1 || single[0].rel != "readme.md" || single[0].dir {
		t.Errorf("collectEntries(file) = %+v", single)
	}
}

func TestAvailableName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")

	if got := availableName(path); got != path {
		t.Fatalf("availableName on free path = %q, want %q", got, path)
	}

	writeRandomFile(t, path, 1)
	want := filepath.Join(dir, "report (1).txt")
	if got := availableName(path); got != want {
		t.Fatalf("availableName on taken path = %q, want %q", got, want)
	}

	writeRandomFile(t, want, 1)
	want2 := filepath.Join(dir, "report (2).txt")
	if got := availableName(path); got != want2 {
		t.Fatalf("availableName on doubly taken path = %q, want %q", got, want2)
	}
}
