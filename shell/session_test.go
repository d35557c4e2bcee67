package shell

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSession(input string) (*Session, *bytes.Buffer) {
	var out bytes.Buffer
	return NewSession(strings.NewReader(input), &out), &out
}

func TestRunDispatch(t *testing.T) {
	s, out := newTestSession("pwd\nnosuchcommand\nexit\n")

	if err := s.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	output := out.String()
	if !strings.Contains(output, s.Workdir()) {
		t.Errorf("expected working directory in output, got %q", output)
	}
	if !strings.Contains(output, "nosuchcommand: unknown command") {
		t.Errorf("expected unknown command message, got %q", output)
	}
}

func TestRunEndsOnEOF(t *testing.T) {
	s, _ := newTestSession("pwd\n")

	if err := s.Run(); err == nil {
		t.Errorf("expected an error when input ends without exit")
	}
}

func TestResolvePath(t *testing.T) {
	s, _ := newTestSession("")
	if err := s.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}

	tests := []struct {
		arg  string
		want string
	}{
		{"notes.txt", filepath.Join(s.Workdir(), "notes.txt")},
		{"sub/notes.txt", filepath.Join(s.Workdir(), "sub", "notes.txt")},
		{"/etc/hosts", "/etc/hosts"},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := s.ResolvePath(tt.arg)
			if err != nil {
				t.Fatalf("ResolvePath(%q) failed: %v", tt.arg, err)
			}
			if got != tt.want {
				t.Errorf("ResolvePath(%q) = %q, want %q", tt.arg, got, tt.want)
			}
		})
	}
}

func TestResolvePathMarks(t *testing.T) {
	s, _ := newTestSession("")
	s.SetMarks([]string{"/data/a.txt", "/data/b.txt"})

	got, err := s.ResolvePath("2")
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	if got != "/data/b.txt" {
		t.Errorf("ResolvePath(\"2\") = %q, want /data/b.txt", got)
	}

	if _, err := s.ResolvePath("3"); err == nil {
		t.Errorf("expected an error for an id past the marks table")
	}
}

func TestLsSetsMarks(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alpha.txt", "beta.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("failed to create fixture: %v", err)
		}
	}

	s, out := newTestSession("")
	if err := s.Chdir(dir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}

	if err := lsCommand(nil, s); err != nil {
		t.Fatalf("ls failed: %v", err)
	}

	if !strings.Contains(out.String(), "1: alpha.txt") {
		t.Errorf("expected numbered listing, got %q", out.String())
	}

	path, ok := s.Mark(1)
	if !ok || path != filepath.Join(dir, "alpha.txt") {
		t.Errorf("Mark(1) = %q, %v", path, ok)
	}
}

func TestSwapIO(t *testing.T) {
	s, out := newTestSession("")

	var remote bytes.Buffer
	restore := s.SwapIO(s.LocalIn(), &remote)

	s.WriteLine("to the peer")
	restore()
	s.WriteLine("back home")

	if !strings.Contains(remote.String(), "to the peer") {
		t.Errorf("expected swapped output, got %q", remote.String())
	}
	if strings.Contains(out.String(), "to the peer") {
		t.Errorf("swapped line leaked to the local writer")
	}
	if !strings.Contains(out.String(), "back home") {
		t.Errorf("expected restored output, got %q", out.String())
	}
}
