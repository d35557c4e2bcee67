package shell

import (
	"os"
	"path/filepath"
)

func (s *Session) registerBuiltins() {
	s.Register("exit", func(args []string, s *Session) error {
		return ErrExit
	})

	s.Register("pwd", func(args []string, s *Session) error {
		s.WriteLine(s.Workdir())
		return nil
	})

	s.Register("cd", func(args []string, s *Session) error {
		if len(args) == 0 {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			return s.Chdir(home)
		}
		path, err := s.ResolvePath(args[0])
		if err != nil {
			return err
		}
		return s.Chdir(path)
	})

	s.Register("ls", lsCommand)
}

// lsCommand lists a directory and rebuilds the marks table, so that a listed
// entry can later be referenced by its number instead of its path.
func lsCommand(args []string, s *Session) error {
	dir := s.Workdir()
	if len(args) > 0 {
		resolved, err := s.ResolvePath(args[0])
		if err != nil {
			return err
		}
		dir = resolved
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	marks := make([]string, 0, len(entries))
	for i, entry := range entries {
		marks = append(marks, filepath.Join(dir, entry.Name()))
		if entry.IsDir() {
			s.Writef("%3d: %s/\n", i+1, entry.Name())
			continue
		}
		size := int64(0)
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		s.Writef("%3d: %s (%d bytes)\n", i+1, entry.Name(), size)
	}
	s.SetMarks(marks)

	if len(entries) == 0 {
		s.WriteLine("(empty)")
	}
	return nil
}

// Lookup reports whether a command with the given name is registered.
func (s *Session) Lookup(name string) bool {
	_, ok := s.commands[name]
	return ok
}
