package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
)

// FileStore keeps the record in a file inside a directory shared by every
// cooperating process. Every operation runs under an exclusive flock on a
// sibling mutex file, so compare-and-delete and create never interleave.
type FileStore struct {
	dir  string
	path string
	mu   string
}

// NewFileStore prepares dir and uses <name>.lock inside it.
func NewFileStore(dir, name string) (*FileStore, error) {
	if strings.TrimSpace(name) == "" {
		name = "response"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".lock")
	return &FileStore{dir: dir, path: path, mu: path + ".mu"}, nil
}

// Path is the record file location.
func (s *FileStore) Path() string { return s.path }

// flock takes the store mutex. The returned func releases it.
func (s *FileStore) flock() (func(), error) {
	f, err := os.OpenFile(s.mu, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock mutex %s: %w", s.mu, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", s.mu, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (s *FileStore) Load(ctx context.Context) (Record, bool, error) {
	unlock, err := s.flock()
	if err != nil {
		return Record{}, false, err
	}
	defer unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec, derr := decodeRecord(bytes.TrimSpace(b))
	if derr != nil {
		logging.Warnw("corrupted response lock detected, cleaning up", "path", s.path, "err", derr)
		if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			logging.Debugw("failed to remove corrupted response lock", "path", s.path, "err", rerr)
		}
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Create stages the record in a private temp file and hard-links it into
// place. link(2) fails with EEXIST when the target exists.
func (s *FileStore) Create(ctx context.Context, rec Record) error {
	data, err := rec.encoded()
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(s.path), uuid.NewString()))
	if err := writeSynced(tmp, data); err != nil {
		return err
	}
	defer os.Remove(tmp)

	unlock, err := s.flock()
	if err != nil {
		return err
	}
	defer unlock()

	err = os.Link(tmp, s.path)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrExist):
		return ErrExists
	}
	// Filesystems without hard links fall back to O_EXCL; the mutex keeps
	// readers out until the write completes.
	logging.Debugw("lock link failed, falling back to exclusive create", "path", s.path, "err", err)
	f, oerr := os.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if oerr != nil {
		if errors.Is(oerr, os.ErrExist) {
			return ErrExists
		}
		return oerr
	}
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(s.path)
	}
	return werr
}

// RemoveIf deletes the record only while it still equals expected.
func (s *FileStore) RemoveIf(ctx context.Context, expected Record) (bool, error) {
	want, err := expected.encoded()
	if err != nil {
		return false, err
	}
	unlock, err := s.flock()
	if err != nil {
		return false, err
	}
	defer unlock()

	cur, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !bytes.Equal(bytes.TrimSpace(cur), bytes.TrimSpace(want)) {
		return false, nil
	}
	if err := os.Remove(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}
