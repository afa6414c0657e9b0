package blob

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"audiopaste/pkg/domain"

	"github.com/pkg/errors"
)

// Store persists raw clip bytes in a flat content-addressed directory,
// one <key><suffix> file per clip. Writes go through a temp file and an
// atomic rename so a partial write is never visible under the final name.
type Store struct {
	root   string
	suffix string
}

type Info struct {
	Path    string
	ModTime time.Time
}

func New(root, suffix string) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve blob root")
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, errors.Wrap(err, "create blob root")
	}
	if suffix == "" {
		suffix = ".webm"
	}
	return &Store{root: abs, suffix: suffix}, nil
}

func (s *Store) Root() string { return s.root }

// Put durably writes content under key and returns the storage location.
// Idempotent: re-writing the same key replaces the file in place.
func (s *Store) Put(key string, content []byte) (string, error) {
	path := filepath.Join(s.root, key+s.suffix)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", errors.Wrap(err, "create temp blob")
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", errors.Wrap(err, "write blob")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", errors.Wrap(err, "sync blob")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(err, "close blob")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(err, "commit blob")
	}
	return path, nil
}

func (s *Store) Get(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrBlobMissing
		}
		return nil, errors.Wrap(err, "read blob")
	}
	return content, nil
}

func (s *Store) Stat(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrBlobMissing
		}
		return nil, errors.Wrap(err, "stat blob")
	}
	return info, nil
}

func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return domain.ErrBlobMissing
		}
		return errors.Wrap(err, "delete blob")
	}
	return nil
}

// Contains reports whether a storage location resolves inside the store root.
// A location that escapes the root is treated as tampered by callers.
func (s *Store) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, s.root+string(filepath.Separator))
}

// List enumerates committed blobs with their modification times. Only files
// carrying the store suffix are returned, so temp files and strays are
// ignored. The scan is stateless and safe to restart.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "read blob root")
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), s.suffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Path:    filepath.Join(s.root, e.Name()),
			ModTime: fi.ModTime(),
		})
	}
	return infos, nil
}
