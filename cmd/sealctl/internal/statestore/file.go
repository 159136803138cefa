package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one 0600 file per entry under root/<cluster>/.
// Create relies on O_EXCL, so the exactly-once guarantee holds across
// processes on the same host.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir %q: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(cluster, name string) (string, error) {
	if strings.ContainsAny(cluster, "/\\") || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("invalid state key %q/%q", cluster, name)
	}
	return filepath.Join(s.root, cluster, name), nil
}

func (s *FileStore) ensureClusterDir(cluster string) error {
	return os.MkdirAll(filepath.Join(s.root, cluster), 0o700)
}

func (s *FileStore) Create(cluster, name string, value []byte) error {
	p, err := s.path(cluster, name)
	if err != nil {
		return err
	}
	if err := s.ensureClusterDir(cluster); err != nil {
		return fmt.Errorf("create cluster state dir: %w", err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("create state entry %q: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(value); err != nil {
		return fmt.Errorf("write state entry %q: %w", name, err)
	}
	return f.Sync()
}

func (s *FileStore) Put(cluster, name string, value []byte) error {
	p, err := s.path(cluster, name)
	if err != nil {
		return err
	}
	if err := s.ensureClusterDir(cluster); err != nil {
		return fmt.Errorf("create cluster state dir: %w", err)
	}

	// Write-then-rename keeps a crash from leaving a truncated entry.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write state entry %q: %w", name, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("commit state entry %q: %w", name, err)
	}
	return nil
}

func (s *FileStore) Get(cluster, name string) ([]byte, error) {
	p, err := s.path(cluster, name)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state entry %q: %w", name, err)
	}
	return content, nil
}

func (s *FileStore) Exists(cluster, name string) (bool, error) {
	p, err := s.path(cluster, name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat state entry %q: %w", name, err)
	}
	return true, nil
}
