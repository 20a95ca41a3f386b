// Package storage confines the files abrcore writes, license exchange
// dumps and downloaded segments, to a base directory.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ErrPathEscape is returned for paths resolving outside the sandbox.
var ErrPathEscape = errors.New("path escapes sandbox")

// Sandbox performs file operations within a base directory.
type Sandbox struct {
	baseDir string
}

// NewSandbox creates a sandbox rooted at baseDir, creating the directory
// when missing.
func NewSandbox(baseDir string) (*Sandbox, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &Sandbox{baseDir: absPath}, nil
}

// BaseDir returns the absolute sandbox root.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// ResolvePath maps a relative path to an absolute one inside the sandbox.
func (s *Sandbox) ResolvePath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, relativePath)
	}
	absPath := filepath.Join(s.baseDir, filepath.Clean(relativePath))
	if absPath != s.baseDir && !strings.HasPrefix(absPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, relativePath)
	}
	return absPath, nil
}

// Exists reports whether relativePath exists.
func (s *Sandbox) Exists(relativePath string) (bool, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking path: %w", err)
	}
	return true, nil
}

// ReadFile reads a file from the sandbox.
func (s *Sandbox) ReadFile(relativePath string) ([]byte, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// WriteFile writes data with mode 0640, creating parent directories.
func (s *Sandbox) WriteFile(relativePath string, data []byte) error {
	return s.AtomicWrite(relativePath, data, 0o640)
}

// AtomicWrite writes data to a temporary file next to the target and
// renames it into place, so readers never see a partial file.
func (s *Sandbox) AtomicWrite(relativePath string, data []byte, perm os.FileMode) error {
	target, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(target), ulid.Make()))
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming to target: %w", err)
	}
	return nil
}

// Remove deletes a file or empty directory. Missing paths are not an
// error.
func (s *Sandbox) Remove(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing: %w", err)
	}
	return nil
}
