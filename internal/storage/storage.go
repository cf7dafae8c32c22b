// Package storage persists the workspace layout skeleton across process
// restarts. Sessions and scrollback are in-memory only; only the tab and
// pane structure is written out, and pane bindings are cleared on load.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/termloom/termloom/internal/domain"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace state not found")
	ErrStorageWrite      = errors.New("failed to write workspace state")
	ErrSymlinkNotAllowed = errors.New("symlinks not allowed for state files")
	ErrStateFileTooLarge = errors.New("state file too large")
)

const maxStateFileSize = 10 * 1024 * 1024 // 10MB

const workspaceFileName = "workspace.json"

type JSONFileStorage struct {
	baseDir string
	mu      sync.RWMutex
}

func NewJSONFileStorage(baseDir string) (*JSONFileStorage, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	// Verify permissions if it already existed
	info, err := os.Stat(baseDir)
	if err == nil {
		if info.Mode().Perm()&0o077 != 0 {
			_ = os.Chmod(baseDir, 0o700)
		}
	}

	return &JSONFileStorage{baseDir: baseDir}, nil
}

func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".termloom"
	}
	return filepath.Join(home, ".termloom")
}

func (s *JSONFileStorage) workspacePath() string {
	return filepath.Join(s.baseDir, workspaceFileName)
}

func (s *JSONFileStorage) SaveWorkspace(state domain.WorkspaceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jsonData, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workspace: %w", err)
	}

	f, err := os.CreateTemp(s.baseDir, workspaceFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmpName := f.Name()
	// Ensure restricted permissions on the temp file
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(jsonData); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	if err := f.Close(); err != nil {
		f = nil
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	f = nil

	if err := os.Rename(tmpName, s.workspacePath()); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	// Sync the directory to ensure the rename is durable
	df, err := os.Open(s.baseDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	return nil
}

func (s *JSONFileStorage) LoadWorkspace() (domain.WorkspaceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filePath := s.workspacePath()

	info, err := os.Lstat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.WorkspaceState{}, ErrWorkspaceNotFound
		}
		return domain.WorkspaceState{}, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return domain.WorkspaceState{}, ErrSymlinkNotAllowed
	}

	if info.Size() > maxStateFileSize {
		return domain.WorkspaceState{}, fmt.Errorf("%w: %d bytes", ErrStateFileTooLarge, info.Size())
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return domain.WorkspaceState{}, err
	}

	var state domain.WorkspaceState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.WorkspaceState{}, err
	}
	return state, nil
}
