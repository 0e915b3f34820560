package storage

import (
	"context"
	"errors"
	"fmt"
	"insta-notifier/pkg/notifier"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// File stores state as a single JSON document on local disk.
type File struct {
	logger *slog.Logger
	path   string
}

// NewFile creates a file-backed store at path.
func NewFile(path string, logger *slog.Logger) *File {
	return &File{path: path, logger: logger}
}

// Load reads the state document. A missing or corrupt file yields an empty state.
func (f *File) Load(_ context.Context) (notifier.State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.logger.Info("No state file, starting cold", "path", f.path)
			return notifier.State{}, nil
		}
		return notifier.State{}, &StateIOError{Op: "load", Backend: "file", Err: err}
	}

	state, err := Decode(data)
	if err != nil {
		f.logger.Warn("State file is corrupt, starting with empty state", "path", f.path, "error", err)
		return notifier.State{}, nil
	}
	f.logger.Info("State loaded", "path", f.path, "targets", len(state))
	return state, nil
}

// Save rewrites the whole document through a temporary file and rename.
func (f *File) Save(ctx context.Context, state notifier.State) error {
	data, err := Encode(state)
	if err != nil {
		return &StateIOError{Op: "save", Backend: "file", Err: err}
	}

	err = retry.Do(
		func() error { return f.writeAtomic(data) },
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			f.logger.Info("Retrying state write after error", "attempt", n, "path", f.path, "error", retryErr)
		}),
	)
	if err != nil {
		return &StateIOError{Op: "save", Backend: "file", Err: fmt.Errorf("write after retries: %w", err)}
	}

	f.logger.Debug("State saved", "path", f.path, "targets", len(state))
	return nil
}

func (f *File) writeAtomic(data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpName); statErr == nil {
			if removeErr := os.Remove(tmpName); removeErr != nil {
				f.logger.Warn("Failed to remove temp state file", "path", tmpName, "error", removeErr)
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
