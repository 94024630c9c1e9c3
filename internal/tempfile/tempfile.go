// Package tempfile implements the temp-file-then-rename pattern used to
// materialize immutable blobs atomically: a writer is created beside its
// final path so that Persist's rename stays on one filesystem, and the
// file never becomes visible at its final path until that rename
// succeeds.
package tempfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// File is a writable handle to an anonymous temp file created in the
// same directory as its eventual final path.
type File struct {
	f         *os.File
	finalPath string
	persisted bool
}

// Open creates a temp file in the same directory as finalPath, creating
// that directory first if needed. The returned File must be closed via
// Persist or Discard.
func Open(finalPath string) (*File, error) {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".tmp*")
	if err != nil {
		return nil, fmt.Errorf("create temp file in %s: %w", dir, err)
	}

	return &File{f: f, finalPath: finalPath}, nil
}

// Write implements io.Writer, appending to the temp file.
func (t *File) Write(p []byte) (int, error) {
	n, err := t.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("write temp file %s: %w", t.f.Name(), err)
	}
	return n, nil
}

// Name returns the temp file's own (non-final) path.
func (t *File) Name() string { return t.f.Name() }

// Flush syncs buffered writes to the temp file's contents.
func (t *File) Flush() error {
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("sync temp file %s: %w", t.f.Name(), err)
	}
	return nil
}

// Persist renames the temp file to its final path and sets its mode.
// No partial file is ever visible at the final path: the rename is the
// single atomic step that makes the content visible, and it happens
// within one filesystem because the temp file was created alongside it.
func (t *File) Persist(mode os.FileMode) error {
	tmpName := t.f.Name()
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, t.finalPath); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, t.finalPath, err)
	}
	if err := os.Chmod(t.finalPath, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", t.finalPath, err)
	}
	t.persisted = true
	return nil
}

// Discard closes and removes the temp file without persisting it. It is
// a no-op if Persist already succeeded. Cancellation before Persist
// leaves the temp file as disposable garbage; Discard is the caller's
// best-effort cleanup, not a guarantee - a crash between Open and
// Discard leaves a .tmp* file in the shard directory for a future sweep.
func (t *File) Discard() error {
	if t.persisted {
		return nil
	}
	name := t.f.Name()
	closeErr := t.f.Close()
	removeErr := os.Remove(name)
	if closeErr != nil {
		return fmt.Errorf("close temp file %s: %w", name, closeErr)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("remove temp file %s: %w", name, removeErr)
	}
	return nil
}
