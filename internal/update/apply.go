// Package update performs the apply-and-restart step of an OTA flash: the
// verified staging image atomically replaces the running executable, and the
// process exits so its supervisor restarts it into the new firmware.
package update

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const defaultMode fs.FileMode = 0o755

// Apply replaces targetPath with the contents of stagedPath. The staged image
// is first copied to a temporary file in the target's directory so the final
// rename is atomic on the same filesystem. Call only after the staged image
// has passed integrity verification.
func Apply(stagedPath, targetPath string) error {
	mode := defaultMode
	if info, err := os.Stat(targetPath); err == nil {
		mode = info.Mode().Perm()
	}

	src, err := os.Open(stagedPath)
	if err != nil {
		return fmt.Errorf("update: open staged image: %w", err)
	}
	defer src.Close()

	dir := filepath.Dir(targetPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(targetPath)+".new-*")
	if err != nil {
		return fmt.Errorf("update: create replacement: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("update: copy staged image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("update: sync replacement: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("update: close replacement: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("update: chmod replacement: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("update: replace %s: %w", targetPath, err)
	}
	return nil
}
