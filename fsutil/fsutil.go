// Package fsutil holds the small filesystem helpers shared by the file-based
// transports: atomic replacement and the retry-once write policy.
package fsutil

import (
	"os"
	"path/filepath"
	"time"
)

// RetryDelay is the pause before the single retry in Retry.
var RetryDelay = 50 * time.Millisecond

// WriteFileAtomic writes data to a temp file next to path and renames it over
// path, so readers polling path see either the old or the new content in full.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}

// Retry runs op and, if it fails, runs it exactly once more after RetryDelay.
// The second error is returned.
func Retry(op func() error) error {
	if err := op(); err == nil {
		return nil
	}
	time.Sleep(RetryDelay)
	return op()
}

// RemoveIfExists removes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
