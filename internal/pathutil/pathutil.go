// Package pathutil checks filesystem paths handed to the harness.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ContainsNullByte returns true if the string contains a null byte.
func ContainsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00')
}

// CheckExecutable verifies path names an existing regular file the current
// user may execute. Symlinks are followed. Relative paths are resolved
// against the working directory; no PATH lookup is done, since binaries are
// expected at pinned locations.
func CheckExecutable(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	if ContainsNullByte(path) {
		return errors.New("path contains a null byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s does not exist", abs)
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", abs)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", abs)
	}
	return nil
}

// EnsureDir creates dir (and parents) with mode 0700 if it is missing and
// returns its absolute form.
func EnsureDir(dir string) (string, error) {
	if ContainsNullByte(dir) {
		return "", errors.New("path contains a null byte")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", err
	}
	return abs, nil
}
