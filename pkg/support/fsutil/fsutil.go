// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ReplaceTildeInDir replaces a leading "~" (current user) or "~name" (user "name") by the user's home directory.
// Paths not starting with "~" are returned unchanged.
func ReplaceTildeInDir(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	userName, rest, _ := strings.Cut(dir[1:], "/")
	var homeDir string
	if userName == "" {
		usr, err := user.Current()
		if err != nil {
			return "", errors.Wrapf(err, "failed to find home directory for path %q", dir)
		}
		homeDir = usr.HomeDir
	} else {
		usr, err := user.Lookup(userName)
		if err != nil {
			return "", errors.Wrapf(err, "failed to lookup home directory of user %q in path %q", userName, dir)
		}
		homeDir = usr.HomeDir
	}
	return filepath.Join(homeDir, rest), nil
}
