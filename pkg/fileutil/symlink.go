package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// UpdateSymlinkAtomic atomically points linkPath at targetPath using the
// "create temp, then rename" pattern, so the link is never missing.
func UpdateSymlinkAtomic(linkPath, targetPath string) error {
	tmpLink := linkPath + ".tmp"

	// Remove temp link if it exists from a previous failed attempt
	_ = os.Remove(tmpLink)

	if err := os.Symlink(targetPath, tmpLink); err != nil {
		return fmt.Errorf("failed to create temporary symlink: %w", err)
	}
	if err := os.Rename(tmpLink, linkPath); err != nil {
		_ = os.Remove(tmpLink)
		return fmt.Errorf("failed to rename symlink atomically: %w", err)
	}
	return nil
}

// EnsureSymlink makes linkPath a symlink to targetPath. An existing link
// with the right target is left alone; anything else at linkPath is
// replaced.
func EnsureSymlink(linkPath, targetPath string) error {
	if current, err := os.Readlink(linkPath); err == nil && current == targetPath {
		return nil
	}
	return UpdateSymlinkAtomic(linkPath, targetPath)
}

// IsSymlink checks if a path is a symlink.
func IsSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

// RemoveIfExists removes path (file or symlink, not followed). A missing
// path is not an error.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
