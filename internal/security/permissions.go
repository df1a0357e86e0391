package security

import (
	"fmt"
	"os"
)

const (
	// PermSecretFile is for files holding credentials, such as a
	// deployment's .env.local.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermSecretFile os.FileMode = 0640

	// PermConfigFile is for configuration files containing sensitive data.
	PermConfigFile os.FileMode = 0640

	// PermPublicFile is for files that can be read by anyone, such as nginx
	// site files.
	// rw-r--r-- (0644): owner can read/write, group and others can read.
	PermPublicFile os.FileMode = 0644

	// PermDirectory is for standard directories.
	// rwxr-x--- (0750): owner can read/write/execute, group can read/execute, others have no access.
	PermDirectory os.FileMode = 0750
)

// WriteSecureFile writes data to path with exactly perm, truncating any
// existing file. The mode is set explicitly so the umask does not widen or
// narrow it.
func WriteSecureFile(path string, data []byte, perm os.FileMode) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create secure file: %w", err)
	}

	if err := file.Chmod(perm); err != nil {
		file.Close()
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write secure file: %w", err)
	}
	return file.Close()
}

// CreateSecureDir creates a new directory with secure permissions.
// If the directory already exists, it updates the permissions.
// Creates parent directories as needed.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	// MkdirAll is subject to umask
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}
