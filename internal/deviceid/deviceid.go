// Package deviceid provides persistent peer ID management
package deviceid

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// GetOrCreate returns the peer ID stored at path, creating one if it doesn't exist
func GetOrCreate(path string) (string, error) {
	id, err := Get(path)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	// Generate new peer ID
	id = uuid.New().String()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", err
	}

	return id, nil
}

// Get returns the peer ID stored at path, or empty string if there is none
func Get(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}
