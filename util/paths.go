package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the base data directory for persisted engine state
func GetDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "bluemesh-data")
	}
	return filepath.Join(home, ".bluemesh-data")
}

// GetNodeDataDir returns the data directory for a specific node identity
func GetNodeDataDir(nodeID string) string {
	return filepath.Join(GetDataDir(), nodeID)
}
