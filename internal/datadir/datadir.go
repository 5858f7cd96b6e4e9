package datadir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default data directory name under $HOME.
	DefaultDirName = ".magray"

	// EnvVar is the environment variable that overrides the data directory.
	EnvVar = "MAGRAY_DATA_DIR"

	// StoreFile is the SQLite file holding records, index metadata and counters.
	StoreFile = "memory.db"

	// subdirectory names inside the data root
	storeSubdir  = "store"
	modelsSubdir = "models"
)

// DataDir is the single source of truth for on-disk paths.
type DataDir struct {
	root string
}

// New returns a DataDir rooted at the resolved data directory.
// It does NOT create anything; call EnsureDirs for that.
//
// Resolution priority:
//  1. MAGRAY_DATA_DIR environment variable
//  2. configValue argument (the config's data_dir field)
//  3. ~/.magray/
func New(configValue string) (*DataDir, error) {
	root, err := resolveRoot(configValue)
	if err != nil {
		return nil, err
	}
	return &DataDir{root: root}, nil
}

// Root returns the base data directory path.
func (d *DataDir) Root() string { return d.root }

// StoreDir returns {root}/store/.
func (d *DataDir) StoreDir() string { return filepath.Join(d.root, storeSubdir) }

// ModelsDir returns {root}/models/, the default home of ONNX model files.
func (d *DataDir) ModelsDir() string { return filepath.Join(d.root, modelsSubdir) }

// StorePath returns the store database path, unless override is set.
func (d *DataDir) StorePath(override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(d.StoreDir(), StoreFile)
}

// ModelPath resolves name relative to the models directory. Absolute paths
// and the empty string are returned unchanged.
func (d *DataDir) ModelPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.ModelsDir(), name)
}

// EnsureDirs creates the root and all subdirectories with 0700 permissions.
func (d *DataDir) EnsureDirs() error {
	for _, dir := range []string{d.root, d.StoreDir(), d.ModelsDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// resolveRoot determines the root path without creating it.
func resolveRoot(configValue string) (string, error) {
	dir := os.Getenv(EnvVar)
	if dir == "" {
		dir = configValue
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}
	return dir, nil
}
