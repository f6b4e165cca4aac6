package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the cameo home directory.
	DefaultDirName = ".cameo"

	// FaceIDDirName is the subdirectory holding the face service model cache.
	FaceIDDirName = "faceid"

	// BatchesDirName is the subdirectory holding batch outputs.
	BatchesDirName = "batches"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the cameo home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.cameo).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// FaceIDModelsPath returns the host directory mounted into the face
// service container for model weights.
func (d *Dir) FaceIDModelsPath() string {
	return filepath.Join(d.path, FaceIDDirName)
}

// BatchesPath returns the directory holding all batch outputs.
func (d *Dir) BatchesPath() string {
	return filepath.Join(d.path, BatchesDirName)
}

// BatchDir returns the output directory for one batch.
func (d *Dir) BatchDir(batchID string) string {
	return filepath.Join(d.BatchesPath(), batchID)
}

// SceneDir returns the directory for one scene's candidates.
func (d *Dir) SceneDir(batchID, sceneID string) string {
	return filepath.Join(d.BatchDir(batchID), "scenes", sceneID)
}

// AttemptPath returns the path for a rendered attempt.
// Attempt numbers are 1-indexed.
func (d *Dir) AttemptPath(batchID, sceneID string, attempt int, corrected bool) string {
	name := fmt.Sprintf("attempt_%02d.png", attempt)
	if corrected {
		name = fmt.Sprintf("attempt_%02d_corrected.png", attempt)
	}
	return filepath.Join(d.SceneDir(batchID, sceneID), name)
}

// SourcePhotoPath returns the path for the batch's copy of the source photo.
func (d *Dir) SourcePhotoPath(batchID, ext string) string {
	if ext == "" {
		ext = ".jpg"
	}
	return filepath.Join(d.BatchDir(batchID), "source"+ext)
}

// ReportPath returns the path for a batch report artifact.
func (d *Dir) ReportPath(batchID, name string) string {
	return filepath.Join(d.BatchDir(batchID), name)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, p := range []string{d.FaceIDModelsPath(), d.BatchesPath()} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return nil
}

// EnsureBatchDir creates the output directory for a batch.
func (d *Dir) EnsureBatchDir(batchID string) error {
	return os.MkdirAll(d.BatchDir(batchID), 0o755)
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
