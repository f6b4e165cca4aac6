package home

import (
	"fmt"
	"os"
	"path/filepath"

	"cameo/internal/render"
)

// BatchStore persists rendered candidates under one batch's directory.
// Refs are absolute file paths.
type BatchStore struct {
	dir     *Dir
	batchID string
}

// NewBatchStore creates an artifact store rooted at the batch's directory.
func NewBatchStore(dir *Dir, batchID string) *BatchStore {
	return &BatchStore{dir: dir, batchID: batchID}
}

func (s *BatchStore) SaveRaw(sceneID string, attempt int, image []byte) (string, error) {
	return s.save(s.dir.AttemptPath(s.batchID, sceneID, attempt, false), image)
}

func (s *BatchStore) SaveCorrected(sceneID string, attempt int, image []byte) (string, error) {
	return s.save(s.dir.AttemptPath(s.batchID, sceneID, attempt, true), image)
}

func (s *BatchStore) save(path string, image []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create scene directory: %w", err)
	}
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", fmt.Errorf("failed to write candidate: %w", err)
	}
	return path, nil
}

var _ render.ArtifactStore = (*BatchStore)(nil)
