package render

import (
	"fmt"
	"sync"
)

// ArtifactStore persists rendered candidates and returns a stable ref for
// each saved image. Implementations are safe for concurrent use across
// scene goroutines.
type ArtifactStore interface {
	SaveRaw(sceneID string, attempt int, image []byte) (string, error)
	SaveCorrected(sceneID string, attempt int, image []byte) (string, error)
}

// MemoryStore keeps artifacts in memory. Used by tests and dry runs where
// nothing should touch disk.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) SaveRaw(sceneID string, attempt int, image []byte) (string, error) {
	ref := fmt.Sprintf("mem://%s/attempt_%02d.png", sceneID, attempt)
	s.put(ref, image)
	return ref, nil
}

func (s *MemoryStore) SaveCorrected(sceneID string, attempt int, image []byte) (string, error) {
	ref := fmt.Sprintf("mem://%s/attempt_%02d_corrected.png", sceneID, attempt)
	s.put(ref, image)
	return ref, nil
}

func (s *MemoryStore) put(ref string, image []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(image))
	copy(buf, image)
	s.objects[ref] = buf
}

// Get returns the stored bytes for ref.
func (s *MemoryStore) Get(ref string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.objects[ref]
	return img, ok
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

var _ ArtifactStore = (*MemoryStore)(nil)
