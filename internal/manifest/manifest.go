// Package manifest defines the scene manifest a batch renders from: the
// fandom, the subject's face profile, and the list of scenes to produce.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes one batch worth of scenes for a single subject.
type Manifest struct {
	Fandom string      `yaml:"fandom"`
	Style  string      `yaml:"style,omitempty"`
	Face   FaceProfile `yaml:"face"`
	Scenes []Scene     `yaml:"scenes"`
}

// FaceProfile is the textual description of the subject used when drafting
// prompts. The embedding comes from the source photo, not from this text.
type FaceProfile struct {
	Description string   `yaml:"description"`
	KeyFeatures []string `yaml:"key_features,omitempty"`
}

// Scene is a single requested scene. ID must be unique within a manifest.
type Scene struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title,omitempty"`
	Description string `yaml:"description"`
	Location    string `yaml:"location,omitempty"`
	Mood        string `yaml:"mood,omitempty"`
	Lighting    string `yaml:"lighting,omitempty"`
	CameraAngle string `yaml:"camera_angle,omitempty"`
	Role        string `yaml:"role,omitempty"`
	Action      string `yaml:"action,omitempty"`
}

// Load reads a manifest from a YAML file. The result is not validated;
// call Validate before running a batch from it.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Save writes the manifest as YAML.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Validate checks the manifest is runnable: a fandom, at least one scene,
// and unique non-empty scene IDs.
func (m *Manifest) Validate() error {
	if m.Fandom == "" {
		return fmt.Errorf("manifest missing fandom")
	}
	if len(m.Scenes) == 0 {
		return fmt.Errorf("manifest has no scenes")
	}

	seen := make(map[string]struct{}, len(m.Scenes))
	for i, s := range m.Scenes {
		if s.ID == "" {
			return fmt.Errorf("scene %d has empty id", i)
		}
		if _, ok := seen[s.ID]; ok {
			return fmt.Errorf("duplicate scene id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Description == "" {
			return fmt.Errorf("scene %q has empty description", s.ID)
		}
	}
	return nil
}

// SceneIDs returns the scene IDs in manifest order.
func (m *Manifest) SceneIDs() []string {
	ids := make([]string, 0, len(m.Scenes))
	for _, s := range m.Scenes {
		ids = append(ids, s.ID)
	}
	return ids
}
