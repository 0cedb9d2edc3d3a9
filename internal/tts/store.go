package tts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultStorageRoot is used when no storage root is configured.
const DefaultStorageRoot = "tts_temp"

const (
	artifactPrefix  = "tts_"
	partialSuffix   = ".part"
	artifactDirMode = 0o755
	artifactMode    = 0o644
)

// ArtifactStore keeps synthesized audio files under a single root directory.
type ArtifactStore struct {
	root string
}

// NewArtifactStore returns a store rooted at root. The directory is created lazily.
func NewArtifactStore(root string) *ArtifactStore {
	if root == "" {
		root = DefaultStorageRoot
	}
	return &ArtifactStore{root: root}
}

// Root returns the storage directory.
func (s *ArtifactStore) Root() string {
	return s.root
}

// Save writes audio to a new artifact and returns its path. The file only
// appears under its final name once fully written.
func (s *ArtifactStore) Save(audio []byte, ext string) (string, error) {
	if err := os.MkdirAll(s.root, artifactDirMode); err != nil {
		return "", fmt.Errorf("create storage root: %w", err)
	}

	final := filepath.Join(s.root, artifactPrefix+uuid.NewString()+ext)
	tmp := final + partialSuffix
	if err := os.WriteFile(tmp, audio, artifactMode); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return final, nil
}

// Remove deletes one artifact. Missing files are not an error.
func (s *ArtifactStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// Cleanup removes every artifact (including partial writes) under the root.
// It is safe to call repeatedly and when the root does not exist.
func (s *ArtifactStore) Cleanup() error {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list storage root: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), artifactPrefix) {
			continue
		}
		if err := s.Remove(filepath.Join(s.root, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// extensionFor maps an aue value to a file extension.
func extensionFor(aue string) string {
	switch {
	case aue == "lame":
		return ".mp3"
	case strings.HasPrefix(aue, "speex"):
		return ".spx"
	default:
		return ".pcm"
	}
}
