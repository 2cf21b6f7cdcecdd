package handlers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ImageSpool stores uploaded prescription images on local disk so the
// original capture stays viewable alongside its committed record. Refs are
// paths relative to the spool root.
type ImageSpool struct {
	root   string
	logger *zap.Logger
}

// NewImageSpool creates the spool root if needed.
func NewImageSpool(root string, logger *zap.Logger) (*ImageSpool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create spool root: %w", err)
	}
	return &ImageSpool{root: root, logger: logger}, nil
}

// Save writes the image under the session's directory and returns its ref.
func (s *ImageSpool) Save(sessionID string, data []byte) (string, error) {
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	name := uuid.New().String() + ".img"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}

	ref := filepath.Join(sessionID, name)
	s.logger.Debug("image spooled",
		zap.String("ref", ref),
		zap.Int("bytes", len(data)))
	return ref, nil
}

// Load reads a spooled image back by ref.
func (s *ImageSpool) Load(ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.Clean(ref)))
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", ref, err)
	}
	return data, nil
}

// Remove deletes a spooled image. Missing files are not an error; a cancel
// may race a sweep.
func (s *ImageSpool) Remove(ref string) error {
	err := os.Remove(filepath.Join(s.root, filepath.Clean(ref)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	return nil
}
