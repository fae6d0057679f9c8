// Package imagestore persists inline images from upstream responses to local
// disk so chat clients can fetch them over HTTP instead of choking on huge
// data URLs.
package imagestore

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var extByMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Store writes images under a single directory and hands out /images/ URLs.
type Store struct {
	dir string
	now func() time.Time
}

// New creates the storage directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the directory images are written to, for static file serving.
func (s *Store) Dir() string { return s.dir }

// SaveBase64 decodes and writes one image, returning its relative URL.
func (s *Store) SaveBase64(data, mimeType string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	ext, ok := extByMIME[mimeType]
	if !ok {
		ext = ".png"
	}
	name := fmt.Sprintf("%s_%s%s", s.now().UTC().Format("20060102150405"), uuid.NewString()[:8], ext)

	if err := os.WriteFile(filepath.Join(s.dir, name), raw, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	log.WithFields(log.Fields{"file": name, "bytes": len(raw)}).Debug("image saved")
	return "/images/" + name, nil
}
