package capture

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/embedding"
	"github.com/kozaktomas/face-attendance/internal/roster"
)

// FaceEmbedder turns an image into face embeddings.
type FaceEmbedder interface {
	ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*embedding.FaceResponse, error)
}

var frameExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

// DirectorySource polls a directory that a camera process drops frames into.
// Each frame is downsized, sent to the embedding server and removed, oldest first.
type DirectorySource struct {
	dir          string
	embedder     FaceEmbedder
	pollInterval time.Duration
	maxImageSize int
}

// NewDirectorySource creates a source reading frames from dir.
func NewDirectorySource(dir string, embedder FaceEmbedder, pollInterval time.Duration, maxImageSize int) *DirectorySource {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &DirectorySource{
		dir:          dir,
		embedder:     embedder,
		pollInterval: pollInterval,
		maxImageSize: maxImageSize,
	}
}

type frame struct {
	path    string
	modTime time.Time
}

// oldestFrame returns the frame with the earliest modification time, or nil if there is none.
func (s *DirectorySource) oldestFrame() (*frame, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}

	var frames []frame
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(frameExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		frames = append(frames, frame{path: filepath.Join(s.dir, e.Name()), modTime: info.ModTime()})
	}
	if len(frames) == 0 {
		return nil, nil
	}

	oldest := slices.MinFunc(frames, func(a, b frame) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})
	return &oldest, nil
}

// Next implements Source.
func (s *DirectorySource) Next(ctx context.Context) (Observation, error) {
	for {
		f, err := s.oldestFrame()
		if err != nil {
			return Observation{}, err
		}
		if f != nil {
			return s.process(ctx, f)
		}

		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return Observation{}, ctx.Err()
		}
	}
}

// process embeds one frame. The frame is removed even when embedding fails so a bad
// file cannot stall the loop.
func (s *DirectorySource) process(ctx context.Context, f *frame) (Observation, error) {
	defer func() {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Printf("capture: failed to remove frame %s: %v", f.path, err)
		}
	}()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return Observation{}, fmt.Errorf("read frame %s: %w", filepath.Base(f.path), err)
	}

	if s.maxImageSize > 0 {
		resized, err := embedding.ResizeImage(data, s.maxImageSize)
		if err != nil {
			return Observation{}, fmt.Errorf("resize frame %s: %w", filepath.Base(f.path), err)
		}
		data = resized
	}

	resp, err := s.embedder.ComputeFaceEmbeddings(ctx, data)
	if err != nil {
		return Observation{}, fmt.Errorf("embed frame %s: %w", filepath.Base(f.path), err)
	}

	obs := Observation{ObservedAt: f.modTime, Source: filepath.Base(f.path)}
	for _, face := range resp.Faces {
		if len(face.Embedding) > 0 {
			obs.Embeddings = append(obs.Embeddings, roster.Embedding(face.Embedding))
		}
	}
	return obs, nil
}
