package frames

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Frame is one rendered image awaiting delivery. Its name is the ordering key.
type Frame struct {
	Name string
	Path string
}

// list returns the frames currently in dir, in ascending name order.
// Directories, non-regular files and names without ext are skipped, as are
// hidden files (renderers commonly write ".frame_0001.png.tmp" then rename).
func list(dir, ext string) ([]Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.Type().IsRegular() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		frames = append(frames, Frame{Name: name, Path: filepath.Join(dir, name)})
	}

	// os.ReadDir already sorts, but the order is part of the contract so
	// it is not left to an implementation detail.
	slices.SortFunc(frames, func(a, b Frame) int {
		return strings.Compare(a.Name, b.Name)
	})
	return frames, nil
}
