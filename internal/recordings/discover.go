package recordings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrNoInstance is returned when no candidate path holds a recordings tree.
var ErrNoInstance = errors.New("no frigate instance found")

// DefaultInstancePaths are searched when no instance is configured.
func DefaultInstancePaths() []string {
	paths := []string{"/data/nvr/frigate", "/media/frigate", "/var/lib/frigate"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "frigate"))
	}
	return paths
}

// DetectInstance returns the first candidate that has a recordings/
// directory, either directly or in one of its immediate subdirectories
// (named instances).
func DetectInstance(candidates []string) (string, error) {
	for _, path := range candidates {
		if !isDir(path) {
			continue
		}
		if isDir(filepath.Join(path, "recordings")) {
			return path, nil
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, e := range entries {
			sub := filepath.Join(path, e.Name())
			if e.IsDir() && isDir(filepath.Join(sub, "recordings")) {
				return sub, nil
			}
		}
	}
	return "", fmt.Errorf("%w in %v", ErrNoInstance, candidates)
}

// ListCameras returns the camera names that have footage under the most
// recent maxDays date directories.
func ListCameras(root string, maxDays int) ([]string, error) {
	base := filepath.Join(root, "recordings")
	days, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", base, err)
	}

	var dates []string
	for _, d := range days {
		if d.IsDir() {
			dates = append(dates, d.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if maxDays > 0 && len(dates) > maxDays {
		dates = dates[:maxDays]
	}

	seen := make(map[string]bool)
	for _, date := range dates {
		hours, err := os.ReadDir(filepath.Join(base, date))
		if err != nil {
			continue
		}
		for _, h := range hours {
			if !h.IsDir() {
				continue
			}
			cams, err := os.ReadDir(filepath.Join(base, date, h.Name()))
			if err != nil {
				continue
			}
			for _, c := range cams {
				if c.IsDir() {
					seen[c.Name()] = true
				}
			}
		}
	}

	cameras := make([]string, 0, len(seen))
	for c := range seen {
		cameras = append(cameras, c)
	}
	sort.Strings(cameras)
	return cameras, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
