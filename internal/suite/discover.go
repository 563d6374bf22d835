package suite

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is a suite file found under the suite root
type Entry struct {
	Path   string `json:"path"` // slash separated, relative to the root
	Name   string `json:"name"`
	Folder string `json:"folder"`
	Size   int64  `json:"size"`
}

// Discover lists files under the root matching any of the patterns, in lexical order. Hidden
// directories are skipped.
func (r *Resolver) Discover(patterns []string) ([]Entry, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid suite pattern %q", p)
		}
	}

	entries := []Entry{}
	err := filepath.WalkDir(r.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != r.Root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(r.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(patterns, rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		folder := path.Dir(rel)
		if folder == "." {
			folder = ""
		}
		entries = append(entries, Entry{Path: rel, Name: d.Name(), Folder: folder, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not walk suite root: %w", err)
	}
	return entries, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
	}
	return false
}
