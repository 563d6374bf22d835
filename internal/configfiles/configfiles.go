// Package configfiles reads and writes the YAML and JSON documents kept under the config directory.
package configfiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound          = errors.New("config not found")
	ErrPathTraversal     = errors.New("path traversal not allowed")
	ErrUnsupportedFormat = errors.New("unsupported config format; use .yaml/.yml or .json")
)

type Document = map[string]any

type Service struct {
	dir string
}

func New(dir string) *Service {
	return &Service{dir: dir}
}

func (s *Service) Dir() string {
	return s.dir
}

type format int

const (
	formatYAML format = iota
	formatJSON
)

// resolve maps a path relative to the config dir to a file path that never leaves it
func (s *Service) resolve(rel string) (string, format, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(rel)))
	if rel == "" || filepath.IsAbs(clean) || !filepath.IsLocal(clean) {
		return "", 0, fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}

	path := filepath.Join(s.dir, clean)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return path, formatYAML, nil
	case ".json":
		return path, formatJSON, nil
	default:
		return "", 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, rel)
	}
}

// Read decodes a config file. An empty file is an empty document.
func (s *Service) Read(rel string) (Document, error) {
	path, f, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	} else if err != nil {
		return nil, err
	}

	doc := Document{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return doc, nil
	}

	switch f {
	case formatYAML:
		err = yaml.Unmarshal(raw, &doc)
	case formatJSON:
		err = json.Unmarshal(raw, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("could not decode %s: %w", rel, err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Write encodes content into the config file, creating its folders as needed
func (s *Service) Write(rel string, content Document) (Document, error) {
	path, f, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	if content == nil {
		content = Document{}
	}

	var raw []byte
	switch f {
	case formatYAML:
		raw, err = yaml.Marshal(content)
	case formatJSON:
		raw, err = json.MarshalIndent(content, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("could not encode %s: %w", rel, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, err
	}
	return content, nil
}

// ListFolders lists the direct sub folders of the config dir in lexical order. A missing config dir
// has no folders.
func (s *Service) ListFolders() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	} else if err != nil {
		return nil, err
	}

	folders := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			folders = append(folders, e.Name())
		}
	}
	slices.Sort(folders)
	return folders, nil
}
