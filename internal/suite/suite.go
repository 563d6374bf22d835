// Package suite resolves suite references against the suite root and turns them into execution specs.
package suite

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"suiterunner/internal/executor"
	"suiterunner/internal/models"
)

var ErrInvalidSuiteRef = errors.New("invalid suite reference")

// InvalidRefError describes why a suite reference was rejected. It matches ErrInvalidSuiteRef.
type InvalidRefError struct {
	Path   string
	Reason string
}

func (e *InvalidRefError) Error() string {
	return fmt.Sprintf("invalid suite reference %q: %s", e.Path, e.Reason)
}

func (e *InvalidRefError) Is(target error) bool {
	return target == ErrInvalidSuiteRef
}

const (
	placeholderRunID  = "{{run_id}}"
	placeholderRunDir = "{{run_dir}}"
)

// Resolver validates suite references. Paths are relative to Root and may never leave it.
type Resolver struct {
	Root string
	// Interpreter, when set, prefixes the command line. The suite path and arguments are appended.
	Interpreter []string
	Env         map[string]string
}

// Resolve validates a reference and returns it in its canonical, root relative form
func (r *Resolver) Resolve(ref models.SuiteRef) (models.SuiteRef, error) {
	raw := strings.TrimSpace(ref.Path)
	if raw == "" {
		return ref, &InvalidRefError{Path: ref.Path, Reason: "path is empty"}
	}
	if strings.ContainsRune(raw, 0) {
		return ref, &InvalidRefError{Path: ref.Path, Reason: "path contains a NUL byte"}
	}
	if filepath.IsAbs(raw) {
		return ref, &InvalidRefError{Path: ref.Path, Reason: "path must be relative to the suite root"}
	}

	rel := filepath.Clean(filepath.FromSlash(raw))
	if !filepath.IsLocal(rel) {
		return ref, &InvalidRefError{Path: ref.Path, Reason: "path escapes the suite root"}
	}

	for i, arg := range ref.Args {
		if strings.ContainsRune(arg, 0) {
			return ref, &InvalidRefError{Path: ref.Path, Reason: fmt.Sprintf("argument %d contains a NUL byte", i)}
		}
	}

	target, err := filepath.EvalSymlinks(filepath.Join(r.Root, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return ref, &InvalidRefError{Path: ref.Path, Reason: "suite does not exist"}
	} else if err != nil {
		return ref, &InvalidRefError{Path: ref.Path, Reason: err.Error()}
	}
	root, err := filepath.EvalSymlinks(r.Root)
	if err != nil {
		return ref, &InvalidRefError{Path: ref.Path, Reason: fmt.Sprintf("suite root is unreadable: %v", err)}
	}
	// symlinks may point anywhere inside the root but never out of it
	if inside, err := filepath.Rel(root, target); err != nil || !filepath.IsLocal(inside) {
		return ref, &InvalidRefError{Path: ref.Path, Reason: "path escapes the suite root"}
	}

	info, err := os.Stat(target)
	if err != nil {
		return ref, &InvalidRefError{Path: ref.Path, Reason: err.Error()}
	}
	if !info.Mode().IsRegular() {
		return ref, &InvalidRefError{Path: ref.Path, Reason: "suite is not a regular file"}
	}

	args := ref.Args
	if args == nil {
		args = []string{}
	}
	return models.SuiteRef{Path: filepath.ToSlash(rel), Args: args}, nil
}

// Command builds the execution spec of a run. runDir is the run's own directory next to its log.
func (r *Resolver) Command(ref models.SuiteRef, runID, runDir string) executor.Spec {
	expand := strings.NewReplacer(placeholderRunID, runID, placeholderRunDir, runDir)
	suitePath := filepath.Join(r.absRoot(), filepath.FromSlash(ref.Path))

	spec := executor.Spec{
		Path: suitePath,
		Dir:  r.absRoot(),
		Env: []string{
			"SR_RUN_ID=" + runID,
			"SR_RUN_DIR=" + runDir,
		},
	}
	for _, k := range slices.Sorted(maps.Keys(r.Env)) {
		spec.Env = append(spec.Env, k+"="+expand.Replace(r.Env[k]))
	}

	var args []string
	if len(r.Interpreter) > 0 {
		spec.Path = expand.Replace(r.Interpreter[0])
		for _, a := range r.Interpreter[1:] {
			args = append(args, expand.Replace(a))
		}
		args = append(args, suitePath)
	}
	spec.Args = append(args, ref.Args...)
	return spec
}

func (r *Resolver) absRoot() string {
	abs, err := filepath.Abs(r.Root)
	if err != nil {
		return r.Root
	}
	return abs
}
