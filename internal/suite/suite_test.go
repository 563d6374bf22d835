package suite_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"suiterunner/internal/models"
	"suiterunner/internal/suite"
)

func makeRoot(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		full := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("*** Test Cases ***\n"), 0o755))
	}
	return root
}

func TestResolver_Resolve(t *testing.T) {
	root := makeRoot(t, "smoke/login.robot", "run.sh")
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))
	outside := makeRoot(t, "evil.sh")
	require.NoError(t, os.Symlink(filepath.Join(outside, "evil.sh"), filepath.Join(root, "escape.sh")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linked")))
	require.NoError(t, os.Symlink(filepath.Join(root, "run.sh"), filepath.Join(root, "alias.sh")))
	r := &suite.Resolver{Root: root}

	tests := []struct {
		name    string
		ref     models.SuiteRef
		want    string
		wantErr bool
	}{
		{"nested suite", models.SuiteRef{Path: "smoke/login.robot"}, "smoke/login.robot", false},
		{"cleaned", models.SuiteRef{Path: "./smoke/../run.sh"}, "run.sh", false},
		{"empty", models.SuiteRef{Path: "  "}, "", true},
		{"absolute", models.SuiteRef{Path: filepath.Join(root, "run.sh")}, "", true},
		{"traversal", models.SuiteRef{Path: "../outside.sh"}, "", true},
		{"missing", models.SuiteRef{Path: "smoke/nope.robot"}, "", true},
		{"directory", models.SuiteRef{Path: "empty"}, "", true},
		{"symlink inside the root", models.SuiteRef{Path: "alias.sh"}, "alias.sh", false},
		{"symlink out of the root", models.SuiteRef{Path: "escape.sh"}, "", true},
		{"through a linked directory", models.SuiteRef{Path: "linked/evil.sh"}, "", true},
		{"nul in argument", models.SuiteRef{Path: "run.sh", Args: []string{"a\x00b"}}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.ref)
			if tt.wantErr {
				assert.ErrorIs(t, err, suite.ErrInvalidSuiteRef)
				var refErr *suite.InvalidRefError
				assert.True(t, errors.As(err, &refErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Path)
			assert.NotNil(t, got.Args)
		})
	}
}

func TestResolver_Command(t *testing.T) {
	root := makeRoot(t, "smoke/login.robot")
	absRoot, err := filepath.Abs(root)
	require.NoError(t, err)
	suitePath := filepath.Join(absRoot, "smoke", "login.robot")
	ref := models.SuiteRef{Path: "smoke/login.robot", Args: []string{"--include", "fast"}}

	t.Run("direct execution", func(t *testing.T) {
		r := &suite.Resolver{Root: root}
		spec := r.Command(ref, "run-1", "/logs/run-1")

		assert.Equal(t, suitePath, spec.Path)
		assert.Equal(t, []string{"--include", "fast"}, spec.Args)
		assert.Equal(t, absRoot, spec.Dir)
		assert.Contains(t, spec.Env, "SR_RUN_ID=run-1")
		assert.Contains(t, spec.Env, "SR_RUN_DIR=/logs/run-1")
	})

	t.Run("interpreter with placeholders", func(t *testing.T) {
		r := &suite.Resolver{
			Root:        root,
			Interpreter: []string{"robot", "--outputdir", "{{run_dir}}", "--name", "{{run_id}}"},
			Env:         map[string]string{"B": "2", "A": "{{run_id}}"},
		}
		spec := r.Command(ref, "run-1", "/logs/run-1")

		assert.Equal(t, "robot", spec.Path)
		assert.Equal(t, []string{"--outputdir", "/logs/run-1", "--name", "run-1", suitePath, "--include", "fast"}, spec.Args)
		assert.Equal(t, []string{"SR_RUN_ID=run-1", "SR_RUN_DIR=/logs/run-1", "A=run-1", "B=2"}, spec.Env)
	})
}

func TestResolver_Discover(t *testing.T) {
	root := makeRoot(t,
		"smoke/login.robot",
		"smoke/logout.robot",
		"regression/deep/search.robot",
		"scripts/run.sh",
		"notes.txt",
		".git/hooks/pre.robot",
	)
	r := &suite.Resolver{Root: root}

	entries, err := r.Discover([]string{"**/*.robot"})
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"regression/deep/search.robot", "smoke/login.robot", "smoke/logout.robot"}, paths)
	assert.Equal(t, "regression/deep", entries[0].Folder)
	assert.Equal(t, "search.robot", entries[0].Name)

	entries, err = r.Discover([]string{"*.txt", "scripts/*.sh"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "", entries[0].Folder)

	_, err = r.Discover([]string{"[unclosed"})
	assert.Error(t, err)
}
