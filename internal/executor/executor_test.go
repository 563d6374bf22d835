package executor_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"suiterunner/internal/executor"
)

func skipUnlessUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skipf("Unsupported OS: %s", runtime.GOOS)
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// drain reads both streams to EOF concurrently, as the log multiplexer does
func drain(t *testing.T, h executor.Handle) (stdout, stderr string) {
	t.Helper()
	var wg sync.WaitGroup
	var out, errOut []byte
	wg.Add(2)
	go func() {
		defer wg.Done()
		out, _ = io.ReadAll(h.Stdout())
	}()
	go func() {
		defer wg.Done()
		errOut, _ = io.ReadAll(h.Stderr())
	}()
	wg.Wait()
	return string(out), string(errOut)
}

func TestIntegrationProcessStarter(t *testing.T) {
	skipUnlessUnix(t)
	starter := executor.NewProcessStarter(200 * time.Millisecond)

	t.Run("successful command", func(t *testing.T) {
		h, err := starter.Start(context.Background(), executor.Spec{
			Path: "/bin/sh",
			Args: []string{"-c", "echo hello; echo oops 1>&2"},
		})
		require.NoError(t, err)

		stdout, stderr := drain(t, h)
		code, err := h.Wait()
		assert.NoError(t, err)
		assert.Equal(t, 0, code)
		assert.Equal(t, "hello\n", stdout)
		assert.Equal(t, "oops\n", stderr)
	})

	t.Run("failing command", func(t *testing.T) {
		h, err := starter.Start(context.Background(), executor.Spec{
			Path: "/bin/sh",
			Args: []string{"-c", "exit 3"},
		})
		require.NoError(t, err)

		drain(t, h)
		code, err := h.Wait()
		assert.NoError(t, err, "a non-zero exit is reported by code, not by error")
		assert.Equal(t, 3, code)
	})

	t.Run("working directory and environment", func(t *testing.T) {
		dir := t.TempDir()
		h, err := starter.Start(context.Background(), executor.Spec{
			Path: "/bin/sh",
			Args: []string{"-c", `pwd; echo "$SR_RUN_ID"`},
			Dir:  dir,
			Env:  []string{"SR_RUN_ID=abc"},
		})
		require.NoError(t, err)

		stdout, _ := drain(t, h)
		_, err = h.Wait()
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		require.Len(t, lines, 2)
		resolved, _ := filepath.EvalSymlinks(dir)
		assert.Contains(t, []string{dir, resolved}, lines[0])
		assert.Equal(t, "abc", lines[1])
	})

	t.Run("missing executable is a spawn error", func(t *testing.T) {
		_, err := starter.Start(context.Background(), executor.Spec{Path: filepath.Join(t.TempDir(), "missing.sh")})
		var spawnErr *executor.SpawnError
		require.True(t, errors.As(err, &spawnErr))
		assert.Contains(t, spawnErr.Path, "missing.sh")
	})

	t.Run("non executable file is a spawn error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "suite.sh")
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o644))

		_, err := starter.Start(context.Background(), executor.Spec{Path: path})
		var spawnErr *executor.SpawnError
		assert.True(t, errors.As(err, &spawnErr))
	})
}

func TestIntegrationProcessStarter_Kill(t *testing.T) {
	skipUnlessUnix(t)
	grace := 300 * time.Millisecond
	starter := executor.NewProcessStarter(grace)

	t.Run("terminates cooperative process", func(t *testing.T) {
		h, err := starter.Start(context.Background(), executor.Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}})
		require.NoError(t, err)

		begin := time.Now()
		h.Kill()
		h.Kill() // idempotent
		drain(t, h)
		code, _ := h.Wait()

		assert.Less(t, time.Since(begin), 5*time.Second)
		assert.NotEqual(t, 0, code)
	})

	t.Run("force kills process ignoring termination", func(t *testing.T) {
		h, err := starter.Start(context.Background(), executor.Spec{
			Path: "/bin/sh",
			Args: []string{"-c", "trap '' TERM; echo ready; sleep 30"},
		})
		require.NoError(t, err)

		stdoutDone := make(chan string, 1)
		go func() {
			out, _ := io.ReadAll(h.Stdout())
			stdoutDone <- string(out)
		}()
		go func() { _, _ = io.Copy(io.Discard, h.Stderr()) }()

		// give the shell time to install the trap
		time.Sleep(200 * time.Millisecond)
		begin := time.Now()
		h.Kill()

		code, _ := h.Wait()
		elapsed := time.Since(begin)
		assert.GreaterOrEqual(t, elapsed, grace)
		assert.Less(t, elapsed, grace+5*time.Second)
		assert.Equal(t, executor.ExitCodeSignaled, code)
		assert.Equal(t, "ready\n", <-stdoutDone)
	})

	t.Run("context cancellation kills", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		h, err := starter.Start(ctx, executor.Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}})
		require.NoError(t, err)

		cancel()
		drain(t, h)
		code, _ := h.Wait()
		assert.NotEqual(t, 0, code)
	})
}
