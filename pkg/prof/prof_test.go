package prof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSession(t *testing.T) {
	assert := require.New(t)
	dir := t.TempDir()
	cfg := Config{
		CPU:       filepath.Join(dir, "cpu.out"),
		Heap:      filepath.Join(dir, "heap.out"),
		Goroutine: filepath.Join(dir, "goroutine.out"),
		Mutex:     filepath.Join(dir, "mutex.out"),
	}

	s, err := Start(cfg)
	assert.NoError(err)

	_, err = Start(Config{CPU: filepath.Join(dir, "second.out")})
	assert.ErrorIs(err, ErrCPUProfileActive)

	assert.NoError(s.Stop())
	assert.NoError(s.Stop(), "stopping twice is harmless")

	for _, path := range []string{cfg.CPU, cfg.Heap, cfg.Goroutine, cfg.Mutex} {
		info, err := os.Stat(path)
		assert.NoError(err)
		assert.NotZero(info.Size(), path)
	}

	// The CPU profiler is free again.
	s, err = Start(Config{CPU: filepath.Join(dir, "again.out")})
	assert.NoError(err)
	assert.NoError(s.Stop())
}

func TestSessionWithoutCPU(t *testing.T) {
	assert := require.New(t)

	s, err := Start(Config{})
	assert.NoError(err)
	assert.NoError(s.Stop())
}

func TestStartBadPath(t *testing.T) {
	_, err := Start(Config{CPU: filepath.Join(t.TempDir(), "missing", "cpu.out")})
	require.ErrorIs(t, err, os.ErrNotExist)

	// A failed start releases the CPU profiler.
	s, err := Start(Config{CPU: filepath.Join(t.TempDir(), "cpu.out")})
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}

func TestStopReportsWriteErrors(t *testing.T) {
	s, err := Start(Config{Heap: filepath.Join(t.TempDir(), "missing", "heap.out")})
	require.NoError(t, err)
	require.ErrorIs(t, s.Stop(), os.ErrNotExist)
}
