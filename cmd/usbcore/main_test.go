package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbcore/pkg"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		pkg.SetLogFormat(pkg.LogFormatText)
		pkg.SetLogLevel(slog.LevelWarn)
	})

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.RunContext(context.Background(), append([]string{appName}, args...))
	return out.String(), err
}

func TestSimRead(t *testing.T) {
	assert := require.New(t)

	out, err := run(t, "sim", "--blocks", "64", "--lba", "63")
	assert.NoError(err)
	assert.Contains(out, "usbcore RAM disk (64 x 512 bytes)")
	assert.Contains(out, "block 63:")
	assert.NotContains(out, "wrote")
}

func TestSimWriteThenRead(t *testing.T) {
	assert := require.New(t)

	out, err := run(t, "sim", "--lba", "2", "--write", "hello, block")
	assert.NoError(err)
	assert.Contains(out, "wrote block 2")
	assert.Contains(out, "hello, block")
}

func TestSimWriteProtected(t *testing.T) {
	assert := require.New(t)

	out, err := run(t, "sim", "--read-only", "--write", "x")
	assert.ErrorIs(err, pkg.ErrWriteProtected)
	assert.Contains(out, "medium is write-protected")
}

func TestSimErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		err  error
	}{
		{"lba out of range", []string{"sim", "--blocks", "8", "--lba", "8"}, pkg.ErrInvalidParameter},
		{"data larger than block", []string{"sim", "--block-size", "512", "--write", string(make([]byte, 513))}, pkg.ErrInvalidParameter},
		{"bad log level", []string{"--log-level", "loud", "sim"}, pkg.ErrInvalidParameter},
		{"bad log format", []string{"--log-format", "xml", "sim"}, pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestLogFlags(t *testing.T) {
	assert := require.New(t)

	_, err := run(t, "--log-level", "debug", "--log-format", "json", "sim")
	assert.NoError(err)
	assert.Equal(slog.LevelDebug, pkg.GetLogLevel())
}

func TestLogEnvironment(t *testing.T) {
	t.Setenv("USBCORE_LOG_LEVEL", "error")

	_, err := run(t, "sim")
	require.NoError(t, err)
	require.Equal(t, slog.LevelError, pkg.GetLogLevel())
}
