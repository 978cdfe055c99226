package logging

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Formats(t *testing.T) {
	var buf bytes.Buffer
	New(slog.LevelInfo, "json", &buf).Info("calculated", "row", "row-f-0")
	assert.Contains(t, buf.String(), `"row":"row-f-0"`)

	buf.Reset()
	New(slog.LevelInfo, "text", &buf).Info("calculated", "row", "row-f-0")
	assert.Contains(t, buf.String(), "row=row-f-0")

	buf.Reset()
	New(slog.LevelWarn, "text", &buf).Info("hidden")
	assert.Empty(t, buf.String())
}

func TestSetup_InstallsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	_, err := Setup("debug", "text", &buf)
	require.NoError(t, err)

	slog.Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	_, err = Setup("nope", "text", &buf)
	assert.Error(t, err)
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, "text", ResolveFormat("text", &buf))
	assert.Equal(t, "json", ResolveFormat("json", &buf))
	assert.Equal(t, "json", ResolveFormat(FormatAuto, &buf), "a buffer is not a terminal")

	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "json", ResolveFormat(FormatAuto, f), "a regular file is not a terminal")

	buf.Reset()
	New(slog.LevelInfo, FormatAuto, &buf).Info("calculated", "row", "row-f-0")
	assert.Contains(t, buf.String(), `"row":"row-f-0"`)
}
