package objlog_test

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/objmapper/objmapperd/internal/cfg"
	"github.com/objmapper/objmapperd/internal/objlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFormatMatchesExpectedEnvelope(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(objlog.NewHandlerForTest(&buf, new(slog.LevelVar), "text"))
	logger.Info("hello")

	assert.Regexp(t, `^time="[0-9/:. ]+" severity=INFO message="hello"\n$`, buf.String())
}

func TestTextHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger := slog.New(objlog.NewHandlerForTest(&buf, lvl, "text"))

	logger.Info("should be dropped")
	logger.Warn("should appear")

	assert.NotContains(t, buf.String(), "should be dropped")
	assert.Contains(t, buf.String(), "should appear")
}

func TestJSONFormatIncludesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(objlog.NewHandlerForTest(&buf, new(slog.LevelVar), "json"))
	logger.With(slog.String("component", "engine")).Warn("dropped connection")

	assert.Contains(t, buf.String(), `"severity":"WARNING"`)
	assert.Contains(t, buf.String(), `"message":"dropped connection"`)
	assert.Contains(t, buf.String(), `"component":"engine"`)
}

func TestForComponentStampsAttribute(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(objlog.NewHandlerForTest(&buf, new(slog.LevelVar), "json"))
	scoped := objlog.ForComponent(base, "manager")
	scoped.Error("boom")

	assert.Contains(t, buf.String(), `"component":"manager"`)
}

func TestNewWritesToRotatingFileWhenPathSet(t *testing.T) {
	dir := t.TempDir()
	c := cfg.LogConfig{Level: cfg.LogInfo, Format: "json", Path: filepath.Join(dir, "d.log"), MaxSizeMB: 1, MaxBackups: 1}

	logger, closer, err := objlog.New(c)
	require.NoError(t, err)

	logger.Info("written to file")
	require.NoError(t, closer.Close())
}

func TestNewDefaultsToStderrWhenPathEmpty(t *testing.T) {
	logger, closer, err := objlog.New(cfg.LogConfig{Level: cfg.LogInfo, Format: "text"})
	require.NoError(t, err)
	defer closer.Close()
	logger.Info("goes to stderr, not asserted here")
}
