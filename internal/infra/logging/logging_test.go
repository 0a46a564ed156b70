package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/internal/infra/config"
)

func TestNewJSONFormatterUsesRenamedKeys(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	defer func() { _ = closer() }()

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	Component(logger, "stream").WithField("topic", "order").Debug("subscribed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "subscribed", line["message"])
	require.Equal(t, "debug", line["level"])
	require.Equal(t, "stream", line["component"])
	require.Equal(t, "order", line["topic"])
	require.NotEmpty(t, line["timestamp"])
	require.True(t, strings.HasPrefix(line["file"].(string), "logging_test.go:"))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "verbose"})
	require.Error(t, err)
}

func TestFileOutputRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ordersync.log")
	logger, closer, err := New(config.LoggingConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)
	logger.WithField("component", "test").Warn("written to file")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "written to file")
}

func TestDiscardAndNilComponent(t *testing.T) {
	entry := Component(nil, "x")
	require.Equal(t, "x", entry.Data["component"])
	Discard().Error("ignored")
	require.Equal(t, logrus.InfoLevel, Discard().Logger.GetLevel())
}
