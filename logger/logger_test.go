package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, ParseLogLevel("warning"))
	assert.Equal(t, logrus.InfoLevel, ParseLogLevel("verbose"))
}

func TestInitLoggerWritesFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := LogConfig{
		InfoLogPath:  filepath.Join(dir, "logs", "info.log"),
		ErrorLogPath: filepath.Join(dir, "logs", "error.log"),
		LogLevel:     "debug",
	}
	require.NoError(t, InitLogger(cfg))

	Infof("opened %s", "db")
	Errorf("failed %d", 3)

	info, err := os.ReadFile(cfg.InfoLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(info), "[INFO]")
	assert.Contains(t, string(info), "opened db")

	errs, err := os.ReadFile(cfg.ErrorLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(errs), "[ERRO]")
	assert.Contains(t, string(errs), "failed 3")
}

func TestFormatterFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Logger.SetLevel(logrus.DebugLevel)
	defer SetOutput(os.Stdout)

	WithFields(logrus.Fields{"segment": "idx_a"}).Debug("segment created")
	assert.Contains(t, buf.String(), "segment created segment=idx_a")
	assert.Contains(t, buf.String(), "logger_test.go")
}
