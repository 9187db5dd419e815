package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"dissden/api/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"info":  zapcore.InfoLevel,
		"":      zapcore.InfoLevel,
		"loud":  zapcore.InfoLevel,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewWritesToRollingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "api.log")
	logger, err := New(config.Config{LogLevel: "info", LogPath: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("vote cast")
	logger.Debug("hidden")
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(contents), `"msg":"vote cast"`) {
		t.Fatalf("log file missing entry: %s", contents)
	}
	if strings.Contains(string(contents), "hidden") {
		t.Fatalf("debug entry written at info level: %s", contents)
	}
}
