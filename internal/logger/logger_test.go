package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewWithWriter(t *testing.T) {
	t.Parallel()

	t.Run("JSON形式でserviceとレベルが出力されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		l := NewWithWriter(&buf, "warn", "json")
		l.Info("出力されない")
		l.Warn("警告", slog.String("component", "dispatch"))

		var line map[string]any
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("ログのパースに失敗: %v (%s)", err, buf.String())
		}
		if line["service"] != "pushdispatcher" {
			t.Errorf("service = %v", line["service"])
		}
		if line["msg"] != "警告" {
			t.Errorf("msg = %v", line["msg"])
		}
		if line["component"] != "dispatch" {
			t.Errorf("component = %v", line["component"])
		}
	})
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
