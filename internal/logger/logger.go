// Package logger は構造化ロガーを生成する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New はslogベースの構造化ロガーを生成する。
// formatが"text"の場合はテキスト形式、それ以外はJSON形式で標準出力に出力する。
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter は出力先を指定してロガーを生成する。
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", "pushdispatcher"))
}

// ParseLevel はログレベル文字列をslog.Levelに変換する。未知の値はInfoとして扱う。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard は出力を破棄するロガーを返す。テストで使用する。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
