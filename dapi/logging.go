package dapi

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds a slog logger writing text, or JSON when format is
// "json", at level.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}
