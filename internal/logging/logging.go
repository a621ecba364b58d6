// Package logging builds the slog loggers udpecho components share and
// names the attributes that appear on their log lines.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// levels maps config level names onto slog levels.
var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger returns a logger that writes to stderr. level is debug, info,
// warn or error and format is text or json, both case-insensitive; anything
// else falls back to info and text.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter is NewLogger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	if lvl, ok := levels[strings.ToLower(level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// NopLogger is the logger components fall back to when none is configured.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Attribute keys.
const (
	KeyComponent = "component"
	KeyError     = "error"
	KeyLocalAddr = "local_addr"
	KeyPeer      = "peer"
	KeyFamily    = "family"
	KeyPort      = "port"
	KeyBytes     = "bytes"
	KeySize      = "size"
	KeyPayload   = "payload"
	KeyDuration  = "duration"
	KeyIfIndex   = "if_index"
	KeyDest      = "dest"
	KeyCount     = "count"
)

// Payload renders datagram bytes for a log line. Payloads are opaque, so
// they are quoted and cut at limit bytes.
func Payload(b []byte, limit int) string {
	if limit > 0 && len(b) > limit {
		return strconv.Quote(string(b[:limit])) + "..."
	}
	return strconv.Quote(string(b))
}
