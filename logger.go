package relay

import (
	"context"
	"log/slog"
)

// nopLogger is the fallback when no logger is configured. Components
// accept a *slog.Logger via their options and never log through a nil
// pointer.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool   { return false }
func (discardHandler) Handle(context.Context, slog.Record) error  { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler       { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }
