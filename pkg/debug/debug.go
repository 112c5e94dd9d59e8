// Package debug provides category-based debug logging for docstore.
//
// Categories select which layer is traced; the level selects how much:
//
//	DOCSTORE_DEBUG=storage,codec DOCSTORE_LOG_LEVEL=DEBUG docstore import docs.jsonl
//
// At DEBUG, each enabled category logs its operations. At TRACE, the codec
// category also logs truncated serialized document bodies.
//
// Categories: config, connection, schema, codec, storage, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// Category names one traced layer.
type Category = string

const (
	Config     Category = "config"
	Connection Category = "connection"
	Schema     Category = "schema"
	Codec      Category = "codec"
	Storage    Category = "storage"
	All        Category = "all"
)

// Known lists the categories the packages of this module log under.
var Known = []Category{Config, Connection, Schema, Codec, Storage}

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

// enabled holds the active category set. It is swapped whole by Init.
var enabled atomic.Pointer[map[Category]bool]

func init() {
	set, _ := parseCategories(os.Getenv("DOCSTORE_DEBUG"))
	enabled.Store(&set)
}

// Options configures Init. Environment variables DOCSTORE_DEBUG,
// DOCSTORE_LOG_LEVEL and DOCSTORE_LOG_FORMAT win over the fields.
type Options struct {
	Categories string    // comma separated
	Level      string    // ERROR, WARN, INFO, DEBUG or TRACE; default INFO
	Format     string    // "text" (default) or "json"
	Output     io.Writer // default os.Stderr
}

// Init installs the default slog logger and the category set. It returns
// the requested categories that no package logs under.
func Init(o Options) []string {
	cats := envOr("DOCSTORE_DEBUG", o.Categories)
	set, unknown := parseCategories(cats)
	enabled.Store(&set)

	out := o.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(envOr("DOCSTORE_LOG_LEVEL", o.Level)),
		ReplaceAttr: replaceLevel,
	}

	var h slog.Handler
	if strings.EqualFold(envOr("DOCSTORE_LOG_FORMAT", o.Format), "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(h))
	return unknown
}

// Enabled reports whether category is traced.
func Enabled(category Category) bool {
	set := *enabled.Load()
	return set[All] || set[category]
}

// Log emits a DEBUG record tagged with category when it is enabled.
func Log(category Category, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a TRACE record tagged with category when it is enabled.
func Trace(category Category, msg string, args ...any) {
	if !TraceEnabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceEnabled reports whether category is traced at TRACE level.
func TraceEnabled(category Category) bool {
	return Enabled(category) && slog.Default().Enabled(context.Background(), LevelTrace)
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories returns the sorted enabled categories.
func Categories() []string {
	set := *enabled.Load()
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Truncate shortens s to at most n bytes, marking the cut with "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// replaceLevel prints LevelTrace as "TRACE" instead of "DEBUG-4".
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

func parseCategories(s string) (map[Category]bool, []string) {
	set := make(map[Category]bool)
	var unknown []string
	for _, cat := range strings.Split(s, ",") {
		cat = strings.ToLower(strings.TrimSpace(cat))
		if cat == "" {
			continue
		}
		if cat != All && !slices.Contains(Known, cat) {
			unknown = append(unknown, cat)
		}
		set[cat] = true
	}
	return set, unknown
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
