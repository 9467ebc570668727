// Package logging provides tag-gated verbose logging on top of slog. Hot
// paths such as the tick loop and the cache filler log far too much for
// normal operation; their diagnostics are emitted only when the tag is
// enabled via the LOG_TAGS environment variable (comma separated) or at
// runtime with Enable.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu   sync.RWMutex
	tags = map[string]bool{}
)

func init() {
	EnableMany(os.Getenv("LOG_TAGS"))
}

// VerboseEnabled reports whether the given tag is enabled.
func VerboseEnabled(tag string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return tags[tag]
}

// Enable turns on a tag at runtime.
func Enable(tag string) {
	if tag == "" {
		return
	}
	mu.Lock()
	tags[tag] = true
	mu.Unlock()
}

// EnableMany enables a comma-separated list of tags.
func EnableMany(csv string) {
	for _, t := range strings.Split(csv, ",") {
		Enable(strings.TrimSpace(t))
	}
}

// VInfo logs at Info level only when the tag is enabled.
func VInfo(tag string, msg string, attrs ...slog.Attr) {
	if !VerboseEnabled(tag) {
		return
	}
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	slog.Info(msg, args...)
}
