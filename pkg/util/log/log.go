package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide fallback logger. It starts as a nop so that
// packages constructed before InitLogger runs can log without nil checks.
// Components that accept a logger through their constructors should prefer
// the injected one over this global.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the root logger for the given format ("logfmt" or
// "json") and level, installs it as the package fallback and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	l := dslog.NewGoKitWithWriter(logFormat, kitlog.NewSyncWriter(os.Stderr))
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// The level filter goes last so that records dropped by level never
	// evaluate the timestamp and caller valuers.
	l = level.NewFilter(l, logLevel.Option)

	Logger = l
	return l
}

// Component returns the fallback logger tagged with a component name.
// Constructors without an injected logger use it as their default.
func Component(name string) kitlog.Logger {
	return kitlog.With(Logger, "component", name)
}
