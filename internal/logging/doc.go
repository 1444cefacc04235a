// Package logging provides structured logging with per-module log levels.
//
// Loggers are plain [log/slog] loggers tagged with a "module" attribute.
// Initialize once at startup, then ask for a logger per component:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"frames": "debug",
//			"relay":  "warn",
//		},
//	})
//
//	logger := logging.GetLogger("frames")
//	logger.Info("Frame delivered", "path", path, "bytes", n)
//
// Loggers handed out before Initialize are kept and have their level
// updated in place, so package-level loggers stay valid.
//
// # Output Destinations
//
// Records go to stdout when it is a terminal, pipe, socket or regular file,
// and to the systemd journal when journald is reachable. With both present
// a [MultiHandler] fans records out to each. Journal entries carry
// SYSLOG_IDENTIFIER=framerelay and upper-cased attribute keys:
//
//	journalctl -t framerelay MODULE=relay -f
//
// # Runtime Changes
//
// [SetModuleLevel] adjusts one module and [SetLevels] replaces the global
// level and all overrides at once; existing loggers follow immediately.
// The CLI calls SetLevels when the [logging] section of its config file
// changes:
//
//	[logging]
//	level = "info"
//	ffmpeg = "warn"
package logging
