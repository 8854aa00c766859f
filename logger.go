package gpures

import (
	"log/slog"

	"github.com/gogpu/gpures/diag"
)

// SetLogger configures the logger for gpures and all its sub-packages.
// By default, gpures produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Example:
//
//	// Enable info-level logging to stderr:
//	gpures.SetLogger(slog.Default())
//
//	// Enable debug-level logging for full diagnostics:
//	gpures.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) { diag.SetLogger(l) }

// Logger returns the current logger used by gpures.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger { return diag.Logger() }

// SetDiagnostics routes diagnostics that are not reported to a registry's
// own sink. Pass nil to log them instead.
func SetDiagnostics(s diag.Sink) { diag.SetDefaultSink(s) }
