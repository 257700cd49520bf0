package relieftesting

import (
	"io"
	"log/slog"
	"os"

	"github.com/saharasol/relief/utils/pkg/logger"
)

// NewLogger returns a logger for tests. Silent unless DEBUG is set
// (DEBUG=1 for info, DEBUG=2 for debug).
func NewLogger() *slog.Logger {
	var w io.Writer = io.Discard
	verbose := false
	switch os.Getenv("DEBUG") {
	case "2":
		w = os.Stderr
		verbose = true
	case "1":
		w = os.Stderr
	}
	return logger.NewWithWriter(w, verbose)
}
