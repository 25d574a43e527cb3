// Package envcfg parses the engine's single environment flag.
package envcfg

import (
	"os"
	"strings"
)

// Tri is a tri-state flag: forced on, forced off, or auto (caller decides).
type Tri int

const (
	Auto Tri = iota
	On
	Off
)

const monitorPeriodicFallbackVar = "MONITOR_PERIODIC_FALLBACK"

// MonitorPeriodicFallback reads MONITOR_PERIODIC_FALLBACK, defaulting to Auto
// when unset or unrecognized.
func MonitorPeriodicFallback() Tri {
	return parseTri(os.Getenv(monitorPeriodicFallbackVar))
}

func parseTri(v string) Tri {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return On
	case "0", "false", "no", "off":
		return Off
	default:
		return Auto
	}
}
