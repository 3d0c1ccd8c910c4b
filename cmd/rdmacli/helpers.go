package main

import (
	"strings"

	"github.com/vuhuong/rdmacore"
	"github.com/vuhuong/rdmacore/internal/logging"
)

// openEndpoint opens an endpoint against one or more comma-separated
// simulated device names, honoring -v for debug-level logging. Every
// subcommand in this CLI runs against rdmacore.OpenSim rather than real
// verbs, the same role the teacher's MockBackend plays for its own demo.
func openEndpoint(devices string, verbose bool) (*rdmacore.Endpoint, error) {
	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))

	names := splitDevices(devices)
	return rdmacore.OpenSim(rdmacore.DefaultParams(), nil, names...)
}

func splitDevices(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
