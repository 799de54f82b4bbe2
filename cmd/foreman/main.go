// Command foreman is the CLI entrypoint for the autonomous coding-agent
// orchestrator: it wires the Bead store, supervisor, and watchdog together
// and exposes the minimal operator surface (serve, bead, stats).
package main

import (
	"os"

	"github.com/zulandar/foreman/internal/cmd"
)

var version = "dev"

func main() {
	cmd.Version = version
	os.Exit(cmd.Execute())
}
