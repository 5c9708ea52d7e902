// Command coordinatord runs the job broker's HTTP server and maintenance
// commands (serve, sweep, doctor, version).
package main

import (
	"fmt"
	"os"

	"github.com/llmjob/coordinator/internal/cmd"
	"github.com/llmjob/coordinator/internal/server"
)

// version, commit and buildDate are stamped at build time via:
//
//	go build -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=..."
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	server.Version = version

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
