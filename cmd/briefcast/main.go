// Command briefcast runs the podcast digest pipeline: one subcommand per
// phase, the run orchestrator, and the operator tooling.
package main

import (
	"os"

	// Zone data compiled in; the pipeline computes digest dates in a
	// configured zone and container images rarely ship zoneinfo.
	_ "time/tzdata"

	"github.com/briefcast/briefcast/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
