// Command gamesched drives the scheduling core standalone: serve its
// admin HTTP surface, run its end-to-end scenarios, or dump a freshly
// booted run-queue state.
package main

import (
	"os"

	"github.com/tutu-network/gamesched/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
