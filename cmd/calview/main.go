// Command calview is the generation-and-cache subsystem's entry point: a
// single binary that runs either the long-lived "serve" process or the
// one-shot "render" child WorkerPool execs (spec §4.G, §9).
package main

import (
	"fmt"
	"os"

	"github.com/calview/calview/cmd/calview/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
