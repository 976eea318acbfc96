// Command twoyi is the Twoyi host: it provisions the ROM image and
// supervises the container engine.
package main

import (
	"fmt"
	"os"

	"twoyi/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "twoyi: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
