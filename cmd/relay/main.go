// Command relay is a control CLI: it runs the scenario suite offline, and
// will grow subcommands to publish/connect/lookup against a running relayd
// over its control plane.
package main

import (
	"fmt"
	"os"

	"github.com/roasbeef/relay/cmd/relay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
