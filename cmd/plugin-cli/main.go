package main

import (
	"os"

	"telenode/internal/cli"

	// Compiled plugin units, listed and validated by the CLI
	_ "telenode/internal/plugins/antispam"
	_ "telenode/internal/plugins/echo"
	_ "telenode/internal/plugins/help"
	_ "telenode/internal/plugins/hello"
	_ "telenode/internal/plugins/master"
)

func main() {
	if err := cli.NewRootCommand(cli.Options{}).Execute(); err != nil {
		os.Exit(1)
	}
}
