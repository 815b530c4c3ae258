// Command meterd runs and queries the usage metering daemon.
package main

import (
	"os"

	"github.com/cubent/usagemeter/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
