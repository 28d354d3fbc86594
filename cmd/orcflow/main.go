// Command orcflow runs durable workflows against git repositories.
package main

import (
	"os"

	"github.com/randalmurphal/orcflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
