// Command replica replicates local records with a GraphQL backend.
package main

import (
	"os"

	"github.com/kilupskalvis/replica/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
