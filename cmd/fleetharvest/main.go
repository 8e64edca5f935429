// The main package for the fleetharvest executable.
package main

import (
	"fmt"
	"os"

	"github.com/insightops/fleetharvest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
