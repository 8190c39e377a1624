// The main package for the docket-harvester executable.
package main

import (
	"github.com/JakeFAU/docket-harvester/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
