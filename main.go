// The main package for the sitespider executable.
package main

import (
	"github.com/visibilitylab/sitespider/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
