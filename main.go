// The main package for the sitescribe executable.
package main

import (
	"github.com/sitescribe/sitescribe/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
