// The main package for the sitemapwatch executable.
package main

import (
	"github.com/JakeFAU/sitemapwatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
