package main

import (
	"github.com/JakeFAU/sitemapwatch/cmd"
)

func main() {
	cmd.Execute()
}
