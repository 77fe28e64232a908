// Package main is the entry point for the ckg CLI.
package main

import (
	"github.com/anthropics/ckg/internal/cmd"
)

func main() {
	cmd.Execute()
}
