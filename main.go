// Package main is the entry point for the matview application
package main

import (
	"github.com/ethpandaops/matview/cmd"
)

func main() {
	cmd.Execute()
}
