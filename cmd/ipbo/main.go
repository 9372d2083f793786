// Package main provides the ipbo command-line isolated package build
// orchestrator.
package main

import (
	"github.com/eth-pkg/sbuild-ubuntu-sub000/cmd/ipbo/command"
)

func main() {
	command.Execute()
}
