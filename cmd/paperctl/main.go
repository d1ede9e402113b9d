// Package main provides paperctl, the operator CLI for paperscope.
//
// Usage:
//
//	paperctl [flags] <command> [args]
//
// Commands:
//
//	provision - create queue topics, consumer groups and the vector collection
//	import    - submit papers from JSON or JSONL files
//
// Configuration is read from the environment (and .env) exactly like the
// server.
package main

import (
	"fmt"
	"os"

	"paperscope/cmd/paperctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
